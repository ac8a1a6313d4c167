package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/GianGuaz256/vending-server/internal/api"
	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/btcpay"
	"github.com/GianGuaz256/vending-server/internal/callback"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/kafka"
	"github.com/GianGuaz256/vending-server/internal/logging"
	"github.com/GianGuaz256/vending-server/internal/metrics"
	"github.com/GianGuaz256/vending-server/internal/monitor"
	"github.com/GianGuaz256/vending-server/internal/notify"
	"github.com/GianGuaz256/vending-server/internal/reconcile"
	"github.com/GianGuaz256/vending-server/internal/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	connStr := db.GetConnStr(cfg.Database)
	db.RunMigrations(connStr, "migrations")

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients := db.NewClientRepository(pool)
	payments := db.NewPaymentRepository(pool)
	events := db.NewEventRepository(pool)
	callbacks := db.NewCallbackRepository(pool)

	notifier := notify.NewPublisher(rdb, logger)
	subscriber := notify.NewSubscriber(rdb)

	provider := btcpay.NewClient(cfg.BTCPay, logger)
	reconciler := reconcile.NewReconciler(payments, events, callbacks, notifier, logger)

	mon := monitor.NewMonitor(payments, provider, reconciler, cfg.Payment, logger)
	mon.Start(ctx)
	if err := mon.ResumePending(ctx); err != nil {
		logger.ErrorContext(ctx, "Error resuming pending payments", "error", err)
	}

	paymentService := service.NewPaymentService(payments, events, provider, reconciler, notifier, mon, cfg.Payment, logger)

	issuer := auth.NewTokenIssuer(cfg.Auth)
	authService := auth.NewService(clients, issuer, logger)

	writer := kafka.NewWriter(cfg.Kafka)
	defer writer.Close()

	producer := callback.NewProducer(callbacks, writer, cfg.Callback.Producer, logger)
	producer.Start(ctx)

	sender := callback.NewSender(cfg.Callback.Sender, cfg.Callback.Secret, logger)
	processor := callback.NewCallbackProcessor(callbacks, sender, cfg.Callback.Processor, logger)

	reader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.CallbackMessages, cfg.Kafka.Reader.GroupID)
	defer reader.Close()
	kafka.ReadCallbackMessages(ctx, reader, processor, logger)

	router := api.NewRouter(
		api.NewAuthHandler(authService, logger),
		api.NewPaymentHandler(paymentService, logger),
		api.NewStreamHandler(events, subscriber, cfg.Payment, logger),
		api.NewWebhookHandler(payments, reconciler, cfg.BTCPay.WebhookSecret, logger),
		api.NewHealthHandler(pool),
		auth.Middleware(issuer, clients, logger),
		cfg.Auth,
		logger,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.InfoContext(ctx, "Server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
