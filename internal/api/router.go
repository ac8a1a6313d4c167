package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
)

// RequestLogger emits one structured log line per request, levelled by the
// response status.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", method,
			"path", path,
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
			"clientIp", c.ClientIP(),
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			logger.ErrorContext(ctx, "Request handled", attrs...)
		case status >= 400:
			logger.WarnContext(ctx, "Request handled", attrs...)
		default:
			logger.InfoContext(ctx, "Request handled", attrs...)
		}
	}
}

func NewRouter(
	authHandler *AuthHandler,
	paymentHandler *PaymentHandler,
	streamHandler *StreamHandler,
	webhookHandler *WebhookHandler,
	healthHandler *HealthHandler,
	authMiddleware gin.HandlerFunc,
	cfg config.Auth,
	logger *slog.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))

	r.GET("/liveness", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", func(c *gin.Context) {
		metrics.WritePrometheus(c.Writer, true)
	})

	loginLimiter := auth.NewKeyedLimiter(cfg.LoginRatePerMinute, cfg.LoginRatePerMinute)
	paymentLimiter := auth.NewKeyedLimiter(cfg.PaymentRatePerMinute, cfg.PaymentRatePerMinute)

	byIP := func(c *gin.Context) string { return c.ClientIP() }
	byClient := func(c *gin.Context) string {
		if client := auth.ClientFrom(c); client != nil {
			return client.ID.String()
		}
		return c.ClientIP()
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/auth/token", auth.RateLimitMiddleware(loginLimiter, byIP), authHandler.Token)
		v1.POST("/webhooks/btcpay", webhookHandler.Handle)

		authed := v1.Group("", authMiddleware)
		{
			authed.POST("/payments", auth.RateLimitMiddleware(paymentLimiter, byClient), paymentHandler.Create)
			authed.GET("/payments/:id", paymentHandler.Get)
			authed.POST("/payments/:id/cancel", paymentHandler.Cancel)
			authed.GET("/events/stream", streamHandler.Stream)
		}
	}

	return r
}
