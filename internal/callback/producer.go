package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs   = 500
	defaultFetchSize           = 200
	defaultRetryPublishDelayMs = 10_000
	defaultMaxPublishAttempts  = 3
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`callback_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`callback_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`callback_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`callback_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`callback_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="rescheduled"}`)
)

// Producer drains due rows from the callback outbox and publishes them to
// kafka. Rows are locked while a batch is in flight, so multiple instances
// can run concurrently.
type Producer struct {
	repo               *db.CallbackRepository
	writer             *kafka.Writer
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.CallbackRepository, writer *kafka.Writer, cfg config.CallbackProducer, logger *slog.Logger) *Producer {
	pollingIntervalMs := cfg.PollingIntervalMs
	if pollingIntervalMs <= 0 {
		pollingIntervalMs = defaultPollingIntervalMs
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	retryDelayMs := cfg.RescheduleDelayMs
	if retryDelayMs <= 0 {
		retryDelayMs = defaultRetryPublishDelayMs
	}
	maxPublishAttempts := cfg.MaxPublishAttempts
	if maxPublishAttempts <= 0 {
		maxPublishAttempts = defaultMaxPublishAttempts
	}

	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(pollingIntervalMs) * time.Millisecond,
		fetchSize:          fetchSize,
		retryDelay:         time.Duration(retryDelayMs) * time.Millisecond,
		maxPublishAttempts: maxPublishAttempts,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	defer tx.Rollback(ctx)

	callbacks, err := p.repo.GetUnprocessedCallbacks(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unprocessed callbacks", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(callbacks) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	kafkaMessages := p.toKafkaMessages(ctx, callbacks)

	p.logger.InfoContext(ctx, "Writing messages to Kafka", "count", len(kafkaMessages))

	err = p.writer.WriteMessages(ctx, kafkaMessages...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()

	for _, callback := range callbacks {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("id", callback.ID.String()))

		callback.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			callback.Error = &errMsg

			if callback.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for callback")
				callback.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(callback.PublishAttempts) * p.retryDelay)
				callback.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			publishedAt := now
			callback.ScheduledAt = nil
			callback.PublishedAt = &publishedAt
			callback.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, callback); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating callback", "error", err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)

		producerErrorUpdateCounter.Inc()
	} else {
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(ctx context.Context, callbacks []*db.CallbackMessageEntity) []kafka.Message {
	var kafkaMessages []kafka.Message

	for _, entity := range callbacks {
		p.logger.DebugContext(ctx, "Preparing Kafka message for callback ID", "id", entity.ID)

		callbackMessage := message.Callback{
			ID:        entity.ID,
			PaymentID: entity.PaymentID,
			Url:       entity.Url,
			Payload:   entity.Payload,
			Attempts:  entity.DeliveryAttempts,
		}

		messageBytes, _ := json.Marshal(callbackMessage)

		msg := kafka.Message{
			Key:   []byte(entity.PaymentID.String()), // Use payment ID as key to ensure ordering
			Value: messageBytes,
		}

		kafkaMessages = append(kafkaMessages, msg)
	}
	return kafkaMessages
}
