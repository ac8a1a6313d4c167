package callback

import (
	"context"
	"log/slog"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultParallelism         = 1000
	defaultRetryDeliveryMs     = 1000
	defaultMaxDeliveryAttempts = 3
)

var (
	processorDeliveredCounter   = metrics.GetOrCreateCounter(`callback_processor_total{result="delivered"}`)
	processorRescheduledCounter = metrics.GetOrCreateCounter(`callback_processor_total{result="rescheduled"}`)
	processorMaxAttemptsCounter = metrics.GetOrCreateCounter(`callback_processor_total{result="max_attempts_reached"}`)
	processorErrorCounter       = metrics.GetOrCreateCounter(`callback_processor_total{result="db_error"}`)

	processorDeliveryDurationHistogram = metrics.GetOrCreateHistogram(`callback_processor_delivery_duration_milliseconds`)
)

// Processor delivers callback messages consumed from kafka. Each delivery runs
// in its own goroutine, bounded by the semaphore. Failed deliveries are
// rescheduled through the outbox with exponential backoff, so the producer
// publishes them again later.
type Processor struct {
	repo        *db.CallbackRepository
	sender      *Sender
	sem         chan struct{}
	retryDelay  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewCallbackProcessor(repo *db.CallbackRepository, sender *Sender, cfg config.CallbackProcessor, logger *slog.Logger) *Processor {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	retryDelayMs := cfg.RescheduleDelayMs
	if retryDelayMs <= 0 {
		retryDelayMs = defaultRetryDeliveryMs
	}
	maxAttempts := cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxDeliveryAttempts
	}

	return &Processor{
		repo:        repo,
		sender:      sender,
		sem:         make(chan struct{}, parallelism),
		retryDelay:  time.Duration(retryDelayMs) * time.Millisecond,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (p *Processor) Process(ctx context.Context, msg message.Callback) error {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.deliver(ctx, msg)
	}()

	return nil
}

func (p *Processor) deliver(ctx context.Context, msg message.Callback) {
	startTime := time.Now()

	ctx = logcontext.AppendCtx(ctx,
		slog.String("id", msg.ID.String()),
		slog.String("paymentId", msg.PaymentID.String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}

	defer tx.Rollback(ctx)

	entity, err := p.repo.SelectForUpdateByID(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting callback for update", "error", err)
		processorErrorCounter.Inc()
		return
	}

	if entity.DeliveredAt != nil {
		p.logger.InfoContext(ctx, "Callback already delivered, skipping")
		return
	}

	sendErr := p.sender.Send(ctx, entity.Url, entity.Payload)
	attempts := entity.DeliveryAttempts + 1

	if sendErr != nil {
		p.logger.WarnContext(ctx, "Error sending callback", "error", sendErr, "attempts", attempts)

		if attempts >= p.maxAttempts {
			p.logger.WarnContext(ctx, "Max delivery attempts reached for callback")
			// scheduled_at stays NULL so the producer never picks it up again
			err = p.repo.UpdateScheduledAtAndAttemptsByID(ctx, tx, msg.ID, nil, attempts, sendErr.Error())
			processorMaxAttemptsCounter.Inc()
		} else {
			scheduledAt := time.Now().Add(time.Duration(1<<(attempts-1)) * p.retryDelay)
			err = p.repo.UpdateScheduledAtAndAttemptsByID(ctx, tx, msg.ID, &scheduledAt, attempts, sendErr.Error())
			processorRescheduledCounter.Inc()
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "Error updating scheduled_at and attempts", "error", err)
			processorErrorCounter.Inc()
			return
		}
	} else {
		err = p.repo.UpdateAttemptsAndDeliveredAtByID(ctx, tx, msg.ID, attempts, time.Now())
		if err != nil {
			p.logger.ErrorContext(ctx, "Error updating delivered_at and attempts", "error", err)
			processorErrorCounter.Inc()
			return
		}
		processorDeliveredCounter.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}

	processorDeliveryDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}
