package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/GianGuaz256/vending-server/internal/payment"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	ReasonAlreadyFinalized   = "already_finalized"
	ReasonDeadlineNotReached = "deadline_not_reached"
	ReasonInvalidTransition  = "invalid_transition"
	ReasonObserved           = "observed"
)

var reconcileErrorCounter = metrics.GetOrCreateCounter(`payment_finalize_total{result="error"}`)

func incFinalized(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`payment_finalize_total{result="applied",status=%q}`, status)).Inc()
}

func incIgnored(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`payment_finalize_total{result="ignored",reason=%q}`, reason)).Inc()
}

// Verdict is a terminal outcome claim from one of the observation channels.
type Verdict struct {
	Status   string
	Reason   string
	Source   string
	Evidence json.RawMessage
}

// Outcome reports what reconciliation did. Exactly one caller ever gets
// Applied=true per payment; everyone else gets an ignored outcome with the
// reason.
type Outcome struct {
	Applied bool
	Reason  string
	Status  string
	Event   *db.PaymentEventEntity
}

type Notifier interface {
	PublishEvent(ctx context.Context, clientID uuid.UUID, ptr message.EventPointer)
}

// Reconciler is the single serialization point for terminal transitions. All
// observation channels (webhook, monitor, API cancel) funnel their verdicts
// through Reconcile, which decides under a row lock whether the verdict still
// applies.
type Reconciler struct {
	payments  *db.PaymentRepository
	events    *db.EventRepository
	callbacks *db.CallbackRepository
	notifier  Notifier
	logger    *slog.Logger
}

func NewReconciler(payments *db.PaymentRepository, events *db.EventRepository, callbacks *db.CallbackRepository, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		payments:  payments,
		events:    events,
		callbacks: callbacks,
		notifier:  notifier,
		logger:    logger,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, paymentID uuid.UUID, verdict Verdict) (*Outcome, error) {
	ctx = logcontext.AppendCtx(ctx,
		slog.String("paymentId", paymentID.String()),
		slog.String("verdict", verdict.Status),
		slog.String("source", verdict.Source))

	tx, err := r.payments.BeginTx(ctx)
	if err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := r.payments.SelectForUpdateByID(ctx, tx, paymentID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			reconcileErrorCounter.Inc()
		}
		return nil, err
	}

	if p.FinalizedAt != nil || payment.Terminal(p.Status) {
		r.logger.InfoContext(ctx, "Payment already finalized, ignoring verdict", "status", p.Status)
		incIgnored(ReasonAlreadyFinalized)
		return &Outcome{Reason: ReasonAlreadyFinalized, Status: p.Status}, nil
	}

	// an expiry claim arriving while the monitor window is still open is
	// recorded but does not finalize; the payment may still settle
	if verdict.Status == payment.StatusExpired && time.Now().Before(p.MonitorUntil) {
		ev, err := r.recordObservation(ctx, tx, p, verdict.Source, verdict.Evidence)
		if err != nil {
			reconcileErrorCounter.Inc()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			reconcileErrorCounter.Inc()
			return nil, err
		}

		r.logger.InfoContext(ctx, "Expiry observed before monitor deadline, not finalizing", "seq", ev.Seq)
		incIgnored(ReasonDeadlineNotReached)
		r.notifier.PublishEvent(ctx, p.ClientID, message.EventPointer{PaymentID: p.ID, EventSeq: ev.Seq})
		return &Outcome{Reason: ReasonDeadlineNotReached, Status: p.Status, Event: ev}, nil
	}

	if !payment.CanTransition(p.Status, verdict.Status) {
		r.logger.WarnContext(ctx, "Verdict does not apply to current status", "status", p.Status)
		incIgnored(ReasonInvalidTransition)
		return &Outcome{Reason: ReasonInvalidTransition, Status: p.Status}, nil
	}

	now := time.Now().UTC()

	var reason *string
	if verdict.Reason != "" {
		reason = &verdict.Reason
	}

	if err := r.payments.UpdateStatus(ctx, tx, p.ID, verdict.Status, reason, &now); err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}

	oldStatus := p.Status
	newStatus := verdict.Status
	ev, err := r.events.Insert(ctx, tx, &db.PaymentEventEntity{
		ID:               uuid.New(),
		PaymentRequestID: p.ID,
		EventType:        payment.EventTypeFor(verdict.Status),
		OldStatus:        &oldStatus,
		NewStatus:        &newStatus,
		Source:           verdict.Source,
		Payload:          verdict.Evidence,
	})
	if err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}

	if verdict.Evidence != nil {
		if err := r.payments.UpdateInvoiceLastStatusTx(ctx, tx, p.ID, verdict.Evidence); err != nil {
			reconcileErrorCounter.Inc()
			return nil, err
		}
	}

	if p.CallbackURL != nil {
		if err := r.enqueueCallback(ctx, tx, p, verdict, now); err != nil {
			reconcileErrorCounter.Inc()
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}

	r.logger.InfoContext(ctx, "Payment finalized", "oldStatus", oldStatus, "newStatus", newStatus, "seq", ev.Seq)
	incFinalized(verdict.Status)
	r.notifier.PublishEvent(ctx, p.ClientID, message.EventPointer{PaymentID: p.ID, EventSeq: ev.Seq})

	return &Outcome{Applied: true, Status: verdict.Status, Event: ev}, nil
}

// RecordObservation appends a non-finalizing event for a payment that is still
// in flight, e.g. an unrecognized webhook type worth keeping in the timeline.
func (r *Reconciler) RecordObservation(ctx context.Context, paymentID uuid.UUID, source string, evidence json.RawMessage) (*Outcome, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", paymentID.String()), slog.String("source", source))

	tx, err := r.payments.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := r.payments.SelectForUpdateByID(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}

	if p.FinalizedAt != nil || payment.Terminal(p.Status) {
		incIgnored(ReasonAlreadyFinalized)
		return &Outcome{Reason: ReasonAlreadyFinalized, Status: p.Status}, nil
	}

	ev, err := r.recordObservation(ctx, tx, p, source, evidence)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	incIgnored(ReasonObserved)
	r.notifier.PublishEvent(ctx, p.ClientID, message.EventPointer{PaymentID: p.ID, EventSeq: ev.Seq})
	return &Outcome{Reason: ReasonObserved, Status: p.Status, Event: ev}, nil
}

func (r *Reconciler) recordObservation(ctx context.Context, tx pgx.Tx, p *db.PaymentRequestEntity, source string, evidence json.RawMessage) (*db.PaymentEventEntity, error) {
	status := p.Status
	ev, err := r.events.Insert(ctx, tx, &db.PaymentEventEntity{
		ID:               uuid.New(),
		PaymentRequestID: p.ID,
		EventType:        payment.EventWebhookReceived,
		OldStatus:        &status,
		NewStatus:        &status,
		Source:           source,
		Payload:          evidence,
	})
	if err != nil {
		return nil, err
	}

	if evidence != nil {
		if err := r.payments.UpdateInvoiceLastStatusTx(ctx, tx, p.ID, evidence); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

func (r *Reconciler) enqueueCallback(ctx context.Context, tx pgx.Tx, p *db.PaymentRequestEntity, verdict Verdict, finalizedAt time.Time) error {
	var reason *string
	if verdict.Reason != "" {
		reason = &verdict.Reason
	}

	body, err := json.Marshal(payload.Callback{
		PaymentID:    p.ID,
		ExternalCode: p.ExternalCode,
		Status:       verdict.Status,
		StatusReason: reason,
		FinalizedAt:  finalizedAt,
		Timestamp:    finalizedAt,
	})
	if err != nil {
		return err
	}

	scheduledAt := finalizedAt
	_, err = r.callbacks.Create(ctx, tx, &db.CallbackMessageEntity{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		Url:         *p.CallbackURL,
		Payload:     string(body),
		ScheduledAt: &scheduledAt,
	})
	return err
}
