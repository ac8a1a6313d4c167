package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/GianGuaz256/vending-server/internal/btcpay"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/GianGuaz256/vending-server/internal/model"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/GianGuaz256/vending-server/internal/payment"
	"github.com/GianGuaz256/vending-server/internal/reconcile"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	createSuccessCounter  = metrics.GetOrCreateCounter(`payment_create_total{result="created"}`)
	createReplayedCounter = metrics.GetOrCreateCounter(`payment_create_total{result="replayed"}`)
	createProviderCounter = metrics.GetOrCreateCounter(`payment_create_total{result="provider_failed"}`)
	createInvalidCounter  = metrics.GetOrCreateCounter(`payment_create_total{result="validation_failed"}`)
)

// ValidationError rejects a create request before anything is persisted.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// ProvisioningError means the provider could not produce an invoice. The
// payment exists and has been finalized as FAILED; callers translate this to
// an upstream failure response.
type ProvisioningError struct {
	PaymentID uuid.UUID
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning payment %s: %v", e.PaymentID, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

type Notifier interface {
	PublishEvent(ctx context.Context, clientID uuid.UUID, ptr message.EventPointer)
}

type Scheduler interface {
	Schedule(paymentID uuid.UUID)
}

type PaymentService struct {
	payments      *db.PaymentRepository
	events        *db.EventRepository
	provider      *btcpay.Client
	reconciler    *reconcile.Reconciler
	notifier      Notifier
	scheduler     Scheduler
	monitorWindow time.Duration
	metadataMax   int
	logger        *slog.Logger
}

func NewPaymentService(payments *db.PaymentRepository, events *db.EventRepository, provider *btcpay.Client,
	reconciler *reconcile.Reconciler, notifier Notifier, scheduler Scheduler, cfg config.Payment, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		payments:      payments,
		events:        events,
		provider:      provider,
		reconciler:    reconciler,
		notifier:      notifier,
		scheduler:     scheduler,
		monitorWindow: time.Duration(cfg.MonitorWindowSeconds) * time.Second,
		metadataMax:   cfg.MetadataMaxBytes,
		logger:        logger,
	}
}

// Create runs the full provisioning flow: persist the request, obtain a
// provider invoice, move the payment to PENDING and arm the monitor. The
// returned bool is true when an idempotency key matched an existing payment
// and that payment was returned instead of creating a new one.
func (s *PaymentService) Create(ctx context.Context, clientID uuid.UUID, req *payload.CreatePaymentRequest) (*model.PaymentDetail, bool, error) {
	if err := s.validate(req); err != nil {
		createInvalidCounter.Inc()
		return nil, false, err
	}

	if req.IdempotencyKey != nil {
		existing, err := s.payments.GetByIdempotencyKey(ctx, clientID, *req.IdempotencyKey)
		if err == nil {
			createReplayedCounter.Inc()
			detail, err := s.loadDetail(ctx, existing)
			return detail, true, err
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, false, err
		}
	}

	p, err := s.insertCreated(ctx, clientID, req)
	if err != nil {
		// two requests raced on the same idempotency key; the loser
		// returns the winner's payment
		if req.IdempotencyKey != nil && db.IsUniqueViolation(err, "uq_payment_requests_idempotency") {
			existing, lookupErr := s.payments.GetByIdempotencyKey(ctx, clientID, *req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			createReplayedCounter.Inc()
			detail, detailErr := s.loadDetail(ctx, existing)
			return detail, true, detailErr
		}
		return nil, false, err
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))

	if err := s.provision(ctx, p, req); err != nil {
		s.failProvisioning(ctx, p, err)
		createProviderCounter.Inc()
		return nil, false, &ProvisioningError{PaymentID: p.ID, Err: err}
	}

	s.scheduler.Schedule(p.ID)
	createSuccessCounter.Inc()

	fresh, err := s.payments.GetByID(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	detail, err := s.loadDetail(ctx, fresh)
	return detail, false, err
}

func (s *PaymentService) Get(ctx context.Context, clientID, paymentID uuid.UUID) (*model.PaymentDetail, error) {
	p, err := s.payments.GetForClient(ctx, paymentID, clientID)
	if err != nil {
		return nil, err
	}
	return s.loadDetail(ctx, p)
}

// Cancel asks the reconciler to finalize the payment as CANCELED. Payments
// already finalized come back with an ignored outcome.
func (s *PaymentService) Cancel(ctx context.Context, clientID, paymentID uuid.UUID) (*reconcile.Outcome, error) {
	if _, err := s.payments.GetForClient(ctx, paymentID, clientID); err != nil {
		return nil, err
	}

	return s.reconciler.Reconcile(ctx, paymentID, reconcile.Verdict{
		Status: payment.StatusCanceled,
		Reason: "CANCELED_BY_CLIENT",
		Source: payment.SourceAPI,
	})
}

func (s *PaymentService) validate(req *payload.CreatePaymentRequest) error {
	if req.PaymentMethod != payment.PaymentMethodLightning {
		return &ValidationError{Field: "payment_method", Detail: "unsupported payment method"}
	}

	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil || amount <= 0 {
		return &ValidationError{Field: "amount", Detail: "must be a positive decimal"}
	}

	if len(req.Currency) > 10 {
		return &ValidationError{Field: "currency", Detail: "too long"}
	}
	if len(req.ExternalCode) > 64 {
		return &ValidationError{Field: "external_code", Detail: "too long"}
	}

	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return &ValidationError{Field: "metadata", Detail: "must be valid JSON"}
		}
		if len(req.Metadata) > s.metadataMax {
			return &ValidationError{Field: "metadata", Detail: fmt.Sprintf("exceeds %d bytes", s.metadataMax)}
		}
	}

	return nil
}

func (s *PaymentService) insertCreated(ctx context.Context, clientID uuid.UUID, req *payload.CreatePaymentRequest) (*db.PaymentRequestEntity, error) {
	tx, err := s.payments.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	entity := &db.PaymentRequestEntity{
		ID:             uuid.New(),
		ClientID:       clientID,
		ExternalCode:   req.ExternalCode,
		PaymentMethod:  req.PaymentMethod,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Description:    req.Description,
		CallbackURL:    req.CallbackURL,
		RedirectURL:    req.RedirectURL,
		Metadata:       metadata,
		IdempotencyKey: req.IdempotencyKey,
		Status:         payment.StatusCreated,
		MonitorUntil:   time.Now().UTC().Add(s.monitorWindow),
	}

	if _, err := s.payments.Create(ctx, tx, entity); err != nil {
		return nil, err
	}

	created := payment.StatusCreated
	eventPayload, _ := json.Marshal(map[string]string{
		"external_code": entity.ExternalCode,
		"amount":        entity.Amount,
		"currency":      entity.Currency,
	})
	ev, err := s.events.Insert(ctx, tx, &db.PaymentEventEntity{
		ID:               uuid.New(),
		PaymentRequestID: entity.ID,
		EventType:        payment.EventCreated,
		NewStatus:        &created,
		Source:           payment.SourceAPI,
		Payload:          eventPayload,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.notifier.PublishEvent(ctx, clientID, message.EventPointer{PaymentID: entity.ID, EventSeq: ev.Seq})
	return entity, nil
}

func (s *PaymentService) provision(ctx context.Context, p *db.PaymentRequestEntity, req *payload.CreatePaymentRequest) error {
	invoice, err := s.provider.CreateInvoice(ctx, btcpay.CreateInvoiceParams{
		Amount:       p.Amount,
		Currency:     p.Currency,
		RedirectURL:  req.RedirectURL,
		OrderID:      p.ExternalCode,
		PaymentRefID: p.ID.String(),
	})
	if err != nil {
		return err
	}

	bolt11, err := s.provider.FetchBolt11(ctx, invoice.ID)
	if err != nil {
		return err
	}

	var amountSats *int64
	if bolt11 != nil {
		if sats, ok := btcpay.AmountSats(*bolt11); ok {
			amountSats = &sats
		}
	}

	tx, err := s.payments.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	storeID := invoice.StoreID
	if storeID == "" {
		storeID = s.provider.StoreID()
	}

	var checkoutLink *string
	if invoice.CheckoutLink != "" {
		checkoutLink = &invoice.CheckoutLink
	}

	invEntity := &db.ProviderInvoiceEntity{
		ID:                uuid.New(),
		PaymentRequestID:  p.ID,
		Provider:          btcpay.ProviderName,
		ProviderInvoiceID: invoice.ID,
		StoreID:           storeID,
		CheckoutLink:      checkoutLink,
		Bolt11:            bolt11,
		ExpiresAt:         invoice.ExpiresAt(),
		RawCreateResponse: invoice.Raw,
	}
	if _, err := s.payments.CreateInvoice(ctx, tx, invEntity); err != nil {
		return err
	}

	if err := s.payments.UpdateStatus(ctx, tx, p.ID, payment.StatusPending, nil, nil); err != nil {
		return err
	}
	if amountSats != nil {
		if err := s.payments.UpdateAmountSats(ctx, tx, p.ID, amountSats); err != nil {
			return err
		}
	}

	oldStatus := payment.StatusCreated
	newStatus := payment.StatusPending
	eventPayload, _ := json.Marshal(map[string]any{
		"provider_invoice_id": invoice.ID,
		"checkout_link":       invoice.CheckoutLink,
		"expires_at":          invoice.ExpiresAt(),
	})
	ev, err := s.events.Insert(ctx, tx, &db.PaymentEventEntity{
		ID:               uuid.New(),
		PaymentRequestID: p.ID,
		EventType:        payment.EventProviderInvoiceCreated,
		OldStatus:        &oldStatus,
		NewStatus:        &newStatus,
		Source:           payment.SourceAPI,
		Payload:          eventPayload,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Provider invoice provisioned", "invoiceId", invoice.ID)
	s.notifier.PublishEvent(ctx, p.ClientID, message.EventPointer{PaymentID: p.ID, EventSeq: ev.Seq})
	return nil
}

// failProvisioning records the provider failure as a FAILED finalization in a
// fresh transaction. The CREATED row from insertCreated stays behind as the
// record of the attempt.
func (s *PaymentService) failProvisioning(ctx context.Context, p *db.PaymentRequestEntity, cause error) {
	s.logger.ErrorContext(ctx, "Invoice provisioning failed", "error", cause)

	reason := "INTERNAL_ERROR"
	var provErr *btcpay.ProviderError
	if errors.As(cause, &provErr) {
		reason = "PROVIDER_ERROR:" + strings.ToUpper(string(provErr.Kind))
	}

	evidence, _ := json.Marshal(map[string]string{"error": cause.Error()})

	if _, err := s.reconciler.Reconcile(ctx, p.ID, reconcile.Verdict{
		Status:   payment.StatusFailed,
		Reason:   reason,
		Source:   payment.SourceAPI,
		Evidence: evidence,
	}); err != nil {
		// nothing left to do for this request beyond surfacing the error
		s.logger.ErrorContext(ctx, "Error recording provisioning failure", "error", err)
	}
}

func (s *PaymentService) loadDetail(ctx context.Context, p *db.PaymentRequestEntity) (*model.PaymentDetail, error) {
	invoice, err := s.payments.GetInvoiceByPaymentID(ctx, p.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return &model.PaymentDetail{Payment: p}, nil
		}
		return nil, err
	}
	return &model.PaymentDetail{Payment: p, Invoice: invoice}, nil
}
