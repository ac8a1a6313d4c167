package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/GianGuaz256/vending-server/internal/payment"
	"github.com/GianGuaz256/vending-server/internal/reconcile"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const signaturePrefix = "sha256="

// Webhook event types sent by BTCPay Server.
const (
	webhookInvoiceSettled = "InvoiceSettled"
	webhookInvoiceExpired = "InvoiceExpired"
	webhookInvoiceInvalid = "InvoiceInvalid"
)

func incWebhook(result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`webhook_received_total{result=%q}`, result)).Inc()
}

type Reconciler interface {
	Reconcile(ctx context.Context, paymentID uuid.UUID, verdict reconcile.Verdict) (*reconcile.Outcome, error)
	RecordObservation(ctx context.Context, paymentID uuid.UUID, source string, evidence json.RawMessage) (*reconcile.Outcome, error)
}

type PaymentResolver interface {
	GetByProviderInvoiceID(ctx context.Context, providerInvoiceID string) (*db.PaymentRequestEntity, error)
}

type webhookEvent struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoiceId"`
	StoreID   string `json:"storeId"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookHandler accepts provider webhooks and turns them into reconciliation
// verdicts. The raw body doubles as the stored evidence.
type WebhookHandler struct {
	payments   PaymentResolver
	reconciler Reconciler
	secret     []byte
	logger     *slog.Logger
}

func NewWebhookHandler(payments PaymentResolver, reconciler Reconciler, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		payments:   payments,
		reconciler: reconciler,
		secret:     []byte(secret),
		logger:     logger,
	}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "invalid_body"})
		return
	}

	if !verifySignature(h.secret, body, c.GetHeader("BTCPay-Sig")) {
		incWebhook("bad_signature")
		h.logger.WarnContext(c.Request.Context(), "Rejected webhook with bad signature", "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid_signature"})
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		incWebhook("bad_body")
		c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "invalid_body"})
		return
	}
	if ev.InvoiceID == "" {
		incWebhook("bad_body")
		c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "missing_invoice_id"})
		return
	}

	ctx := logcontext.AppendCtx(c.Request.Context(),
		slog.String("invoiceId", ev.InvoiceID),
		slog.String("webhookType", ev.Type))

	p, err := h.payments.GetByProviderInvoiceID(ctx, ev.InvoiceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			incWebhook("invoice_not_found")
			h.logger.InfoContext(ctx, "Webhook for unknown invoice, ignoring")
			reason := "invoice_not_found"
			c.JSON(http.StatusOK, payload.OutcomeResponse{Result: "ignored", Reason: &reason})
			return
		}
		h.logger.ErrorContext(ctx, "Error resolving invoice", "error", err)
		c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		return
	}

	var outcome *reconcile.Outcome
	switch ev.Type {
	case webhookInvoiceSettled:
		outcome, err = h.reconciler.Reconcile(ctx, p.ID, reconcile.Verdict{
			Status:   payment.StatusPaid,
			Source:   payment.SourceWebhook,
			Evidence: body,
		})
	case webhookInvoiceExpired:
		outcome, err = h.reconciler.Reconcile(ctx, p.ID, reconcile.Verdict{
			Status:   payment.StatusExpired,
			Reason:   "INVOICE_EXPIRED",
			Source:   payment.SourceWebhook,
			Evidence: body,
		})
	case webhookInvoiceInvalid:
		outcome, err = h.reconciler.Reconcile(ctx, p.ID, reconcile.Verdict{
			Status:   payment.StatusFailed,
			Reason:   "PROVIDER_INVALID",
			Source:   payment.SourceWebhook,
			Evidence: body,
		})
	default:
		h.logger.InfoContext(ctx, "Recording observation for unhandled webhook type")
		outcome, err = h.reconciler.RecordObservation(ctx, p.ID, payment.SourceWebhook, body)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Error reconciling webhook", "error", err)
		c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		return
	}

	if outcome.Applied {
		incWebhook("applied")
		c.JSON(http.StatusOK, payload.OutcomeResponse{Result: "finalized", Status: outcome.Status})
		return
	}

	incWebhook("ignored")
	c.JSON(http.StatusOK, payload.OutcomeResponse{
		Result: "ignored",
		Reason: &outcome.Reason,
		Status: outcome.Status,
	})
}

func verifySignature(secret, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok || digest == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}
