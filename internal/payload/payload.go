package payload

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TokenRequest struct {
	MachineID  string `json:"machine_id" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type CreatePaymentRequest struct {
	PaymentMethod  string          `json:"payment_method" binding:"required"`
	Amount         string          `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	ExternalCode   string          `json:"external_code" binding:"required"`
	Description    *string         `json:"description"`
	CallbackURL    *string         `json:"callback_url"`
	RedirectURL    *string         `json:"redirect_url"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type InvoiceInfo struct {
	Provider     string     `json:"provider"`
	InvoiceID    string     `json:"invoice_id"`
	CheckoutLink *string    `json:"checkout_link,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type PaymentResponse struct {
	ID               uuid.UUID       `json:"id"`
	Status           string          `json:"status"`
	StatusReason     *string         `json:"status_reason,omitempty"`
	PaymentMethod    string          `json:"payment_method"`
	Amount           string          `json:"amount"`
	Currency         string          `json:"currency"`
	AmountSats       *int64          `json:"amount_sats,omitempty"`
	ExternalCode     string          `json:"external_code"`
	Description      *string         `json:"description,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	LightningInvoice *string         `json:"lightning_invoice,omitempty"`
	Invoice          *InvoiceInfo    `json:"invoice,omitempty"`
	MonitorUntil     time.Time       `json:"monitor_until"`
	FinalizedAt      *time.Time      `json:"finalized_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type OutcomeResponse struct {
	Result string  `json:"result"`
	Reason *string `json:"reason,omitempty"`
	Status string  `json:"status,omitempty"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Callback is the body posted to a client's callback URL when its payment
// reaches a terminal status.
type Callback struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	ExternalCode string    `json:"external_code"`
	Status       string    `json:"status"`
	StatusReason *string   `json:"status_reason,omitempty"`
	FinalizedAt  time.Time `json:"finalized_at"`
	Timestamp    time.Time `json:"timestamp"`
}
