package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ClientEntity struct {
	ID           uuid.UUID
	MachineID    string
	SecretHash   string
	IsActive     bool
	AllowedCIDRs []string
	Metadata     json.RawMessage
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ClientAuthEventEntity struct {
	ID        uuid.UUID
	ClientID  *uuid.UUID
	EventType string
	IP        string
	UserAgent string
	Details   json.RawMessage
	CreatedAt time.Time
}

type PaymentRequestEntity struct {
	ID             uuid.UUID
	ClientID       uuid.UUID
	ExternalCode   string
	PaymentMethod  string
	Amount         string
	Currency       string
	AmountSats     *int64
	Description    *string
	CallbackURL    *string
	RedirectURL    *string
	Metadata       json.RawMessage
	IdempotencyKey *string
	Status         string
	StatusReason   *string
	MonitorUntil   time.Time
	FinalizedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ProviderInvoiceEntity struct {
	ID                uuid.UUID
	PaymentRequestID  uuid.UUID
	Provider          string
	ProviderInvoiceID string
	StoreID           string
	CheckoutLink      *string
	Bolt11            *string
	ExpiresAt         *time.Time
	RawCreateResponse json.RawMessage
	RawLastStatus     json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type PaymentEventEntity struct {
	ID               uuid.UUID
	Seq              int64
	PaymentRequestID uuid.UUID
	EventType        string
	OldStatus        *string
	NewStatus        *string
	Source           string
	Payload          json.RawMessage
	CreatedAt        time.Time
}

type CallbackMessageEntity struct {
	ID               uuid.UUID
	PaymentID        uuid.UUID
	Url              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}
