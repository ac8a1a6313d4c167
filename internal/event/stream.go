package event

import (
	"encoding/json"
	"time"

	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/payment"
)

// StreamName maps an event log entry type to the SSE event name clients
// subscribe to.
func StreamName(eventType string) string {
	switch eventType {
	case payment.EventCreated:
		return "payment.created"
	case payment.EventProviderInvoiceCreated:
		return "payment.invoice_created"
	case payment.EventWebhookReceived:
		return "payment.status_changed"
	case payment.EventPaid:
		return "payment.paid"
	case payment.EventTimedOut:
		return "payment.timed_out"
	case payment.EventExpired:
		return "payment.expired"
	case payment.EventFailed:
		return "payment.failed"
	case payment.EventCanceled:
		return "payment.canceled"
	}
	return "payment.event"
}

type streamData struct {
	Seq        int64           `json:"seq"`
	PaymentID  string          `json:"payment_id"`
	EventType  string          `json:"event_type"`
	OldStatus  *string         `json:"old_status,omitempty"`
	NewStatus  *string         `json:"new_status,omitempty"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// StreamData renders an event log entry as the SSE data payload.
func StreamData(entity *db.PaymentEventEntity) ([]byte, error) {
	return json.Marshal(streamData{
		Seq:        entity.Seq,
		PaymentID:  entity.PaymentRequestID.String(),
		EventType:  entity.EventType,
		OldStatus:  entity.OldStatus,
		NewStatus:  entity.NewStatus,
		Source:     entity.Source,
		OccurredAt: entity.CreatedAt,
		Payload:    entity.Payload,
	})
}
