package message

import (
	"github.com/google/uuid"
)

// Callback is the kafka message carrying one outbox row to the delivery
// processor.
type Callback struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"paymentId"`
	Url       string    `json:"url"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
}

// EventPointer is published on a client's pub/sub channel after an event is
// committed. Subscribers resolve the pointer against the event log, so the
// channel itself carries no payment data.
type EventPointer struct {
	PaymentID uuid.UUID `json:"payment_id"`
	EventSeq  int64     `json:"event_seq"`
}
