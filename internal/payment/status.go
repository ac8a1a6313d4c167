package payment

// Payment request lifecycle statuses. A payment starts in StatusCreated, moves
// to StatusPending once a provider invoice exists, and ends in exactly one of
// the terminal statuses. Terminal statuses never change again.
const (
	StatusCreated  = "CREATED"
	StatusPending  = "PENDING"
	StatusPaid     = "PAID"
	StatusTimedOut = "TIMED_OUT"
	StatusExpired  = "EXPIRED"
	StatusFailed   = "FAILED"
	StatusCanceled = "CANCELED"
)

// Event types recorded in the payment event log.
const (
	EventCreated                = "CREATED"
	EventProviderInvoiceCreated = "PROVIDER_INVOICE_CREATED"
	EventWebhookReceived        = "WEBHOOK_RECEIVED"
	EventPaid                   = "PAID"
	EventTimedOut               = "TIMED_OUT"
	EventExpired                = "EXPIRED"
	EventFailed                 = "FAILED"
	EventCanceled               = "CANCELED"
)

// Sources of state transitions and observations.
const (
	SourceAPI     = "API"
	SourceMonitor = "MONITOR"
	SourceWebhook = "BTCPAY_WEBHOOK"
)

// PaymentMethodLightning is the only supported payment method.
const PaymentMethodLightning = "BTC_LN"

var transitions = map[string][]string{
	StatusCreated: {StatusPending, StatusFailed},
	StatusPending: {StatusPaid, StatusTimedOut, StatusExpired, StatusFailed, StatusCanceled},
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusPaid, StatusTimedOut, StatusExpired, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EventTypeFor maps a terminal status to the event type recorded when a
// payment is finalized with that status.
func EventTypeFor(status string) string {
	switch status {
	case StatusPaid:
		return EventPaid
	case StatusTimedOut:
		return EventTimedOut
	case StatusExpired:
		return EventExpired
	case StatusFailed:
		return EventFailed
	case StatusCanceled:
		return EventCanceled
	}
	return ""
}
