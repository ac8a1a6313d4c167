package btcpay

import "fmt"

type ErrorKind string

const (
	// ErrKindRequest covers transport-level failures: connection refused,
	// timeouts, TLS errors.
	ErrKindRequest ErrorKind = "request"
	// ErrKindStatus covers non-2xx responses from the provider.
	ErrKindStatus ErrorKind = "status"
	// ErrKindDecode covers responses that could not be parsed.
	ErrKindDecode ErrorKind = "decode"
)

// ProviderError is returned for every failure talking to BTCPay, so callers
// can match with errors.As and record the failure kind.
type ProviderError struct {
	Kind       ErrorKind
	Detail     string
	StatusCode int
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("btcpay: %s error (http %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("btcpay: %s error: %s", e.Kind, e.Detail)
}
