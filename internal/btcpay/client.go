package btcpay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/go-resty/resty/v2"
)

const (
	ProviderName = "BTCPAY"

	lightningPaymentMethod = "BTC-LightningNetwork"
	lightningURIPrefix     = "lightning:"
)

// Invoice is the narrow projection of a BTCPay Greenfield invoice the rest of
// the system works with. Raw holds the unmodified response body for audit.
type Invoice struct {
	ID             string `json:"id"`
	StoreID        string `json:"storeId"`
	Status         string `json:"status"`
	CheckoutLink   string `json:"checkoutLink"`
	ExpirationTime int64  `json:"expirationTime"`

	Raw json.RawMessage `json:"-"`
}

func (i *Invoice) Settled() bool {
	switch strings.ToLower(i.Status) {
	case "settled", "complete":
		return true
	}
	return false
}

func (i *Invoice) ExpiresAt() *time.Time {
	if i.ExpirationTime == 0 {
		return nil
	}
	t := time.Unix(i.ExpirationTime, 0).UTC()
	return &t
}

type CreateInvoiceParams struct {
	Amount       string
	Currency     string
	RedirectURL  *string
	OrderID      string
	PaymentRefID string
}

type invoiceCheckout struct {
	ExpirationMinutes int      `json:"expirationMinutes"`
	PaymentMethods    []string `json:"paymentMethods"`
	SpeedPolicy       string   `json:"speedPolicy"`
	RedirectURL       *string  `json:"redirectURL,omitempty"`
}

type createInvoiceRequest struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
	Checkout invoiceCheckout   `json:"checkout"`
}

type paymentMethodInfo struct {
	PaymentMethod string `json:"paymentMethod"`
	Destination   string `json:"destination"`
	PaymentLink   string `json:"paymentLink"`
}

type Client struct {
	rc                 *resty.Client
	storeID            string
	expiryMinutes      int
	bolt11PollAttempts int
	bolt11PollDelay    time.Duration
	logger             *slog.Logger
}

func NewClient(cfg config.BTCPay, logger *slog.Logger) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.RequestTimeoutMs) * time.Millisecond).
		SetHeader("Authorization", "token "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		rc:                 rc,
		storeID:            cfg.StoreID,
		expiryMinutes:      cfg.InvoiceExpiryMinutes,
		bolt11PollAttempts: cfg.Bolt11PollAttempts,
		bolt11PollDelay:    time.Duration(cfg.Bolt11PollDelayMs) * time.Millisecond,
		logger:             logger,
	}
}

// HTTPClient exposes the underlying transport, mainly for request mocking in
// tests.
func (c *Client) HTTPClient() *http.Client {
	return c.rc.GetClient()
}

func (c *Client) StoreID() string {
	return c.storeID
}

func (c *Client) CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*Invoice, error) {
	body := createInvoiceRequest{
		Amount:   params.Amount,
		Currency: params.Currency,
		Metadata: map[string]string{
			"orderId":          params.OrderID,
			"paymentRequestId": params.PaymentRefID,
		},
		Checkout: invoiceCheckout{
			ExpirationMinutes: c.expiryMinutes,
			PaymentMethods:    []string{lightningPaymentMethod},
			SpeedPolicy:       "MediumSpeed",
			RedirectURL:       params.RedirectURL,
		},
	}

	resp, err := c.rc.R().SetContext(ctx).SetBody(body).
		Post(fmt.Sprintf("/api/v1/stores/%s/invoices", c.storeID))
	if err != nil {
		return nil, &ProviderError{Kind: ErrKindRequest, Detail: err.Error()}
	}

	return c.parseInvoice(resp)
}

func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	resp, err := c.rc.R().SetContext(ctx).
		Get(fmt.Sprintf("/api/v1/stores/%s/invoices/%s", c.storeID, invoiceID))
	if err != nil {
		return nil, &ProviderError{Kind: ErrKindRequest, Detail: err.Error()}
	}

	return c.parseInvoice(resp)
}

func (c *Client) parseInvoice(resp *resty.Response) (*Invoice, error) {
	if resp.StatusCode() >= 400 {
		return nil, &ProviderError{
			Kind:       ErrKindStatus,
			StatusCode: resp.StatusCode(),
			Detail:     truncate(string(resp.Body()), 512),
		}
	}

	var invoice Invoice
	if err := json.Unmarshal(resp.Body(), &invoice); err != nil {
		return nil, &ProviderError{Kind: ErrKindDecode, Detail: err.Error()}
	}
	invoice.Raw = append(json.RawMessage(nil), resp.Body()...)

	return &invoice, nil
}

// FetchBolt11 returns the BOLT11 payment request for an invoice's Lightning
// payment method. BTCPay can take a moment to attach it after invoice
// creation, so missing values are retried a bounded number of times. A nil
// result without error means the provider never produced one.
func (c *Client) FetchBolt11(ctx context.Context, invoiceID string) (*string, error) {
	attempts := c.bolt11PollAttempts + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.bolt11PollDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &ProviderError{Kind: ErrKindRequest, Detail: ctx.Err().Error()}
			}
		}

		bolt11, err := c.lightningDestination(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		if bolt11 != "" {
			return &bolt11, nil
		}

		c.logger.InfoContext(ctx, "BOLT11 not available yet", "invoiceId", invoiceID, "attempt", attempt+1)
	}

	return nil, nil
}

func (c *Client) lightningDestination(ctx context.Context, invoiceID string) (string, error) {
	resp, err := c.rc.R().SetContext(ctx).
		Get(fmt.Sprintf("/api/v1/stores/%s/invoices/%s/payment-methods", c.storeID, invoiceID))
	if err != nil {
		return "", &ProviderError{Kind: ErrKindRequest, Detail: err.Error()}
	}
	if resp.StatusCode() >= 400 {
		return "", &ProviderError{
			Kind:       ErrKindStatus,
			StatusCode: resp.StatusCode(),
			Detail:     truncate(string(resp.Body()), 512),
		}
	}

	var methods []paymentMethodInfo
	if err := json.Unmarshal(resp.Body(), &methods); err != nil {
		return "", &ProviderError{Kind: ErrKindDecode, Detail: err.Error()}
	}

	for _, m := range methods {
		if !strings.Contains(m.PaymentMethod, "LightningNetwork") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(m.Destination), "ln") {
			return m.Destination, nil
		}
		if strings.HasPrefix(strings.ToLower(m.PaymentLink), lightningURIPrefix) {
			return m.PaymentLink[len(lightningURIPrefix):], nil
		}
	}

	return "", nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
