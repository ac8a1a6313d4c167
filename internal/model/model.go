package model

import (
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/payload"
)

// PaymentDetail is a payment request together with its provider invoice, when
// one has been provisioned.
type PaymentDetail struct {
	Payment *db.PaymentRequestEntity
	Invoice *db.ProviderInvoiceEntity
}

func (d *PaymentDetail) ToResponse() *payload.PaymentResponse {
	resp := &payload.PaymentResponse{
		ID:            d.Payment.ID,
		Status:        d.Payment.Status,
		StatusReason:  d.Payment.StatusReason,
		PaymentMethod: d.Payment.PaymentMethod,
		Amount:        d.Payment.Amount,
		Currency:      d.Payment.Currency,
		AmountSats:    d.Payment.AmountSats,
		ExternalCode:  d.Payment.ExternalCode,
		Description:   d.Payment.Description,
		Metadata:      d.Payment.Metadata,
		MonitorUntil:  d.Payment.MonitorUntil,
		FinalizedAt:   d.Payment.FinalizedAt,
		CreatedAt:     d.Payment.CreatedAt,
	}

	if d.Invoice != nil {
		resp.LightningInvoice = d.Invoice.Bolt11
		resp.Invoice = &payload.InvoiceInfo{
			Provider:     d.Invoice.Provider,
			InvoiceID:    d.Invoice.ProviderInvoiceID,
			CheckoutLink: d.Invoice.CheckoutLink,
			ExpiresAt:    d.Invoice.ExpiresAt,
		}
	}

	return resp
}
