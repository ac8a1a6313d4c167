package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, pgx.TxOptions{})
}

const paymentColumns = `id, client_id, external_code, payment_method, amount::text, currency, amount_sats,
	description, callback_url, redirect_url, metadata, idempotency_key, status, status_reason,
	monitor_until, finalized_at, created_at, updated_at`

const paymentColumnsPrefixed = `p.id, p.client_id, p.external_code, p.payment_method, p.amount::text, p.currency, p.amount_sats,
	p.description, p.callback_url, p.redirect_url, p.metadata, p.idempotency_key, p.status, p.status_reason,
	p.monitor_until, p.finalized_at, p.created_at, p.updated_at`

func scanPayment(row pgx.Row) (*PaymentRequestEntity, error) {
	var entity PaymentRequestEntity
	err := row.Scan(&entity.ID, &entity.ClientID, &entity.ExternalCode, &entity.PaymentMethod, &entity.Amount,
		&entity.Currency, &entity.AmountSats, &entity.Description, &entity.CallbackURL, &entity.RedirectURL,
		&entity.Metadata, &entity.IdempotencyKey, &entity.Status, &entity.StatusReason,
		&entity.MonitorUntil, &entity.FinalizedAt, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &entity, nil
}

func (r *PaymentRepository) Create(ctx context.Context, tx pgx.Tx, entity *PaymentRequestEntity) (*PaymentRequestEntity, error) {
	query := `INSERT INTO payment_requests (id, client_id, external_code, payment_method, amount, currency,
	            description, callback_url, redirect_url, metadata, idempotency_key, status, monitor_until)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	          RETURNING created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		entity.ID, entity.ClientID, entity.ExternalCode, entity.PaymentMethod, entity.Amount, entity.Currency,
		entity.Description, entity.CallbackURL, entity.RedirectURL, entity.Metadata, entity.IdempotencyKey,
		entity.Status, entity.MonitorUntil).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) GetForClient(ctx context.Context, id, clientID uuid.UUID) (*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE id = $1 AND client_id = $2`
	return scanPayment(r.pool.QueryRow(ctx, query, id, clientID))
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE client_id = $1 AND idempotency_key = $2`
	return scanPayment(r.pool.QueryRow(ctx, query, clientID, key))
}

func (r *PaymentRepository) GetByProviderInvoiceID(ctx context.Context, providerInvoiceID string) (*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumnsPrefixed + `
	          FROM payment_requests p
	          JOIN provider_invoices i ON i.payment_request_id = p.id
	          WHERE i.provider_invoice_id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, providerInvoiceID))
}

// SelectForUpdateByID locks the payment row for the duration of the transaction.
// Finalization decisions are only valid while this lock is held.
func (r *PaymentRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE id = $1 FOR UPDATE`
	return scanPayment(tx.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, statusReason *string, finalizedAt *time.Time) error {
	query := `UPDATE payment_requests
	          SET status = $2, status_reason = $3, finalized_at = $4, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, status, statusReason, finalizedAt)
	return err
}

func (r *PaymentRepository) UpdateAmountSats(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountSats *int64) error {
	query := `UPDATE payment_requests SET amount_sats = $2, updated_at = now() WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, amountSats)
	return err
}

// ListPending returns payments still awaiting a terminal outcome. Used to
// re-arm monitoring after a restart.
func (r *PaymentRepository) ListPending(ctx context.Context) ([]*PaymentRequestEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_requests WHERE status = 'PENDING' ORDER BY monitor_until`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*PaymentRequestEntity
	for rows.Next() {
		entity, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, entity)
	}
	return payments, rows.Err()
}

const invoiceColumns = `id, payment_request_id, provider, provider_invoice_id, store_id, checkout_link,
	bolt11, expires_at, raw_create_response, raw_last_status, created_at, updated_at`

func (r *PaymentRepository) CreateInvoice(ctx context.Context, tx pgx.Tx, entity *ProviderInvoiceEntity) (*ProviderInvoiceEntity, error) {
	query := `INSERT INTO provider_invoices (id, payment_request_id, provider, provider_invoice_id, store_id,
	            checkout_link, bolt11, expires_at, raw_create_response)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		entity.ID, entity.PaymentRequestID, entity.Provider, entity.ProviderInvoiceID, entity.StoreID,
		entity.CheckoutLink, entity.Bolt11, entity.ExpiresAt, entity.RawCreateResponse).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *PaymentRepository) GetInvoiceByPaymentID(ctx context.Context, paymentID uuid.UUID) (*ProviderInvoiceEntity, error) {
	query := `SELECT ` + invoiceColumns + ` FROM provider_invoices WHERE payment_request_id = $1`
	row := r.pool.QueryRow(ctx, query, paymentID)

	var entity ProviderInvoiceEntity
	err := row.Scan(&entity.ID, &entity.PaymentRequestID, &entity.Provider, &entity.ProviderInvoiceID,
		&entity.StoreID, &entity.CheckoutLink, &entity.Bolt11, &entity.ExpiresAt,
		&entity.RawCreateResponse, &entity.RawLastStatus, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &entity, nil
}

func (r *PaymentRepository) UpdateInvoiceLastStatus(ctx context.Context, paymentID uuid.UUID, raw json.RawMessage) error {
	query := `UPDATE provider_invoices SET raw_last_status = $2, updated_at = now() WHERE payment_request_id = $1`
	_, err := r.pool.Exec(ctx, query, paymentID, raw)
	return err
}

func (r *PaymentRepository) UpdateInvoiceLastStatusTx(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, raw json.RawMessage) error {
	query := `UPDATE provider_invoices SET raw_last_status = $2, updated_at = now() WHERE payment_request_id = $1`
	_, err := tx.Exec(ctx, query, paymentID, raw)
	return err
}
