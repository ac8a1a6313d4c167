package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallbackRepository manages the outbox of outbound callback messages. Rows are
// inserted in the same transaction that finalizes a payment, then drained by
// the producer. A non-null scheduled_at means the row is due for (re)publish.
type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

func (r *CallbackRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, pgx.TxOptions{})
}

const callbackColumns = `id, payment_id, url, payload, created_at, updated_at, scheduled_at, published_at,
	delivered_at, publish_attempts, delivery_attempts, error`

func scanCallback(row pgx.Row) (*CallbackMessageEntity, error) {
	var entity CallbackMessageEntity
	err := row.Scan(&entity.ID, &entity.PaymentID, &entity.Url, &entity.Payload, &entity.CreatedAt,
		&entity.UpdatedAt, &entity.ScheduledAt, &entity.PublishedAt, &entity.DeliveredAt,
		&entity.PublishAttempts, &entity.DeliveryAttempts, &entity.Error)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &entity, nil
}

func (r *CallbackRepository) Create(ctx context.Context, tx pgx.Tx, entity *CallbackMessageEntity) (*CallbackMessageEntity, error) {
	query := `INSERT INTO callback_message (id, payment_id, url, payload, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		entity.ID, entity.PaymentID, entity.Url, entity.Payload, entity.ScheduledAt).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *CallbackRepository) SelectByID(ctx context.Context, id uuid.UUID) (*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + ` FROM callback_message WHERE id = $1`
	return scanCallback(r.pool.QueryRow(ctx, query, id))
}

func (r *CallbackRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + ` FROM callback_message WHERE id = $1 FOR UPDATE`
	return scanCallback(tx.QueryRow(ctx, query, id))
}

// GetUnprocessedCallbacks locks and returns due messages. SKIP LOCKED keeps
// concurrent producer instances from fighting over the same rows.
func (r *CallbackRepository) GetUnprocessedCallbacks(ctx context.Context, tx pgx.Tx, limit int) ([]*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + `
	          FROM callback_message
	          WHERE scheduled_at <= now()
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var callbacks []*CallbackMessageEntity
	for rows.Next() {
		entity, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, entity)
	}
	return callbacks, rows.Err()
}

func (r *CallbackRepository) Update(ctx context.Context, tx pgx.Tx, entity *CallbackMessageEntity) error {
	query := `UPDATE callback_message
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query,
		entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return err
}

func (r *CallbackRepository) UpdateScheduledAtAndAttemptsByID(ctx context.Context, tx pgx.Tx, id uuid.UUID, scheduledAt *time.Time, attempts int, errMsg string) error {
	query := `UPDATE callback_message
	          SET scheduled_at = $2, delivery_attempts = $3, error = $4, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, scheduledAt, attempts, errMsg)
	return err
}

func (r *CallbackRepository) UpdateAttemptsAndDeliveredAtByID(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, deliveredAt time.Time) error {
	query := `UPDATE callback_message
	          SET delivery_attempts = $2, delivered_at = $3, scheduled_at = NULL, error = NULL, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, attempts, deliveredAt)
	return err
}
