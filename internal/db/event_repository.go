package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository writes and reads the append-only payment event log. Sequence
// numbers come from the payment_events_seq database sequence, so they are
// globally unique and monotonic across all writers.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `id, seq, payment_request_id, event_type, old_status, new_status, source, payload, created_at`

const eventColumnsPrefixed = `e.id, e.seq, e.payment_request_id, e.event_type, e.old_status, e.new_status, e.source, e.payload, e.created_at`

func scanEvent(row pgx.Row) (*PaymentEventEntity, error) {
	var entity PaymentEventEntity
	err := row.Scan(&entity.ID, &entity.Seq, &entity.PaymentRequestID, &entity.EventType,
		&entity.OldStatus, &entity.NewStatus, &entity.Source, &entity.Payload, &entity.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &entity, nil
}

func (r *EventRepository) Insert(ctx context.Context, tx pgx.Tx, entity *PaymentEventEntity) (*PaymentEventEntity, error) {
	query := `INSERT INTO payment_events (id, payment_request_id, event_type, old_status, new_status, source, payload)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          RETURNING seq, created_at`
	err := tx.QueryRow(ctx, query,
		entity.ID, entity.PaymentRequestID, entity.EventType, entity.OldStatus, entity.NewStatus,
		entity.Source, entity.Payload).
		Scan(&entity.Seq, &entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *EventRepository) GetBySeq(ctx context.Context, seq int64) (*PaymentEventEntity, error) {
	query := `SELECT ` + eventColumns + ` FROM payment_events WHERE seq = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, seq))
}

// GetBySeqForClient returns the event only if its payment belongs to the given
// client. Streaming consumers use this to re-check ownership before delivery.
func (r *EventRepository) GetBySeqForClient(ctx context.Context, seq int64, clientID uuid.UUID) (*PaymentEventEntity, error) {
	query := `SELECT ` + eventColumnsPrefixed + `
	          FROM payment_events e
	          JOIN payment_requests p ON p.id = e.payment_request_id
	          WHERE e.seq = $1 AND p.client_id = $2`
	return scanEvent(r.pool.QueryRow(ctx, query, seq, clientID))
}

func (r *EventRepository) ListForClientAfter(ctx context.Context, clientID uuid.UUID, afterSeq int64, limit int) ([]*PaymentEventEntity, error) {
	query := `SELECT ` + eventColumnsPrefixed + `
	          FROM payment_events e
	          JOIN payment_requests p ON p.id = e.payment_request_id
	          WHERE p.client_id = $1 AND e.seq > $2
	          ORDER BY e.seq
	          LIMIT $3`
	rows, err := r.pool.Query(ctx, query, clientID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

func (r *EventRepository) ListForPayment(ctx context.Context, paymentID uuid.UUID) ([]*PaymentEventEntity, error) {
	query := `SELECT ` + eventColumns + ` FROM payment_events WHERE payment_request_id = $1 ORDER BY seq`
	rows, err := r.pool.Query(ctx, query, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*PaymentEventEntity, error) {
	var events []*PaymentEventEntity
	for rows.Next() {
		entity, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, entity)
	}
	return events, rows.Err()
}
