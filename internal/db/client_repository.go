package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ClientRepository struct {
	pool *pgxpool.Pool
}

func NewClientRepository(pool *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{pool: pool}
}

const clientColumns = `id, machine_id, secret_hash, is_active, allowed_cidrs, metadata, last_seen_at, created_at, updated_at`

func (r *ClientRepository) Create(ctx context.Context, entity *ClientEntity) (*ClientEntity, error) {
	query := `INSERT INTO clients (id, machine_id, secret_hash, is_active, allowed_cidrs, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		entity.ID, entity.MachineID, entity.SecretHash, entity.IsActive, entity.AllowedCIDRs, entity.Metadata).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *ClientRepository) GetByMachineID(ctx context.Context, machineID string) (*ClientEntity, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE machine_id = $1`
	return r.scanClient(ctx, query, machineID)
}

func (r *ClientRepository) GetByID(ctx context.Context, id uuid.UUID) (*ClientEntity, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	return r.scanClient(ctx, query, id)
}

func (r *ClientRepository) scanClient(ctx context.Context, query string, arg any) (*ClientEntity, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var entity ClientEntity
	err := row.Scan(&entity.ID, &entity.MachineID, &entity.SecretHash, &entity.IsActive, &entity.AllowedCIDRs,
		&entity.Metadata, &entity.LastSeenAt, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &entity, nil
}

func (r *ClientRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE clients SET last_seen_at = now(), updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func (r *ClientRepository) InsertAuthEvent(ctx context.Context, entity *ClientAuthEventEntity) error {
	query := `INSERT INTO client_auth_events (id, client_id, event_type, ip, user_agent, details)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		entity.ID, entity.ClientID, entity.EventType, entity.IP, entity.UserAgent, entity.Details)
	return err
}
