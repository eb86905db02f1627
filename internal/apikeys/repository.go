package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/shared"
)

// Repository persists API keys in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const keyColumns = `id, principal_id, name, prefix, created_at, revoked_at`

func scanKey(row pgx.Row) (Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.PrincipalID, &k.Name, &k.Prefix, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Key{}, fmt.Errorf("api key: %w", shared.ErrNotFound)
	}
	return k, err
}

// FindByHash looks a key up by digest.
func (r *Repository) FindByHash(ctx context.Context, hash string) (Key, error) {
	return scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
}

// List returns a principal's keys, newest first.
func (r *Repository) List(ctx context.Context, principalID int64) ([]Key, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE principal_id = $1 ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *txRepo) LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error) {
	return entitlements.LockUsage(ctx, r.tx, principalID)
}

func (r *txRepo) AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error {
	return entitlements.AdjustUsage(ctx, r.tx, principalID, kind, delta)
}

func (r *txRepo) InsertKey(ctx context.Context, k Key, hash string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO api_keys (id, principal_id, name, prefix, key_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, k.ID, k.PrincipalID, k.Name, k.Prefix, hash, k.CreatedAt)
	return err
}

func (r *txRepo) LockKey(ctx context.Context, id uuid.UUID) (Key, error) {
	return scanKey(r.tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) RevokeKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	return err
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}
