package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/shared"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type pgTx struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// LockCredential fetches the credential row for username and holds it until
// the transaction ends.
func (r *pgTx) LockCredential(ctx context.Context, username string) (Credential, error) {
	var c Credential
	err := r.tx.QueryRow(ctx, `SELECT p.id, p.username, p.is_active, c.password_hash,
       c.failed_attempts, c.last_failed_at, c.locked_until
FROM principals p
JOIN credentials c ON c.principal_id = p.id
WHERE lower(p.username) = lower($1)
FOR UPDATE OF c`, username).Scan(
		&c.PrincipalID, &c.Username, &c.IsActive, &c.PasswordHash,
		&c.FailedAttempts, &c.LastFailedAt, &c.LockedUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, fmt.Errorf("credential: %w", shared.ErrNotFound)
	}
	return c, err
}

func (r *pgTx) RecordFailure(ctx context.Context, principalID int64, attempts int, at time.Time, lockedUntil *time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE credentials
SET failed_attempts = $2, last_failed_at = $3, locked_until = $4
WHERE principal_id = $1`, principalID, attempts, at, lockedUntil)
	return err
}

func (r *pgTx) ResetFailures(ctx context.Context, principalID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE credentials SET failed_attempts = 0, locked_until = NULL WHERE principal_id = $1`, principalID)
	return err
}

// InsertPrincipal creates the principal and its credential row.
func (r *pgTx) InsertPrincipal(ctx context.Context, username, email, passwordHash string) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO principals (username, email) VALUES ($1, $2) RETURNING id`, username, email).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: username %q is taken", shared.ErrValidation, username)
		}
		return 0, err
	}
	if _, err := r.tx.Exec(ctx, `INSERT INTO credentials (principal_id, password_hash) VALUES ($1, $2)`, id, passwordHash); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *pgTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}

var _ Repository = (*PGRepository)(nil)
