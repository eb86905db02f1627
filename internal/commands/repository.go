package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/shared"
)

// Repository persists commands in PostgreSQL.
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

const commandColumns = `id, agent_id, command_type, payload, status, priority, requested_by, requested_role,
requested_role_level, requested_tier, idempotency_key, timeout_seconds, submitted_at, sent_at, started_at,
completed_at, timeout_at, response, error, execution_ms`

func scanCommand(row pgx.Row) (Command, error) {
	var (
		c       Command
		timeout int64
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.Type, &c.Payload, &c.Status, &c.Priority, &c.RequestedBy, &c.RequestedRole,
		&c.RequestedRoleLevel, &c.RequestedTier, &c.IdempotencyKey, &timeout, &c.SubmittedAt, &c.SentAt, &c.StartedAt,
		&c.CompletedAt, &c.TimeoutAt, &c.Response, &c.Error, &c.ExecutionMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return Command{}, fmt.Errorf("command: %w", shared.ErrNotFound)
	}
	c.Timeout = time.Duration(timeout) * time.Second
	return c, err
}

func collectCommands(rows pgx.Rows, err error) ([]Command, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get loads a command by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	return scanCommand(r.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
}

// List returns commands matching filter, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Command, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != uuid.Nil {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY submitted_at DESC LIMIT $%d", len(args))
	return collectCommands(r.pool.Query(ctx, query, args...))
}

// ListQueued returns an agent's queued commands by priority then age.
func (r *Repository) ListQueued(ctx context.Context, agentID uuid.UUID, limit int) ([]Command, error) {
	return collectCommands(r.pool.Query(ctx, `SELECT `+commandColumns+` FROM commands
WHERE agent_id = $1 AND status = 'queued'
ORDER BY priority DESC, submitted_at
LIMIT $2`, agentID, limit))
}

// ListExpired returns in-flight commands whose deadline passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	return collectCommands(r.pool.Query(ctx, `SELECT `+commandColumns+` FROM commands
WHERE status IN ('sent', 'executing') AND timeout_at <= $1
ORDER BY timeout_at
LIMIT $2`, now, limit))
}

// RecordAudit writes an audit entry outside any transaction.
func (r *Repository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.pool, log)
}

func (r *txRepo) Insert(ctx context.Context, c Command) error {
	payload := c.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO commands (id, agent_id, command_type, payload, status, priority, requested_by,
requested_role, requested_role_level, requested_tier, idempotency_key, timeout_seconds, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.AgentID, c.Type, payload, c.Status, c.Priority, c.RequestedBy,
		c.RequestedRole, c.RequestedRoleLevel, c.RequestedTier, c.IdempotencyKey, int64(c.Timeout/time.Second), c.SubmittedAt)
	return err
}

func (r *txRepo) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, u Update) (Command, bool, error) {
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}
	row := r.tx.QueryRow(ctx, `UPDATE commands SET
    status       = $3,
    sent_at      = COALESCE($4, sent_at),
    started_at   = COALESCE($5, started_at),
    completed_at = COALESCE($6, completed_at),
    timeout_at   = COALESCE($7, timeout_at),
    response     = COALESCE($8, response),
    error        = COALESCE($9, error),
    execution_ms = COALESCE($10, execution_ms)
WHERE id = $1 AND status = ANY($2)
RETURNING `+commandColumns,
		id, fromText, to, u.SentAt, u.StartedAt, u.CompletedAt, u.TimeoutAt, nullableJSON(u.Response), u.Error, u.ExecutionMS)
	cmd, err := scanCommand(row)
	if errors.Is(err, shared.ErrNotFound) {
		return Command{}, false, nil
	}
	if err != nil {
		return Command{}, false, err
	}
	return cmd, true, nil
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
