package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditLog represents a record stored in audit_log. Rows are insert-only.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Decision string
	Reason   string
	Meta     map[string]any
	At       time.Time
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_log.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	return InsertAudit(ctx, l.pool, log)
}

// InsertAudit appends an entry using the given executor so callers can join an
// open transaction.
func InsertAudit(ctx context.Context, exec Execer, log AuditLog) error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.Decision != "" && log.Decision != DecisionAllow && log.Decision != DecisionDeny {
		return errors.New("audit log decision must be allow or deny")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		t := log.At.UTC()
		at = &t
	}
	_, err = exec.Exec(ctx, `INSERT INTO audit_log (actor_id, action, entity, entity_id, decision, reason, meta, occurred_at)
VALUES (NULLIF($1, 0), $2, $3, $4, NULLIF($5, ''), $6, $7, COALESCE($8, NOW()))`,
		log.ActorID, log.Action, log.Entity, log.EntityID, log.Decision, log.Reason, metaJSON, at)
	return err
}
