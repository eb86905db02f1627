package incidents

import (
	"context"
	"encoding/json"
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

// Repository persists incidents and the notification outbox in PostgreSQL.
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

const incidentColumns = `id, incident_type, subject_id, severity, status, agent_id, principal_id, evidence,
detection_source, confidence, occurrence_count, escalated, assigned_to, resolved_by, resolution_notes,
first_detected_at, last_seen_at, resolved_at`

func scanIncident(row pgx.Row) (Incident, error) {
	var (
		inc      Incident
		severity string
		evidence []byte
	)
	err := row.Scan(&inc.ID, &inc.Type, &inc.SubjectID, &severity, &inc.Status, &inc.AgentID, &inc.PrincipalID, &evidence,
		&inc.Source, &inc.Confidence, &inc.OccurrenceCount, &inc.Escalated, &inc.AssignedTo, &inc.ResolvedBy, &inc.ResolutionNotes,
		&inc.FirstDetectedAt, &inc.LastSeenAt, &inc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, fmt.Errorf("incident: %w", shared.ErrNotFound)
	}
	if err != nil {
		return Incident{}, err
	}
	if inc.Severity, err = ParseSeverity(severity); err != nil {
		return Incident{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &inc.Evidence); err != nil {
			return Incident{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return inc, nil
}

func collectIncidents(rows pgx.Rows, err error) ([]Incident, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

const notificationColumns = `id, incident_id, dedup_key, recipient, subject, body, priority, status, attempts,
last_error, created_at, updated_at, delivered_at`

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.IncidentID, &n.DedupKey, &n.Recipient, &n.Subject, &n.Body, &n.Priority, &n.Status, &n.Attempts,
		&n.LastError, &n.CreatedAt, &n.UpdatedAt, &n.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, fmt.Errorf("notification: %w", shared.ErrNotFound)
	}
	return n, err
}

func collectNotifications(rows pgx.Rows, err error) ([]Notification, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Get loads an incident by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Incident, error) {
	return scanIncident(r.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM security_incidents WHERE id = $1`, id))
}

// List filters incidents by status, severity and type.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Incident, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity > 0 {
		args = append(args, filter.Severity.String())
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("incident_type = $%d", len(args)))
	}
	query := `SELECT ` + incidentColumns + ` FROM security_incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return collectIncidents(r.pool.Query(ctx, query, args...))
}

// GetNotification loads an outbox row.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (Notification, error) {
	return scanNotification(r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
}

// FailedNotifications lists exhausted deliveries, newest first.
func (r *Repository) FailedNotifications(ctx context.Context, limit int) ([]Notification, error) {
	return collectNotifications(r.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notifications
WHERE status = 'failed' ORDER BY updated_at DESC LIMIT $1`, limit))
}

// PendingNotifications lists undelivered rows created before olderThan.
func (r *Repository) PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error) {
	return collectNotifications(r.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notifications
WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2`, olderThan, limit))
}

func (r *txRepo) FindOpenForUpdate(ctx context.Context, incidentType, subject string) (Incident, bool, error) {
	// The advisory lock covers the gap before the first incident row exists.
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, incidentType+"|"+subject); err != nil {
		return Incident{}, false, err
	}
	inc, err := scanIncident(r.tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM security_incidents
WHERE incident_type = $1 AND subject_id = $2 AND status IN ('open', 'investigating')
FOR UPDATE`, incidentType, subject))
	if errors.Is(err, shared.ErrNotFound) {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return inc, true, nil
}

func (r *txRepo) InsertIncident(ctx context.Context, inc Incident) error {
	evidence, err := json.Marshal(inc.Evidence)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO security_incidents (id, incident_type, subject_id, severity, status, agent_id,
principal_id, evidence, detection_source, confidence, occurrence_count, escalated, first_detected_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inc.ID, inc.Type, inc.SubjectID, inc.Severity.String(), inc.Status, inc.AgentID,
		inc.PrincipalID, evidence, inc.Source, inc.Confidence, inc.OccurrenceCount, inc.Escalated, inc.FirstDetectedAt, inc.LastSeenAt)
	return err
}

func (r *txRepo) UpdateCorrelation(ctx context.Context, inc Incident) error {
	evidence, err := json.Marshal(inc.Evidence)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE security_incidents SET
    severity = $2, agent_id = $3, principal_id = $4, evidence = $5, confidence = $6,
    occurrence_count = $7, escalated = $8, first_detected_at = $9, last_seen_at = $10
WHERE id = $1`,
		inc.ID, inc.Severity.String(), inc.AgentID, inc.PrincipalID, evidence, inc.Confidence,
		inc.OccurrenceCount, inc.Escalated, inc.FirstDetectedAt, inc.LastSeenAt)
	return err
}

func (r *txRepo) LockIncident(ctx context.Context, id uuid.UUID) (Incident, error) {
	return scanIncident(r.tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM security_incidents WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) UpdateStatus(ctx context.Context, inc Incident) error {
	tag, err := r.tx.Exec(ctx, `UPDATE security_incidents SET
    status = $2, assigned_to = $3, resolved_by = $4, resolution_notes = $5, resolved_at = $6
WHERE id = $1 AND status IN ('open', 'investigating')`,
		inc.ID, inc.Status, inc.AssignedTo, inc.ResolvedBy, inc.ResolutionNotes, inc.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.TransitionError{Entity: "incident", ID: inc.ID.String(), To: string(inc.Status)}
	}
	return nil
}

func (r *txRepo) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	tag, err := r.tx.Exec(ctx, `INSERT INTO notifications (id, incident_id, dedup_key, recipient, subject, body, priority,
status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
ON CONFLICT (dedup_key) DO NOTHING`,
		n.ID, n.IncidentID, n.DedupKey, n.Recipient, n.Subject, n.Body, n.Priority, n.Status, n.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) LockNotification(ctx context.Context, id uuid.UUID) (Notification, error) {
	return scanNotification(r.tx.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) UpdateNotification(ctx context.Context, n Notification) error {
	_, err := r.tx.Exec(ctx, `UPDATE notifications SET status = $2, attempts = $3, last_error = $4, updated_at = $5, delivered_at = $6
WHERE id = $1`, n.ID, n.Status, n.Attempts, n.LastError, n.UpdatedAt, n.DeliveredAt)
	return err
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}
