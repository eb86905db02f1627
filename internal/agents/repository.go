package agents

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

// Repository persists agents and their feature state in PostgreSQL.
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

const agentColumns = `id, owner_id, hostname, platform, status, last_seen_at, created_at, decommissioned_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.OwnerID, &a.Hostname, &a.Platform, &a.Status, &a.LastSeenAt, &a.CreatedAt, &a.DecommissionedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent: %w", shared.ErrNotFound)
	}
	return a, err
}

func collectAgents(rows pgx.Rows, err error) ([]Agent, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectFeatures(rows pgx.Rows, err error) ([]FeatureState, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeatureState
	for rows.Next() {
		var st FeatureState
		if err := rows.Scan(&st.AgentID, &st.Feature, &st.IsAvailable, &st.IsEnabled); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const featureQuery = `SELECT agent_id, feature_slug, is_available, is_enabled FROM agent_features WHERE agent_id = $1 ORDER BY feature_slug`

// GetAgent loads an agent.
func (r *Repository) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// ListAgents returns every agent of ownerID, newest first.
func (r *Repository) ListAgents(ctx context.Context, ownerID int64) ([]Agent, error) {
	return collectAgents(r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID))
}

// ListFeatures returns the feature states of an agent.
func (r *Repository) ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error) {
	return collectFeatures(r.pool.Query(ctx, featureQuery, agentID))
}

// ListDefinitions returns the feature catalog.
func (r *Repository) ListDefinitions(ctx context.Context) ([]FeatureDefinition, error) {
	rows, err := r.pool.Query(ctx, `SELECT slug, name, auto_enable FROM feature_definitions ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeatureDefinition
	for rows.Next() {
		var d FeatureDefinition
		if err := rows.Scan(&d.Slug, &d.Name, &d.AutoEnable); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *txRepo) LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error) {
	return entitlements.LockUsage(ctx, r.tx, principalID)
}

func (r *txRepo) AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error {
	return entitlements.AdjustUsage(ctx, r.tx, principalID, kind, delta)
}

func (r *txRepo) InsertAgent(ctx context.Context, a Agent) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO agents (id, owner_id, hostname, platform, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.OwnerID, a.Hostname, a.Platform, string(a.Status), a.CreatedAt)
	return err
}

func (r *txRepo) LockAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return scanAgent(r.tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) MarkDecommissioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE agents SET status = $2, decommissioned_at = $3 WHERE id = $1`, id, string(StatusDecommissioned), at)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE agent_features SET is_enabled = FALSE, updated_at = NOW() WHERE agent_id = $1`, id)
	return err
}

func (r *txRepo) ListOwnedAgents(ctx context.Context, ownerID int64) ([]Agent, error) {
	return collectAgents(r.tx.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner_id = $1 AND status = $2 ORDER BY id FOR UPDATE`,
		ownerID, string(StatusActive)))
}

func (r *txRepo) ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error) {
	return collectFeatures(r.tx.Query(ctx, featureQuery, agentID))
}

func (r *txRepo) UpsertFeature(ctx context.Context, st FeatureState) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO agent_features (agent_id, feature_slug, is_available, is_enabled)
VALUES ($1, $2, $3, $4)
ON CONFLICT (agent_id, feature_slug) DO UPDATE
SET is_available = EXCLUDED.is_available, is_enabled = EXCLUDED.is_enabled, updated_at = NOW()`,
		st.AgentID, st.Feature, st.IsAvailable, st.IsEnabled)
	return err
}

func (r *txRepo) UpsertDefinition(ctx context.Context, def FeatureDefinition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO feature_definitions (slug, name, auto_enable) VALUES ($1, $2, $3)
ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, auto_enable = EXCLUDED.auto_enable`,
		def.Slug, def.Name, def.AutoEnable)
	return err
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}
