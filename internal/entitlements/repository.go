package entitlements

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/shared"
)

// Repository persists plans, subscriptions and usage counters.
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

const planColumns = `id, slug, name, tier, max_devices, max_api_keys, features, log_retention_days, alert_retention_days, is_active`

func scanPlan(row pgx.Row) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Tier, &p.MaxDevices, &p.MaxAPIKeys, &p.Features,
		&p.LogRetentionDays, &p.AlertRetentionDays, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, fmt.Errorf("plan: %w", shared.ErrNotFound)
	}
	return p, err
}

const subscriptionColumns = `id, principal_id, plan_id, status, current_period_start, current_period_end`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.PrincipalID, &s.PlanID, &s.Status, &s.PeriodStart, &s.PeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, fmt.Errorf("subscription: %w", shared.ErrNotFound)
	}
	return s, err
}

// LiveSubscription returns the single active or trial subscription.
func (r *Repository) LiveSubscription(ctx context.Context, principalID int64) (Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+`
FROM subscriptions WHERE principal_id = $1 AND status IN ('active', 'trial')`, principalID))
}

// GetPlan loads a plan by id.
func (r *Repository) GetPlan(ctx context.Context, id int64) (Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

// GetPlanBySlug loads a plan by slug.
func (r *Repository) GetPlanBySlug(ctx context.Context, slug string) (Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
}

// GetUsage reads the counters without locking. Missing rows read as zero.
func (r *Repository) GetUsage(ctx context.Context, principalID int64) (Usage, error) {
	u := Usage{PrincipalID: principalID}
	err := r.pool.QueryRow(ctx, `SELECT devices, api_keys FROM usage_counters WHERE principal_id = $1`, principalID).
		Scan(&u.Devices, &u.APIKeys)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, nil
	}
	return u, err
}

// AgentFeature reads the per-agent feature flag.
func (r *Repository) AgentFeature(ctx context.Context, agentID uuid.UUID, feature string) (bool, bool, error) {
	var enabled bool
	err := r.pool.QueryRow(ctx, `SELECT is_enabled FROM agent_features WHERE agent_id = $1 AND feature_slug = $2`,
		agentID, feature).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return enabled, true, nil
}

func (r *txRepo) GetPlanBySlug(ctx context.Context, slug string) (Plan, error) {
	return scanPlan(r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
}

func (r *txRepo) LockUsage(ctx context.Context, principalID int64) (Usage, error) {
	return LockUsage(ctx, r.tx, principalID)
}

func (r *txRepo) UpsertPlan(ctx context.Context, p Plan) (Plan, error) {
	if p.Features == nil {
		p.Features = map[string]bool{}
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO plans (slug, name, tier, max_devices, max_api_keys, features, log_retention_days, alert_retention_days, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (slug) DO UPDATE
SET name = EXCLUDED.name, tier = EXCLUDED.tier, max_devices = EXCLUDED.max_devices, max_api_keys = EXCLUDED.max_api_keys,
    features = EXCLUDED.features, log_retention_days = EXCLUDED.log_retention_days,
    alert_retention_days = EXCLUDED.alert_retention_days, is_active = EXCLUDED.is_active
RETURNING id`,
		p.Slug, p.Name, int(p.Tier), int64(p.MaxDevices), int64(p.MaxAPIKeys), p.Features,
		p.LogRetentionDays, p.AlertRetentionDays, p.IsActive).Scan(&p.ID)
	return p, err
}

func (r *txRepo) LockSubscriptions(ctx context.Context, principalID int64) ([]Subscription, error) {
	// The principal row serializes concurrent changes even when no subscription exists yet.
	var id int64
	if err := r.tx.QueryRow(ctx, `SELECT id FROM principals WHERE id = $1 FOR UPDATE`, principalID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("principal: %w", shared.ErrNotFound)
		}
		return nil, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+subscriptionColumns+`
FROM subscriptions WHERE principal_id = $1 AND status IN ('active', 'trial') FOR UPDATE`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *txRepo) SetSubscriptionStatus(ctx context.Context, id int64, status SubscriptionStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	return err
}

func (r *txRepo) InsertSubscription(ctx context.Context, s Subscription) (Subscription, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO subscriptions (principal_id, plan_id, status, current_period_start, current_period_end)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.PrincipalID, s.PlanID, string(s.Status), s.PeriodStart, s.PeriodEnd).Scan(&s.ID)
	return s, err
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}

// LockUsage locks the usage row of principalID inside tx, creating it on
// first use. Resource creators call it before EvaluateLimit.
func LockUsage(ctx context.Context, tx pgx.Tx, principalID int64) (Usage, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO usage_counters (principal_id) VALUES ($1) ON CONFLICT (principal_id) DO NOTHING`, principalID); err != nil {
		return Usage{}, err
	}
	u := Usage{PrincipalID: principalID}
	err := tx.QueryRow(ctx, `SELECT devices, api_keys FROM usage_counters WHERE principal_id = $1 FOR UPDATE`, principalID).
		Scan(&u.Devices, &u.APIKeys)
	return u, err
}

// AdjustUsage moves the counter for kind by delta. The row must already be
// locked by LockUsage.
func AdjustUsage(ctx context.Context, tx pgx.Tx, principalID int64, kind ResourceKind, delta int64) error {
	var column string
	switch kind {
	case ResourceDevices:
		column = "devices"
	case ResourceAPIKeys:
		column = "api_keys"
	default:
		return fmt.Errorf("%w: unknown resource kind %q", shared.ErrValidation, kind)
	}
	_, err := tx.Exec(ctx, `UPDATE usage_counters SET `+column+` = GREATEST(`+column+` + $2, 0), updated_at = NOW() WHERE principal_id = $1`,
		principalID, delta)
	return err
}
