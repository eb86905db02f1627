package entitlements

import (
	"fmt"
	"time"

	"github.com/watchpost/watchpost/internal/shared"
)

// Limit is a numeric plan cap. Unlimited is the only negative value allowed.
type Limit int64

// Unlimited marks a cap that never denies on count alone.
const Unlimited Limit = -1

// IsUnlimited reports whether l is the unlimited sentinel.
func (l Limit) IsUnlimited() bool { return l == Unlimited }

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int64(l))
}

// Tier orders plans from least to most capable.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierProfessional
	TierEnterprise
)

var tierNames = map[Tier]string{
	TierFree:         "free",
	TierBasic:        "basic",
	TierProfessional: "professional",
	TierEnterprise:   "enterprise",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps a plan slug to its tier.
func ParseTier(s string) (Tier, bool) {
	for t, name := range tierNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// ResourceKind names a usage counter.
type ResourceKind string

const (
	ResourceDevices ResourceKind = "devices"
	ResourceAPIKeys ResourceKind = "api_keys"
)

// Plan is a subscription plan with its caps and feature flags.
type Plan struct {
	ID                 int64           `json:"id"`
	Slug               string          `json:"slug"`
	Name               string          `json:"name"`
	Tier               Tier            `json:"tier"`
	MaxDevices         Limit           `json:"max_devices"`
	MaxAPIKeys         Limit           `json:"max_api_keys"`
	Features           map[string]bool `json:"features"`
	LogRetentionDays   int             `json:"log_retention_days"`
	AlertRetentionDays int             `json:"alert_retention_days"`
	IsActive           bool            `json:"is_active"`
}

// ValidatePlan checks a plan at configuration time. Finite API-key caps must
// not be lower than finite device caps.
func ValidatePlan(p Plan) error {
	if p.Slug == "" {
		return fmt.Errorf("%w: plan slug required", shared.ErrValidation)
	}
	for kind, l := range map[string]Limit{"max_devices": p.MaxDevices, "max_api_keys": p.MaxAPIKeys} {
		if l < 0 && !l.IsUnlimited() {
			return fmt.Errorf("%w: plan %s %s must be >= 0 or unlimited", shared.ErrValidation, p.Slug, kind)
		}
	}
	if !p.MaxAPIKeys.IsUnlimited() {
		if p.MaxDevices.IsUnlimited() || p.MaxAPIKeys < p.MaxDevices {
			return fmt.Errorf("%w: plan %s max_api_keys (%s) below max_devices (%s)",
				shared.ErrValidation, p.Slug, p.MaxAPIKeys, p.MaxDevices)
		}
	}
	if p.LogRetentionDays < 0 || p.AlertRetentionDays < 0 {
		return fmt.Errorf("%w: plan %s retention must be >= 0", shared.ErrValidation, p.Slug)
	}
	return nil
}

// SubscriptionStatus enumerates subscription states.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrial     SubscriptionStatus = "trial"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// Live reports whether the status grants entitlements.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusTrial
}

// Subscription binds a principal to a plan for a billing period.
type Subscription struct {
	ID          int64              `json:"id"`
	PrincipalID int64              `json:"principal_id"`
	PlanID      int64              `json:"plan_id"`
	Status      SubscriptionStatus `json:"status"`
	PeriodStart time.Time          `json:"current_period_start"`
	PeriodEnd   time.Time          `json:"current_period_end"`
}

// Entitlements is the resolved plan of a principal at one point in time.
type Entitlements struct {
	PrincipalID    int64              `json:"principal_id"`
	Plan           Plan               `json:"plan"`
	SubscriptionID int64              `json:"subscription_id,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	// Fallback is set when no live subscription exists and the free plan applies.
	Fallback bool `json:"fallback"`
}

// Tier returns the plan tier.
func (e Entitlements) Tier() Tier { return e.Plan.Tier }

// Limit returns the cap for kind.
func (e Entitlements) Limit(kind ResourceKind) Limit {
	switch kind {
	case ResourceDevices:
		return e.Plan.MaxDevices
	case ResourceAPIKeys:
		return e.Plan.MaxAPIKeys
	default:
		return 0
	}
}

// Feature reports the plan flag for slug. Unknown features are off.
func (e Entitlements) Feature(slug string) bool {
	return e.Plan.Features[slug]
}

// Usage holds live counts for a principal.
type Usage struct {
	PrincipalID int64 `json:"principal_id"`
	Devices     int64 `json:"devices"`
	APIKeys     int64 `json:"api_keys"`
}

// Count returns the counter for kind.
func (u Usage) Count(kind ResourceKind) int64 {
	switch kind {
	case ResourceDevices:
		return u.Devices
	case ResourceAPIKeys:
		return u.APIKeys
	default:
		return 0
	}
}

// LimitDecision is the outcome of a limit check.
type LimitDecision struct {
	Allowed bool         `json:"allowed"`
	Kind    ResourceKind `json:"kind"`
	Current int64        `json:"current"`
	Max     Limit        `json:"max"`
}

// Err returns a *shared.LimitError for a denial and nil otherwise.
func (d LimitDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &shared.LimitError{Kind: string(d.Kind), Current: d.Current, Max: int64(d.Max)}
}

// EvaluateLimit decides whether one more resource of kind may be created.
func EvaluateLimit(ent Entitlements, usage Usage, kind ResourceKind) LimitDecision {
	limit := ent.Limit(kind)
	current := usage.Count(kind)
	return LimitDecision{
		Allowed: limit.IsUnlimited() || current < int64(limit),
		Kind:    kind,
		Current: current,
		Max:     limit,
	}
}

// ChangeInput requests a plan change.
type ChangeInput struct {
	PrincipalID int64              `validate:"required,gt=0"`
	PlanSlug    string             `validate:"required"`
	Status      SubscriptionStatus `validate:"required,oneof=active trial"`
	ActorID     int64              `validate:"required,gt=0"`
	PeriodStart time.Time
	PeriodEnd   time.Time
}
