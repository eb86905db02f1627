package entitlements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/shared"
)

// RepositoryPort abstracts persistence for the resolver.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LiveSubscription(ctx context.Context, principalID int64) (Subscription, error)
	GetPlan(ctx context.Context, id int64) (Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (Plan, error)
	GetUsage(ctx context.Context, principalID int64) (Usage, error)
	// AgentFeature returns the agent-level enabled flag. found is false when
	// the agent has no state row for feature.
	AgentFeature(ctx context.Context, agentID uuid.UUID, feature string) (enabled, found bool, err error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetPlanBySlug(ctx context.Context, slug string) (Plan, error)
	LockUsage(ctx context.Context, principalID int64) (Usage, error)
	UpsertPlan(ctx context.Context, plan Plan) (Plan, error)
	LockSubscriptions(ctx context.Context, principalID int64) ([]Subscription, error)
	SetSubscriptionStatus(ctx context.Context, id int64, status SubscriptionStatus) error
	InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// FeatureSyncer re-evaluates per-agent feature state after a plan change.
type FeatureSyncer interface {
	SyncFeatures(ctx context.Context, principalID int64, ent Entitlements) error
}

// Service resolves entitlements and manages subscriptions.
type Service struct {
	repo   RepositoryPort
	syncer FeatureSyncer
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// SetFeatureSyncer installs the hook run after every subscription change.
func (s *Service) SetFeatureSyncer(syncer FeatureSyncer) {
	s.syncer = syncer
}

// EntitlementsFor resolves the live plan of principalID. A principal without a
// live subscription gets the free plan.
func (s *Service) EntitlementsFor(ctx context.Context, principalID int64) (Entitlements, error) {
	sub, err := s.repo.LiveSubscription(ctx, principalID)
	switch {
	case err == nil:
		plan, err := s.repo.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return Entitlements{}, fmt.Errorf("plan for subscription %d: %w", sub.ID, err)
		}
		return Entitlements{PrincipalID: principalID, Plan: plan, SubscriptionID: sub.ID, Status: sub.Status}, nil
	case errors.Is(err, shared.ErrNotFound):
		return s.fallback(ctx, principalID)
	default:
		return Entitlements{}, err
	}
}

func (s *Service) fallback(ctx context.Context, principalID int64) (Entitlements, error) {
	plan, err := s.repo.GetPlanBySlug(ctx, FreePlanSlug)
	if errors.Is(err, shared.ErrNotFound) {
		s.logger.Warn("free plan missing from store, using built-in definition")
		plan, err = defaultFreePlan(), nil
	}
	if err != nil {
		return Entitlements{}, err
	}
	return Entitlements{PrincipalID: principalID, Plan: plan, Fallback: true}, nil
}

// CheckLimit reports whether one more resource of kind may be created. It is
// advisory: creators must re-evaluate under the usage row lock.
func (s *Service) CheckLimit(ctx context.Context, principalID int64, kind ResourceKind) (LimitDecision, error) {
	ent, err := s.EntitlementsFor(ctx, principalID)
	if err != nil {
		return LimitDecision{}, err
	}
	usage, err := s.repo.GetUsage(ctx, principalID)
	if err != nil {
		return LimitDecision{}, err
	}
	return EvaluateLimit(ent, usage, kind), nil
}

// FeatureEnabled composes the plan flag with the agent-level state. The plan
// is the ceiling; agent state can only disable. A nil agentID checks the plan
// alone.
func (s *Service) FeatureEnabled(ctx context.Context, principalID int64, agentID uuid.UUID, feature string) (bool, error) {
	ent, err := s.EntitlementsFor(ctx, principalID)
	if err != nil {
		return false, err
	}
	if !ent.Feature(feature) {
		return false, nil
	}
	if agentID == uuid.Nil {
		return true, nil
	}
	enabled, found, err := s.repo.AgentFeature(ctx, agentID, feature)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return enabled, nil
}

// ChangeSubscription replaces the live subscription of a principal. The
// previous active or trial subscription is cancelled in the same transaction
// so at most one stays live. Owned agents are re-evaluated afterwards.
func (s *Service) ChangeSubscription(ctx context.Context, input ChangeInput) (Subscription, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Subscription{}, err
	}
	now := s.clock()
	if input.PeriodStart.IsZero() {
		input.PeriodStart = now
	}
	if input.PeriodEnd.IsZero() {
		input.PeriodEnd = input.PeriodStart.AddDate(0, 1, 0)
	}
	if !input.PeriodEnd.After(input.PeriodStart) {
		return Subscription{}, fmt.Errorf("%w: period end must follow start", shared.ErrValidation)
	}

	var created Subscription
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Registrations and key issuance hold this row while they check
		// limits, so a change waits for them and they see it once committed.
		if _, err := tx.LockUsage(ctx, input.PrincipalID); err != nil {
			return err
		}
		plan, err := tx.GetPlanBySlug(ctx, input.PlanSlug)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return fmt.Errorf("plan %s is retired: %w", plan.Slug, shared.ErrNotFound)
		}
		existing, err := tx.LockSubscriptions(ctx, input.PrincipalID)
		if err != nil {
			return err
		}
		var previous []int64
		for _, sub := range existing {
			if !sub.Status.Live() {
				continue
			}
			if err := tx.SetSubscriptionStatus(ctx, sub.ID, StatusCancelled); err != nil {
				return err
			}
			previous = append(previous, sub.PlanID)
		}
		created, err = tx.InsertSubscription(ctx, Subscription{
			PrincipalID: input.PrincipalID,
			PlanID:      plan.ID,
			Status:      input.Status,
			PeriodStart: input.PeriodStart,
			PeriodEnd:   input.PeriodEnd,
		})
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "subscription.change",
			Entity:   "principal",
			EntityID: strconv.FormatInt(input.PrincipalID, 10),
			Meta: map[string]any{
				"plan":              plan.Slug,
				"status":            input.Status,
				"previous_plan_ids": previous,
			},
			At: now,
		})
	})
	if err != nil {
		return Subscription{}, err
	}

	if s.syncer != nil {
		ent, err := s.EntitlementsFor(ctx, input.PrincipalID)
		if err != nil {
			return created, fmt.Errorf("resolve entitlements after change: %w", err)
		}
		if err := s.syncer.SyncFeatures(ctx, input.PrincipalID, ent); err != nil {
			s.logger.Error("sync agent features", slog.Int64("principal_id", input.PrincipalID), slog.Any("error", err))
			return created, fmt.Errorf("sync agent features: %w", err)
		}
	}
	return created, nil
}

// SavePlan validates and stores a plan definition.
func (s *Service) SavePlan(ctx context.Context, plan Plan) (Plan, error) {
	if err := ValidatePlan(plan); err != nil {
		return Plan{}, err
	}
	var saved Plan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		saved, err = tx.UpsertPlan(ctx, plan)
		return err
	})
	return saved, err
}

// SeedPlans stores DefaultPlans.
func (s *Service) SeedPlans(ctx context.Context) error {
	for _, plan := range DefaultPlans {
		if _, err := s.SavePlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Slug, err)
		}
	}
	return nil
}

// Usage returns the current resource counters of principalID.
func (s *Service) Usage(ctx context.Context, principalID int64) (Usage, error) {
	return s.repo.GetUsage(ctx, principalID)
}
