package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/watchpost/watchpost/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPrincipal(ctx context.Context, id int64) (Principal, error)
	ListAssignments(ctx context.Context, principalID int64) ([]Assignment, error)
	LoadCatalog(ctx context.Context) (Catalog, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockPrincipal(ctx context.Context, id int64) (Principal, error)
	GetRoleBySlug(ctx context.Context, slug string) (Role, error)
	GetAssignment(ctx context.Context, principalID, roleID int64) (Assignment, error)
	UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	DeleteAssignment(ctx context.Context, principalID, roleID int64) error
	SetPrimaryRole(ctx context.Context, principalID int64, roleID *int64) error
	UpsertRole(ctx context.Context, role Role) (Role, error)
	SetRoleActive(ctx context.Context, roleID int64, active bool) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, slugs []string) error
	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)
	SetPermissionActive(ctx context.Context, slug string, active bool) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates role resolution and assignment.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ResolvePermissions returns the effective permissions of principalID at t.
func (s *Service) ResolvePermissions(ctx context.Context, principalID int64, at time.Time) (PermissionSet, error) {
	catalog, principal, assignments, err := s.snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return Resolve(catalog, principal, assignments, at), nil
}

// HasPermission reports whether slug is in ResolvePermissions(principalID, at).
func (s *Service) HasPermission(ctx context.Context, principalID int64, slug string, at time.Time) (bool, error) {
	set, err := s.ResolvePermissions(ctx, principalID, at)
	if err != nil {
		return false, err
	}
	return set.Has(slug), nil
}

// HighestRole returns the strongest role held at t. ok is false when the
// principal holds no active role.
func (s *Service) HighestRole(ctx context.Context, principalID int64, at time.Time) (Role, bool, error) {
	catalog, principal, assignments, err := s.snapshot(ctx, principalID)
	if err != nil {
		return Role{}, false, err
	}
	role, ok := Highest(catalog, principal, assignments, at)
	return role, ok, nil
}

// ListRoles returns the role catalog ordered by level.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	catalog, err := s.repo.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.Roles, nil
}

// ListPermissions returns every permission, including deactivated ones.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	catalog, err := s.repo.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	perms := make([]Permission, 0, len(catalog.Permissions))
	for _, p := range catalog.Permissions {
		perms = append(perms, p)
	}
	return perms, nil
}

// AssignRole grants a role, replacing the expiry and reason of an existing grant.
func (s *Service) AssignRole(ctx context.Context, input AssignInput) (Assignment, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Assignment{}, err
	}
	now := s.clock()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return Assignment{}, fmt.Errorf("%w: expiry must be in the future", shared.ErrValidation)
	}
	var result Assignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockPrincipal(ctx, input.PrincipalID); err != nil {
			return err
		}
		role, err := activeRole(ctx, tx, input.RoleSlug)
		if err != nil {
			return err
		}
		result, err = tx.UpsertAssignment(ctx, Assignment{
			PrincipalID: input.PrincipalID,
			RoleID:      role.ID,
			AssignedBy:  input.ActorID,
			Reason:      strings.TrimSpace(input.Reason),
			ExpiresAt:   input.ExpiresAt,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		meta := map[string]any{"role": role.Slug, "reason": result.Reason}
		if input.ExpiresAt != nil {
			meta["expires_at"] = input.ExpiresAt.UTC()
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "role.assign",
			Entity:   "principal",
			EntityID: strconv.FormatInt(input.PrincipalID, 10),
			Meta:     meta,
			At:       now,
		})
	})
	if err != nil {
		return Assignment{}, err
	}
	s.logger.Info("role assigned",
		slog.Int64("principal_id", input.PrincipalID),
		slog.String("role", input.RoleSlug),
		slog.Int64("actor_id", input.ActorID),
	)
	return result, nil
}

// RemoveRole revokes a role. Removing a role the principal does not hold is a
// no-op that reports removed=false and writes no audit entry. Removing the
// primary role clears the primary pointer.
func (s *Service) RemoveRole(ctx context.Context, input RemoveInput) (bool, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return false, err
	}
	removed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		principal, err := tx.LockPrincipal(ctx, input.PrincipalID)
		if err != nil {
			return err
		}
		role, err := tx.GetRoleBySlug(ctx, input.RoleSlug)
		if err != nil {
			return err
		}
		isPrimary := principal.PrimaryRoleID != nil && *principal.PrimaryRoleID == role.ID
		_, err = tx.GetAssignment(ctx, input.PrincipalID, role.ID)
		hasAssignment := err == nil
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		if !hasAssignment && !isPrimary {
			return nil
		}
		if hasAssignment {
			if err := tx.DeleteAssignment(ctx, input.PrincipalID, role.ID); err != nil {
				return err
			}
		}
		if isPrimary {
			if err := tx.SetPrimaryRole(ctx, input.PrincipalID, nil); err != nil {
				return err
			}
		}
		removed = true
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "role.remove",
			Entity:   "principal",
			EntityID: strconv.FormatInt(input.PrincipalID, 10),
			Meta: map[string]any{
				"role":            role.Slug,
				"reason":          strings.TrimSpace(input.Reason),
				"cleared_primary": isPrimary,
			},
			At: s.clock(),
		})
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// SetPrimaryRole points the principal's primary role at roleSlug.
func (s *Service) SetPrimaryRole(ctx context.Context, principalID int64, roleSlug string, actorID int64) error {
	if principalID <= 0 || actorID <= 0 || strings.TrimSpace(roleSlug) == "" {
		return fmt.Errorf("%w: principal, role and actor required", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		principal, err := tx.LockPrincipal(ctx, principalID)
		if err != nil {
			return err
		}
		role, err := activeRole(ctx, tx, roleSlug)
		if err != nil {
			return err
		}
		if err := tx.SetPrimaryRole(ctx, principalID, &role.ID); err != nil {
			return err
		}
		meta := map[string]any{"role": role.Slug}
		if principal.PrimaryRoleID != nil {
			meta["previous_role_id"] = *principal.PrimaryRoleID
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "role.set_primary",
			Entity:   "principal",
			EntityID: strconv.FormatInt(principalID, 10),
			Meta:     meta,
			At:       s.clock(),
		})
	})
}

// CreateRole inserts a custom, non-system role.
func (s *Service) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Role{}, err
	}
	var created Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRoleBySlug(ctx, input.Slug); err == nil {
			return fmt.Errorf("%w: role %s already exists", shared.ErrValidation, input.Slug)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		var err error
		created, err = tx.UpsertRole(ctx, Role{
			Slug:     strings.TrimSpace(input.Slug),
			Name:     strings.TrimSpace(input.Name),
			Level:    input.Level,
			IsActive: true,
		})
		if err != nil {
			return err
		}
		if err := tx.ReplaceRolePermissions(ctx, created.ID, input.Permissions); err != nil {
			return err
		}
		created.Permissions = input.Permissions
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "role.create",
			Entity:   "role",
			EntityID: created.Slug,
			Meta:     map[string]any{"level": created.Level, "permissions": input.Permissions},
			At:       s.clock(),
		})
	})
	return created, err
}

// DeleteRole deactivates a custom role. System roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, slug string, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRoleBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %s cannot be deleted", shared.ErrValidation, slug)
		}
		if err := tx.SetRoleActive(ctx, role.ID, false); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "role.delete",
			Entity:   "role",
			EntityID: role.Slug,
			At:       s.clock(),
		})
	})
}

// SetRolePermissions replaces the permissions a role grants directly.
func (s *Service) SetRolePermissions(ctx context.Context, slug string, permissions []string, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := activeRole(ctx, tx, slug)
		if err != nil {
			return err
		}
		if err := tx.ReplaceRolePermissions(ctx, role.ID, permissions); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "role.set_permissions",
			Entity:   "role",
			EntityID: role.Slug,
			Meta:     map[string]any{"before": role.Permissions, "after": permissions},
			At:       s.clock(),
		})
	})
}

// DeactivatePermission soft-deletes a permission. It stops contributing to any
// role but stays referenced by historical audit entries.
func (s *Service) DeactivatePermission(ctx context.Context, slug string, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetPermissionActive(ctx, slug, false); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "permission.deactivate",
			Entity:   "permission",
			EntityID: slug,
			At:       s.clock(),
		})
	})
}

// SeedCatalog upserts DefaultPermissions and DefaultRoles.
func (s *Service) SeedCatalog(ctx context.Context) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, perm := range DefaultPermissions {
			perm.IsActive = true
			if _, err := tx.UpsertPermission(ctx, perm); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm.Slug, err)
			}
		}
		for _, role := range DefaultRoles {
			stored, err := tx.UpsertRole(ctx, role)
			if err != nil {
				return fmt.Errorf("seed role %s: %w", role.Slug, err)
			}
			if err := tx.ReplaceRolePermissions(ctx, stored.ID, role.Permissions); err != nil {
				return fmt.Errorf("seed role %s permissions: %w", role.Slug, err)
			}
		}
		return nil
	})
}

func (s *Service) snapshot(ctx context.Context, principalID int64) (Catalog, Principal, []Assignment, error) {
	principal, err := s.repo.GetPrincipal(ctx, principalID)
	if err != nil {
		return Catalog{}, Principal{}, nil, err
	}
	assignments, err := s.repo.ListAssignments(ctx, principalID)
	if err != nil {
		return Catalog{}, Principal{}, nil, err
	}
	catalog, err := s.repo.LoadCatalog(ctx)
	if err != nil {
		return Catalog{}, Principal{}, nil, err
	}
	return catalog, principal, assignments, nil
}

func activeRole(ctx context.Context, tx TxRepository, slug string) (Role, error) {
	role, err := tx.GetRoleBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return Role{}, err
	}
	if !role.IsActive {
		return Role{}, fmt.Errorf("role %s is inactive: %w", slug, shared.ErrNotFound)
	}
	return role, nil
}
