package rbac

import (
	"sort"
	"time"
)

// Sensitivity ranks how dangerous a permission is if misused.
type Sensitivity int

const (
	SensitivityLow      Sensitivity = 1
	SensitivityMedium   Sensitivity = 2
	SensitivityHigh     Sensitivity = 3
	SensitivityCritical Sensitivity = 4
)

// Valid reports whether s is within 1..4.
func (s Sensitivity) Valid() bool {
	return s >= SensitivityLow && s <= SensitivityCritical
}

func (s Sensitivity) String() string {
	switch s {
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	case SensitivityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Permission represents an atomic capability. Permissions are never hard-deleted.
type Permission struct {
	ID          int64       `json:"id"`
	Slug        string      `json:"slug"`
	Category    string      `json:"category"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Description string      `json:"description"`
	IsActive    bool        `json:"is_active"`
}

// Role is a leveled bundle of permissions. Higher level means more powerful.
type Role struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Assignment grants a role to a principal, optionally until ExpiresAt.
type Assignment struct {
	ID          int64      `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	RoleID      int64      `json:"role_id"`
	AssignedBy  int64      `json:"assigned_by"`
	Reason      string     `json:"reason"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ActiveAt reports whether the assignment contributes permissions at t.
// Expired and future-dated assignments are inert.
func (a Assignment) ActiveAt(t time.Time) bool {
	if !a.CreatedAt.IsZero() && a.CreatedAt.After(t) {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(t) {
		return false
	}
	return true
}

// Principal describes the authenticated actor evaluated for permissions.
type Principal struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	PrimaryRoleID *int64 `json:"primary_role_id,omitempty"`
	IsActive      bool   `json:"is_active"`
}

// PermissionSet is the resolved, effective permission set of a principal.
type PermissionSet map[string]Permission

// Has reports whether slug is granted.
func (s PermissionSet) Has(slug string) bool {
	_, ok := s[slug]
	return ok
}

// Slugs returns the granted slugs sorted.
func (s PermissionSet) Slugs() []string {
	out := make([]string, 0, len(s))
	for slug := range s {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// AssignInput describes a role grant.
type AssignInput struct {
	PrincipalID int64      `validate:"required,gt=0"`
	RoleSlug    string     `validate:"required"`
	ActorID     int64      `validate:"required,gt=0"`
	Reason      string     `validate:"max=500"`
	ExpiresAt   *time.Time `validate:"omitempty"`
}

// RemoveInput describes a role revocation.
type RemoveInput struct {
	PrincipalID int64  `validate:"required,gt=0"`
	RoleSlug    string `validate:"required"`
	ActorID     int64  `validate:"required,gt=0"`
	Reason      string `validate:"max=500"`
}

// CreateRoleInput describes a new custom role.
type CreateRoleInput struct {
	Slug        string   `validate:"required,max=64"`
	Name        string   `validate:"required,max=128"`
	Level       int      `validate:"min=1,max=100"`
	Permissions []string `validate:"dive,required"`
	ActorID     int64    `validate:"required,gt=0"`
}
