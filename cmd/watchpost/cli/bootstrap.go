package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/rbac"
)

// PrincipalCreator registers logins.
type PrincipalCreator interface {
	CreatePrincipal(ctx context.Context, input auth.CreatePrincipalInput) (auth.Principal, error)
}

// RoleAssigner grants roles.
type RoleAssigner interface {
	AssignRole(ctx context.Context, input rbac.AssignInput) (rbac.Assignment, error)
}

// Subscriber starts a plan for a principal.
type Subscriber interface {
	ChangeSubscription(ctx context.Context, input entitlements.ChangeInput) (entitlements.Subscription, error)
}

// BootstrapCLI provisions the first operator account.
type BootstrapCLI struct {
	principals PrincipalCreator
	roles      RoleAssigner
	plans      Subscriber
	clock      func() time.Time
}

// NewBootstrapCLI wires the bootstrap helper. plans may be nil.
func NewBootstrapCLI(principals PrincipalCreator, roles RoleAssigner, plans Subscriber) *BootstrapCLI {
	return &BootstrapCLI{principals: principals, roles: roles, plans: plans, clock: func() time.Time { return time.Now().UTC() }}
}

// BootstrapOptions defines flags for the bootstrap command.
type BootstrapOptions struct {
	Username   string
	Email      string
	Password   string
	Role       string
	Plan       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// BootstrapSummary is the JSON output of a successful bootstrap.
type BootstrapSummary struct {
	PrincipalID int64  `json:"principal_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Plan        string `json:"plan,omitempty"`
}

// BootstrapCommand creates the principal, grants the role and, when a plan is
// named, opens a subscription. It returns the process exit code.
func (c *BootstrapCLI) BootstrapCommand(ctx context.Context, opts BootstrapOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.Role) == "" {
		opts.Role = rbac.RoleSuperAdmin
	}
	principal, err := c.principals.CreatePrincipal(ctx, auth.CreatePrincipalInput{
		Username: opts.Username,
		Email:    opts.Email,
		Password: opts.Password,
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "bootstrap: create principal: %v\n", err)
		return 1
	}
	if _, err := c.roles.AssignRole(ctx, rbac.AssignInput{
		PrincipalID: principal.ID,
		RoleSlug:    opts.Role,
		ActorID:     principal.ID,
		Reason:      "bootstrap",
	}); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "bootstrap: assign role %s: %v\n", opts.Role, err)
		return 2
	}
	if opts.Plan != "" && c.plans != nil {
		now := c.clock()
		if _, err := c.plans.ChangeSubscription(ctx, entitlements.ChangeInput{
			PrincipalID: principal.ID,
			PlanSlug:    opts.Plan,
			Status:      entitlements.StatusActive,
			ActorID:     principal.ID,
			PeriodStart: now,
			PeriodEnd:   now.AddDate(1, 0, 0),
		}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "bootstrap: subscribe %s: %v\n", opts.Plan, err)
			return 3
		}
	}
	summary := BootstrapSummary{PrincipalID: principal.ID, Username: principal.Username, Role: opts.Role, Plan: opts.Plan}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "bootstrap: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Created principal %s (id %d) with role %s\n", summary.Username, summary.PrincipalID, summary.Role)
	if summary.Plan != "" {
		_, _ = fmt.Fprintf(opts.Stdout, "Subscribed to plan %s\n", summary.Plan)
	}
	return 0
}
