package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
)

type staticRoles struct {
	catalog    rbac.Catalog
	principals map[int64]rbac.Principal
}

func newStaticRoles() *staticRoles {
	c := rbac.Catalog{Permissions: make(map[string]rbac.Permission)}
	for i, p := range rbac.DefaultPermissions {
		p.ID = int64(i + 1)
		p.IsActive = true
		c.Permissions[p.Slug] = p
	}
	for i, r := range rbac.DefaultRoles {
		r.ID = int64(i + 1)
		c.Roles = append(c.Roles, r)
	}
	return &staticRoles{catalog: c, principals: make(map[int64]rbac.Principal)}
}

func (s *staticRoles) add(id int64, roleSlug string) {
	p := rbac.Principal{ID: id, IsActive: true}
	for _, r := range s.catalog.Roles {
		if r.Slug == roleSlug {
			roleID := r.ID
			p.PrimaryRoleID = &roleID
		}
	}
	s.principals[id] = p
}

func (s *staticRoles) ResolvePermissions(ctx context.Context, principalID int64, at time.Time) (rbac.PermissionSet, error) {
	return rbac.Resolve(s.catalog, s.principals[principalID], nil, at), nil
}

func (s *staticRoles) HighestRole(ctx context.Context, principalID int64, at time.Time) (rbac.Role, bool, error) {
	role, ok := rbac.Highest(s.catalog, s.principals[principalID], nil, at)
	return role, ok, nil
}

type staticPlans map[int64]string

func (s staticPlans) EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error) {
	slug, ok := s[principalID]
	if !ok {
		slug = entitlements.FreePlanSlug
	}
	for _, p := range entitlements.DefaultPlans {
		if p.Slug == slug {
			return entitlements.Entitlements{PrincipalID: principalID, Plan: p}, nil
		}
	}
	return entitlements.Entitlements{}, shared.ErrNotFound
}

type agentMap map[uuid.UUID]agents.Agent

func (m agentMap) GetAgent(ctx context.Context, id uuid.UUID) (agents.Agent, error) {
	a, ok := m[id]
	if !ok {
		return agents.Agent{}, shared.ErrNotFound
	}
	return a, nil
}

type memoryAudit struct {
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

type fixture struct {
	engine *Engine
	roles  *staticRoles
	plans  staticPlans
	agents agentMap
	audit  *memoryAudit
}

func newFixture() *fixture {
	f := &fixture{roles: newStaticRoles(), plans: staticPlans{}, agents: agentMap{}, audit: &memoryAudit{}}
	f.engine = NewEngine(f.roles, f.plans, f.agents, f.audit, nil)
	return f
}

func (f *fixture) agent(owner int64) agents.Agent {
	a := agents.Agent{ID: uuid.New(), OwnerID: owner, Hostname: "host", Status: agents.StatusActive}
	f.agents[a.ID] = a
	return a
}

func TestUserCannotRestartService(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleUser)
	f.plans[1] = "enterprise"
	agent := f.agent(1)

	_, err := f.engine.AuthorizeCommand(context.Background(), 1, agent, CommandRestartService)

	var permErr *shared.PermissionError
	require.True(t, errors.As(err, &permErr))
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
	require.Equal(t, rbac.RoleAdmin, permErr.MinimumRole)
	require.Len(t, f.audit.entries, 1)
	require.Equal(t, shared.DecisionDeny, f.audit.entries[0].Decision)
	require.Equal(t, ReasonRoleInsufficient, f.audit.entries[0].Reason)
}

func TestFileReadNeedsProfessionalPlan(t *testing.T) {
	f := newFixture()
	f.roles.add(2, rbac.RoleAnalyst)
	f.plans[2] = "basic"
	agent := f.agent(2)

	_, err := f.engine.AuthorizeCommand(context.Background(), 2, agent, CommandFileRead)
	var subErr *shared.SubscriptionError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, "professional", subErr.MinimumTier)
	require.Equal(t, "basic", subErr.CurrentTier)
	require.Len(t, f.audit.entries, 1)

	f.plans[2] = "professional"
	snap, err := f.engine.AuthorizeCommand(context.Background(), 2, agent, CommandFileRead)
	require.NoError(t, err)
	require.Equal(t, rbac.RoleAnalyst, snap.Role)
	require.Equal(t, entitlements.TierProfessional, snap.Tier)
	require.Len(t, f.audit.entries, 2)
	require.Equal(t, shared.DecisionAllow, f.audit.entries[1].Decision)
}

func TestForensicsNeedsSuperAdmin(t *testing.T) {
	f := newFixture()
	f.roles.add(3, rbac.RoleAdmin)
	f.plans[3] = "enterprise"
	agent := f.agent(3)

	_, err := f.engine.AuthorizeCommand(context.Background(), 3, agent, CommandForensicCollect)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)

	f.roles.add(3, rbac.RoleSuperAdmin)
	_, err = f.engine.AuthorizeCommand(context.Background(), 3, agent, CommandForensicCollect)
	require.NoError(t, err)
}

func TestCommandOnForeignAgentNeedsManageAll(t *testing.T) {
	f := newFixture()
	f.roles.add(4, rbac.RoleAdmin)
	f.roles.add(5, rbac.RoleSuperAdmin)
	f.plans[4] = "enterprise"
	f.plans[5] = "enterprise"
	foreign := f.agent(99)

	_, err := f.engine.AuthorizeCommand(context.Background(), 4, foreign, CommandStatusCheck)
	var permErr *shared.PermissionError
	require.True(t, errors.As(err, &permErr))
	require.Equal(t, shared.PermAgentsManageAll, permErr.RequiredPermission)

	_, err = f.engine.AuthorizeCommand(context.Background(), 5, foreign, CommandStatusCheck)
	require.NoError(t, err)
}

func TestUnknownCommandTypeIsDenied(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleSuperAdmin)
	_, err := f.engine.AuthorizeCommand(context.Background(), 1, f.agent(1), "format_disk")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Len(t, f.audit.entries, 1)
	require.Equal(t, ReasonUnknownCommand, f.audit.entries[0].Reason)
}

func TestAuthorizeFailsClosedOnUnknownAction(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleSuperAdmin)
	d, err := f.engine.Authorize(context.Background(), Request{PrincipalID: 1, Action: "reactor.meltdown"})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonUnknownAction, d.Reason)
	require.Len(t, f.audit.entries, 1)
	require.Equal(t, "system", f.audit.entries[0].Entity)
}

func TestAuthorizeLooksUpAgentOwner(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleUser)
	own := f.agent(1)
	other := f.agent(2)

	d, err := f.engine.Authorize(context.Background(), Request{PrincipalID: 1, Action: ActionAgentRead, Resource: Resource{Kind: "agent", ID: own.ID.String()}})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = f.engine.Authorize(context.Background(), Request{PrincipalID: 1, Action: ActionAgentRead, Resource: Resource{Kind: "agent", ID: other.ID.String()}})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNotOwner, d.Reason)

	_, err = f.engine.Authorize(context.Background(), Request{PrincipalID: 1, Action: ActionAgentRead, Resource: Resource{Kind: "agent", ID: uuid.NewString()}})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAuthorizeMissingPermission(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleUser)
	d, err := f.engine.Authorize(context.Background(), Request{PrincipalID: 1, Action: ActionAuditRead})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, shared.PermAuditRead, d.RequiredPermission)
	require.ErrorIs(t, d.Err(), shared.ErrPermissionDenied)
}

func TestGuardMiddleware(t *testing.T) {
	f := newFixture()
	f.roles.add(1, rbac.RoleUser)
	f.roles.add(2, rbac.RoleAnalyst)

	r := chi.NewRouter()
	r.With(f.engine.Guard(ActionAuditRead, Global("audit"))).Get("/audit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	call := func(principal int64) int {
		req := httptest.NewRequest(http.MethodGet, "/audit", nil)
		if principal > 0 {
			req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principal))
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusUnauthorized, call(0))
	require.Equal(t, http.StatusForbidden, call(1))
	require.Equal(t, http.StatusNoContent, call(2))
}
