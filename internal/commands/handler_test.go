package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
)

type grantedRoles map[int64][]string

func (g grantedRoles) ResolvePermissions(ctx context.Context, principalID int64, at time.Time) (rbac.PermissionSet, error) {
	set := rbac.PermissionSet{}
	for _, slug := range g[principalID] {
		set[slug] = rbac.Permission{Slug: slug, IsActive: true}
	}
	return set, nil
}

func (g grantedRoles) HighestRole(ctx context.Context, principalID int64, at time.Time) (rbac.Role, bool, error) {
	return rbac.Role{}, false, nil
}

func newCommandRouter(t *testing.T) (*fixture, func(principalID int64) http.Handler) {
	t.Helper()
	f := newFixture(t, nil)
	roles := grantedRoles{
		1: {shared.PermAgentsRead, shared.PermCommandsRead, shared.PermCommandsCancel},
		2: {shared.PermAgentsRead, shared.PermCommandsRead},
	}
	engine := authz.NewEngine(roles, nil, agentMap{f.agent.ID: f.agent}, nil, nil)
	h := NewHandler(nil, f.svc, engine)
	return f, func(principalID int64) http.Handler {
		r := chi.NewRouter()
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), principalID)))
			})
		})
		h.MountRoutes(r)
		h.MountAgentRoutes(r)
		return r
	}
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerSubmitAndCallbacks(t *testing.T) {
	f, router := newCommandRouter(t)
	owner := router(1)

	rr := call(owner, http.MethodPost, "/commands", `{"agent_id":"`+f.agent.ID.String()+`","command_type":"status_check","idempotency_key":"k1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitted struct {
		Command   Command `json:"command"`
		Duplicate bool    `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitted))
	require.False(t, submitted.Duplicate)
	id := submitted.Command.ID.String()

	_, err := f.svc.Dispatch(context.Background(), f.agent.ID)
	require.NoError(t, err)

	rr = call(owner, http.MethodPost, "/commands/"+id+"/callback", `{"kind":"sent_ack"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"status":"executing"`)

	rr = call(owner, http.MethodPost, "/commands/"+id+"/callback", `{"kind":"result","response":{"uptime":42}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"completed"`)

	rr = call(owner, http.MethodPost, "/commands/"+id+"/callback", `{"kind":"error","error":"boom"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "Late Callback")

	rr = call(owner, http.MethodGet, "/commands/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"completed"`)
}

func TestHandlerCallbackRequiresAgentOwner(t *testing.T) {
	f, router := newCommandRouter(t)
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(context.Background(), f.agent.ID)
	require.NoError(t, err)

	rr := call(router(2), http.MethodPost, "/commands/"+cmd.ID.String()+"/callback", `{"kind":"sent_ack"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	stored, err := f.svc.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, stored.Status)
}

func TestHandlerCallbackRejectsMismatchedBody(t *testing.T) {
	f, router := newCommandRouter(t)
	cmd := f.submit(t, authz.CommandStatusCheck)
	other := f.submit(t, authz.CommandStatusCheck)

	rr := call(router(1), http.MethodPost, "/commands/"+cmd.ID.String()+"/callback", `{"command_id":"`+other.ID.String()+`","kind":"sent_ack"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(router(1), http.MethodPost, "/commands/"+cmd.ID.String()+"/callback", `{"kind":"rebooted"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerCancelNeedsPermission(t *testing.T) {
	f, router := newCommandRouter(t)
	cmd := f.submit(t, authz.CommandStatusCheck)

	rr := call(router(2), http.MethodPost, "/commands/"+cmd.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(router(1), http.MethodPost, "/commands/"+cmd.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"cancelled"`)
}
