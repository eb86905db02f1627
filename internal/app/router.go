package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/apikeys"
	audithttp "github.com/watchpost/watchpost/internal/audit/http"
	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/commands"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/observability"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
	"github.com/watchpost/watchpost/jobs"
)

// RouterParams groups dependencies for building the HTTP router. Handlers
// left nil are not mounted.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	APIKeys        *apikeys.Service
	Abuse          *AbuseReporter
	Metrics        *observability.Metrics

	AuthHandler         *auth.Handler
	AuthzHandler        *authz.Handler
	AgentsHandler       *agents.Handler
	EntitlementsHandler *entitlements.Handler
	APIKeysHandler      *apikeys.Handler
	CommandsHandler     *commands.Handler
	IncidentsHandler    *incidents.Handler
	AuditHandler        *audithttp.Handler
	RBACHandler         *rbac.Handler
	JobHandler          *jobs.Handler
}

// AgentGuards builds the agent route guards from the engine.
func AgentGuards(engine *authz.Engine) agents.Guards {
	return agents.Guards{
		Read:         engine.Guard(authz.ActionAgentRead, authz.AgentParam("id")),
		Register:     engine.Guard(authz.ActionAgentRegister, authz.Global("agent")),
		Manage:       engine.Guard(authz.ActionAgentManage, authz.AgentParam("id")),
		Decommission: engine.Guard(authz.ActionAgentDecommission, authz.AgentParam("id")),
	}
}

// BillingGuard builds the subscription management guard from the engine.
func BillingGuard(engine *authz.Engine) func(http.Handler) http.Handler {
	return engine.Guard(authz.ActionBillingManage, authz.Global("subscription"))
}

// NewRouter constructs the chi.Router with Watchpost defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		APIKeys:        params.APIKeys,
		Abuse:          params.Abuse,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		loginLimit := 0
		if params.Config != nil {
			loginLimit = params.Config.LoginRateLimitPerMinute
		}
		r.Route("/auth", func(r chi.Router) {
			r.Use(LoginLimiter(loginLimit, params.Abuse))
			params.AuthHandler.MountRoutes(r)
		})
	}
	if params.AuthzHandler != nil {
		params.AuthzHandler.MountRoutes(r)
	}
	if params.AgentsHandler != nil {
		params.AgentsHandler.MountRoutes(r)
	}
	if params.EntitlementsHandler != nil {
		params.EntitlementsHandler.MountRoutes(r)
	}
	if params.APIKeysHandler != nil {
		params.APIKeysHandler.MountRoutes(r)
	}
	if params.CommandsHandler != nil {
		params.CommandsHandler.MountRoutes(r)
		params.CommandsHandler.MountAgentRoutes(r)
	}
	if params.IncidentsHandler != nil {
		params.IncidentsHandler.MountRoutes(r)
	}
	if params.AuditHandler != nil {
		params.AuditHandler.MountRoutes(r)
	}
	if params.RBACHandler != nil {
		params.RBACHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
