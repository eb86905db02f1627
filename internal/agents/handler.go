package agents

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// Guards carries the authorization middleware for each route group. The
// router builds them from the authorization engine, which itself depends on
// this package.
type Guards struct {
	Read         func(http.Handler) http.Handler
	Register     func(http.Handler) http.Handler
	Manage       func(http.Handler) http.Handler
	Decommission func(http.Handler) http.Handler
}

// FeatureChecker answers whether a feature is effective for an agent.
type FeatureChecker interface {
	FeatureEnabled(ctx context.Context, principalID int64, agentID uuid.UUID, feature string) (bool, error)
}

// Handler exposes agent management over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	features FeatureChecker
	guards   Guards
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, features FeatureChecker, guards Guards) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	for _, g := range []*func(http.Handler) http.Handler{&guards.Read, &guards.Register, &guards.Manage, &guards.Decommission} {
		if *g == nil {
			*g = passthrough
		}
	}
	return &Handler{logger: logger, service: service, features: features, guards: guards}
}

func passthrough(next http.Handler) http.Handler { return next }

// MountRoutes registers agent routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.With(h.guards.Register).Post("/", h.register)
		r.With(h.guards.Register).Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.With(h.guards.Read).Get("/", h.get)
			r.With(h.guards.Read).Get("/features", h.listFeatures)
			r.With(h.guards.Read).Get("/features/{feature}", h.feature)
			r.With(h.guards.Manage).Put("/features/{feature}", h.setFeature)
			r.With(h.guards.Decommission).Delete("/", h.decommission)
		})
	})
}

type registerRequest struct {
	Hostname string `json:"hostname" validate:"required"`
	Platform string `json:"platform" validate:"max=64"`
}

type featureRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	agent, err := h.service.Register(r.Context(), RegisterInput{
		OwnerID:  principalID,
		Hostname: req.Hostname,
		Platform: req.Platform,
		ActorID:  principalID,
	})
	if err != nil {
		h.fail(w, "register agent", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, agent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principalID, _ := shared.PrincipalFromContext(r.Context())
	agents, err := h.service.ListAgents(r.Context(), principalID)
	if err != nil {
		h.fail(w, "list agents", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.agentID(w, r)
	if !ok {
		return
	}
	agent, err := h.service.GetAgent(r.Context(), id)
	if err != nil {
		h.fail(w, "get agent", err)
		return
	}
	httpx.JSON(w, http.StatusOK, agent)
}

func (h *Handler) listFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := h.agentID(w, r)
	if !ok {
		return
	}
	states, err := h.service.Features(r.Context(), id)
	if err != nil {
		h.fail(w, "list agent features", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"features": states})
}

func (h *Handler) feature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.agentID(w, r)
	if !ok {
		return
	}
	agent, err := h.service.GetAgent(r.Context(), id)
	if err != nil {
		h.fail(w, "get agent", err)
		return
	}
	feature := chi.URLParam(r, "feature")
	enabled, err := h.features.FeatureEnabled(r.Context(), agent.OwnerID, agent.ID, feature)
	if err != nil {
		h.fail(w, "check feature", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"agent_id": agent.ID, "feature": feature, "enabled": enabled})
}

func (h *Handler) setFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.agentID(w, r)
	if !ok {
		return
	}
	var req featureRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	state, err := h.service.SetFeature(r.Context(), SetFeatureInput{
		AgentID: id,
		Feature: chi.URLParam(r, "feature"),
		Enabled: *req.Enabled,
		ActorID: principalID,
	})
	if err != nil {
		h.fail(w, "set agent feature", err)
		return
	}
	httpx.JSON(w, http.StatusOK, state)
}

func (h *Handler) decommission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.agentID(w, r)
	if !ok {
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.Decommission(r.Context(), id, principalID); err != nil {
		h.fail(w, "decommission agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) agentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
