package incidents

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

const eventScope = "incidents.events"

// EventDeduper claims producer supplied idempotency keys.
type EventDeduper interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key, scope string) error
}

// Handler exposes the incident pipeline over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	engine  *authz.Engine
	dedup   EventDeduper
}

// NewHandler builds Handler instance. dedup may be nil.
func NewHandler(logger *slog.Logger, service *Service, engine *authz.Engine, dedup EventDeduper) *Handler {
	return &Handler{logger: logger, service: service, engine: engine, dedup: dedup}
}

// MountRoutes registers incident routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.engine.Guard(authz.ActionIncidentRead, authz.Global("incident")))
			r.Get("/", h.list)
			r.Get("/notifications/failed", h.failedNotifications)
			r.Get("/{id}", h.get)
		})
		r.With(h.engine.Guard(authz.ActionIncidentIngest, authz.Global("incident"))).Post("/events", h.ingest)
		r.With(h.engine.Guard(authz.ActionIncidentManage, authz.Global("incident"))).Post("/{id}/assign", h.assign)
		r.With(h.engine.Guard(authz.ActionIncidentResolve, authz.Global("incident"))).Post("/{id}/resolve", h.resolve)
		// Agents report tamper signals with their owner's API key.
		r.With(h.engine.Guard(authz.ActionAgentRead, authz.AgentParam("agent"))).Post("/agents/{agent}/tamper", h.tamper)
	})
}

type tamperRequest struct {
	Type    string    `json:"type" validate:"required,oneof=agent_shutdown agent_uninstall_attempt config_tampering binary_tampering heartbeat_lost"`
	Details Evidence  `json:"details"`
	At      time.Time `json:"occurred_at"`
}

type assignRequest struct {
	Assignee int64 `json:"assignee" validate:"required,gt=0"`
}

type resolveRequest struct {
	Status Status `json:"status" validate:"required,oneof=resolved false_positive"`
	Notes  string `json:"notes" validate:"required,max=4000"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	severity, err := ParseSeverity(q.Get("severity"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, err := h.service.List(r.Context(), Filter{
		Status:   Status(q.Get("status")),
		Severity: severity,
		Type:     q.Get("type"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.fail(w, "list incidents", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"incidents": items})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIncident(w, r)
	if !ok {
		return
	}
	inc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get incident", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inc)
}

func (h *Handler) failedNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.FailedNotifications(r.Context(), limit)
	if err != nil {
		h.fail(w, "failed notifications", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var ev SecurityEvent
	if err := httpx.DecodeJSON(r, shared.Validator(), &ev); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	claimed := false
	if key != "" && h.dedup != nil {
		err := h.dedup.CheckAndInsert(r.Context(), key, eventScope)
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.JSON(w, http.StatusOK, map[string]any{"duplicate": true})
			return
		}
		if err != nil {
			h.fail(w, "claim event key", err)
			return
		}
		claimed = true
	}
	result, err := h.service.Ingest(r.Context(), ev)
	if err != nil {
		// The producer retries with the same key.
		if claimed {
			if derr := h.dedup.Delete(r.Context(), key, eventScope); derr != nil && h.logger != nil {
				h.logger.Warn("release event key", slog.Any("error", derr))
			}
		}
		h.fail(w, "ingest event", err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) tamper(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agent"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid agent id")
		return
	}
	var req tamperRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	result, err := h.service.Ingest(r.Context(), TamperEvent(agentID, principalID, req.Type, req.Details, req.At))
	if err != nil {
		h.fail(w, "report tamper", err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIncident(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	inc, err := h.service.Assign(r.Context(), id, req.Assignee, actorID)
	if err != nil {
		h.fail(w, "assign incident", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inc)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIncident(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	inc, err := h.service.Resolve(r.Context(), ResolveInput{IncidentID: id, ActorID: actorID, Status: req.Status, Notes: req.Notes})
	if err != nil {
		h.fail(w, "resolve incident", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inc)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathIncident(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid incident id")
		return uuid.Nil, false
	}
	return id, true
}
