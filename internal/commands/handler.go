package commands

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// Handler exposes command submission and agent callbacks over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	engine  *authz.Engine
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engine *authz.Engine) *Handler {
	return &Handler{logger: logger, service: service, engine: engine}
}

// MountRoutes registers operator facing command routes. Role and plan checks
// for submission happen inside the service so the captured snapshot matches
// the decision.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/commands", h.submit)
	r.With(h.engine.Guard(authz.ActionCommandRead, authz.AgentQuery("agent_id"))).Get("/commands", h.list)
	r.With(h.engine.Guard(authz.ActionCommandRead, h.commandAgent)).Get("/commands/{id}", h.get)
	r.With(h.engine.Guard(authz.ActionCommandCancel, h.commandAgent)).Post("/commands/{id}/cancel", h.cancel)
}

// MountAgentRoutes registers the callback route used by agent gateways.
// Gateways authenticate with the agent owner's API key.
func (h *Handler) MountAgentRoutes(r chi.Router) {
	r.With(h.engine.Guard(authz.ActionAgentRead, h.commandAgent)).Post("/commands/{id}/callback", h.callback)
}

type submitRequest struct {
	AgentID        uuid.UUID       `json:"agent_id" validate:"required"`
	CommandType    string          `json:"command_type" validate:"required,max=64"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	principalID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	cmd, duplicate, err := h.service.Submit(r.Context(), SubmitInput{
		PrincipalID:    principalID,
		AgentID:        req.AgentID,
		Type:           req.CommandType,
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, "submit command", err)
		return
	}
	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	httpx.JSON(w, status, map[string]any{"command": cmd, "duplicate": duplicate})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.URL.Query().Get("agent_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "agent_id is required")
		return
	}
	cmds, err := h.service.List(r.Context(), Filter{AgentID: agentID, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list commands", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCommand(w, r)
	if !ok {
		return
	}
	cmd, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get command", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cmd)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCommand(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	cmd, err := h.service.Cancel(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "cancel command", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cmd)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCommand(w, r)
	if !ok {
		return
	}
	var cb Callback
	if err := httpx.DecodeJSON(r, nil, &cb); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if cb.CommandID != uuid.Nil && cb.CommandID != id {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "command_id does not match the path")
		return
	}
	cb.CommandID = id
	if err := shared.ValidateStruct(cb); err != nil {
		httpx.RespondError(w, err)
		return
	}
	cmd, err := h.service.HandleCallback(r.Context(), cb)
	if err != nil {
		if IsLateCallback(err) {
			httpx.ProblemWith(w, http.StatusConflict, "Late Callback", err.Error(), map[string]any{"status": cmd.Status})
			return
		}
		h.fail(w, "command callback", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"command_id": cmd.ID, "status": cmd.Status})
}

// commandAgent resolves the agent that owns the command in the URL so the
// guard can apply ownership rules.
func (h *Handler) commandAgent(r *http.Request) (authz.Resource, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return authz.Resource{}, errors.Join(shared.ErrValidation, err)
	}
	cmd, err := h.service.Get(r.Context(), id)
	if err != nil {
		return authz.Resource{}, err
	}
	return authz.Resource{Kind: "agent", ID: cmd.AgentID.String()}, nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathCommand(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid command id")
		return uuid.Nil, false
	}
	return id, true
}
