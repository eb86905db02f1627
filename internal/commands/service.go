package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/shared"
)

// RepositoryPort abstracts command persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Command, error)
	List(ctx context.Context, filter Filter) ([]Command, error)
	ListQueued(ctx context.Context, agentID uuid.UUID, limit int) ([]Command, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Command, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Insert(ctx context.Context, cmd Command) error
	// Transition moves id to `to` only if its current status is one of from.
	// ok is false when the guard did not match and nothing was written.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, update Update) (cmd Command, ok bool, err error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Authorizer gates submissions by role and plan.
type Authorizer interface {
	AuthorizeCommand(ctx context.Context, principalID int64, agent agents.Agent, commandType string) (authz.Snapshot, error)
}

// AgentLookup loads target agents.
type AgentLookup interface {
	GetAgent(ctx context.Context, id uuid.UUID) (agents.Agent, error)
}

// IdempotencyWindow deduplicates submissions.
type IdempotencyWindow interface {
	Claim(ctx context.Context, key string) (uuid.UUID, bool, error)
	Bind(ctx context.Context, key string, id uuid.UUID) error
	Release(ctx context.Context, key string) error
}

// Channel delivers commands to agents. Transport is external.
type Channel interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DispatchScheduler asks background workers to dispatch an agent's queue.
type DispatchScheduler interface {
	ScheduleDispatch(ctx context.Context, agentID uuid.UUID) error
}

// Observer receives lifecycle counts.
type Observer interface {
	ObserveCommand(commandType string, status string)
	ObserveLateCallback(kind string)
}

// Config tunes the manager.
type Config struct {
	DefaultTimeout time.Duration
	DispatchBatch  int
	SweepBatch     int
}

// Service is the command lifecycle manager.
type Service struct {
	repo      RepositoryPort
	authz     Authorizer
	agents    AgentLookup
	window    IdempotencyWindow
	channel   Channel
	scheduler DispatchScheduler
	observer  Observer
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// Dependencies groups collaborators for NewService.
type Dependencies struct {
	Repo       RepositoryPort
	Authorizer Authorizer
	Agents     AgentLookup
	Window     IdempotencyWindow
	Channel    Channel
	Scheduler  DispatchScheduler
	Observer   Observer
	Logger     *slog.Logger
}

// NewService constructs Service.
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 50
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      deps.Repo,
		authz:     deps.Authorizer,
		agents:    deps.Agents,
		window:    deps.Window,
		channel:   deps.Channel,
		scheduler: deps.Scheduler,
		observer:  deps.Observer,
		cfg:       cfg,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Get loads a command.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	return s.repo.Get(ctx, id)
}

// List returns commands matching filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Command, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, filter)
}

// Submit authorizes and queues a command. A repeated submission with the same
// idempotency key inside the window returns the original command and
// duplicate=true.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (cmd Command, duplicate bool, err error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Command{}, false, err
	}
	agent, err := s.agents.GetAgent(ctx, input.AgentID)
	if err != nil {
		return Command{}, false, err
	}
	snap, err := s.authz.AuthorizeCommand(ctx, input.PrincipalID, agent, input.Type)
	if err != nil {
		return Command{}, false, err
	}

	var key string
	if input.IdempotencyKey != "" && s.window != nil {
		key = shared.CommandIdempotencyKey(agent.ID, input.Type, strconv.FormatInt(input.PrincipalID, 10)+":"+input.IdempotencyKey)
		existingID, claimed, err := s.window.Claim(ctx, key)
		if err != nil {
			return Command{}, false, err
		}
		if !claimed {
			existing, err := s.repo.Get(ctx, existingID)
			return existing, err == nil, err
		}
	}

	timeout := snap.Policy.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	cmd = Command{
		ID:                 uuid.New(),
		AgentID:            agent.ID,
		Type:               input.Type,
		Payload:            input.Payload,
		Status:             StatusQueued,
		Priority:           snap.Policy.Priority,
		RequestedBy:        input.PrincipalID,
		RequestedRole:      snap.Role,
		RequestedRoleLevel: snap.RoleLevel,
		RequestedTier:      snap.Tier.String(),
		IdempotencyKey:     input.IdempotencyKey,
		Timeout:            timeout,
		SubmittedAt:        s.clock(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Insert(ctx, cmd); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, s.transitionAudit(cmd, "", StatusQueued, cmd.RequestedBy, map[string]any{
			"command_type": cmd.Type,
			"role":         cmd.RequestedRole,
			"tier":         cmd.RequestedTier,
		}))
	})
	if err != nil {
		if key != "" {
			if relErr := s.window.Release(ctx, key); relErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", relErr))
			}
		}
		return Command{}, false, err
	}
	if key != "" {
		if err := s.window.Bind(ctx, key, cmd.ID); err != nil {
			s.logger.Warn("bind idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}
	s.observe(cmd.Type, StatusQueued)
	if s.scheduler != nil {
		if err := s.scheduler.ScheduleDispatch(ctx, cmd.AgentID); err != nil {
			// The command stays queued and is picked up by the next dispatch.
			s.logger.Warn("schedule dispatch", slog.String("agent_id", cmd.AgentID.String()), slog.Any("error", err))
		}
	}
	return cmd, false, nil
}

// Dispatch sends the queued commands of an agent in priority order. A command
// whose delivery fails becomes failed; the error is never returned to the
// submitter, who already holds the queued command.
func (s *Service) Dispatch(ctx context.Context, agentID uuid.UUID) (int, error) {
	queued, err := s.repo.ListQueued(ctx, agentID, s.cfg.DispatchBatch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, cmd := range queued {
		now := s.clock()
		timeoutAt := now.Add(cmd.Timeout)
		updated, ok, err := s.transition(ctx, cmd, []Status{StatusQueued}, StatusSent, Update{SentAt: &now, TimeoutAt: &timeoutAt}, 0, nil)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		deliverErr := s.channel.Deliver(ctx, Delivery{
			CommandID: updated.ID,
			AgentID:   updated.AgentID,
			Type:      updated.Type,
			Payload:   updated.Payload,
			Priority:  updated.Priority,
			TimeoutAt: timeoutAt,
		})
		if deliverErr != nil {
			msg := "delivery failed: " + deliverErr.Error()
			failedAt := s.clock()
			if _, _, err := s.transition(ctx, updated, []Status{StatusSent}, StatusFailed,
				Update{Error: &msg, CompletedAt: &failedAt}, 0, nil); err != nil {
				return sent, err
			}
			s.logger.Warn("command delivery failed", slog.String("command_id", updated.ID.String()), slog.Any("error", deliverErr))
			continue
		}
		sent++
	}
	return sent, nil
}

// HandleCallback applies an agent status report. Duplicate reports for the
// current state are accepted without change. A result that arrives before the
// acknowledgement passes through executing. Reports for commands already in a
// terminal state are rejected and audited as anomalies; the first terminal
// write stays authoritative.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (Command, error) {
	if err := shared.ValidateStruct(cb); err != nil {
		return Command{}, err
	}
	if cb.At.IsZero() {
		cb.At = s.clock()
	}
	cmd, err := s.repo.Get(ctx, cb.CommandID)
	if err != nil {
		return Command{}, err
	}

	target := targetFor(cb.Kind)
	if cmd.Status == target {
		return cmd, nil
	}
	if cmd.Status.IsTerminal() {
		return cmd, s.lateCallback(ctx, cmd, cb)
	}

	if cb.Kind == CallbackResult && cmd.Status == StatusSent {
		started := cb.At
		acked, ok, err := s.transition(ctx, cmd, []Status{StatusSent}, StatusExecuting, Update{StartedAt: &started}, 0,
			map[string]any{"implicit_ack": true})
		if err != nil {
			return Command{}, err
		}
		if !ok {
			return s.lostRace(ctx, cmd.ID, cb)
		}
		cmd = acked
	}
	if !CanTransition(cmd.Status, target) {
		if cmd.Status.IsTerminal() {
			return cmd, s.lateCallback(ctx, cmd, cb)
		}
		return cmd, &shared.TransitionError{Entity: "command", ID: cmd.ID.String(), From: string(cmd.Status), To: string(target)}
	}

	update := Update{}
	switch cb.Kind {
	case CallbackSentAck:
		update.StartedAt = &cb.At
	case CallbackResult:
		update.CompletedAt = &cb.At
		update.Response = cb.Response
		if cmd.StartedAt != nil {
			ms := cb.At.Sub(*cmd.StartedAt).Milliseconds()
			update.ExecutionMS = &ms
		}
	case CallbackError:
		update.CompletedAt = &cb.At
		msg := cb.Error
		if msg == "" {
			msg = "agent reported an error"
		}
		update.Error = &msg
		update.Response = cb.Response
	}

	updated, ok, err := s.transition(ctx, cmd, []Status{cmd.Status}, target, update, 0, nil)
	if err != nil {
		return Command{}, err
	}
	if !ok {
		return s.lostRace(ctx, cmd.ID, cb)
	}
	return updated, nil
}

// lostRace re-reads a command whose conditional update matched nothing,
// typically because the timeout sweep moved it first.
func (s *Service) lostRace(ctx context.Context, id uuid.UUID, cb Callback) (Command, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if current.Status.IsTerminal() {
		return current, s.lateCallback(ctx, current, cb)
	}
	return current, &shared.TransitionError{Entity: "command", ID: id.String(), From: string(current.Status), To: string(targetFor(cb.Kind))}
}

func targetFor(kind CallbackKind) Status {
	switch kind {
	case CallbackSentAck:
		return StatusExecuting
	case CallbackResult:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

func (s *Service) lateCallback(ctx context.Context, cmd Command, cb Callback) error {
	s.logger.Warn("late command callback rejected",
		slog.String("command_id", cmd.ID.String()),
		slog.String("status", string(cmd.Status)),
		slog.String("callback", string(cb.Kind)),
	)
	if s.observer != nil {
		s.observer.ObserveLateCallback(string(cb.Kind))
	}
	err := s.repo.RecordAudit(ctx, shared.AuditLog{
		Action:   "command.late_callback",
		Entity:   "command",
		EntityID: cmd.ID.String(),
		Decision: shared.DecisionDeny,
		Reason:   fmt.Sprintf("%s callback after terminal status %s", cb.Kind, cmd.Status),
		Meta: map[string]any{
			"status":      cmd.Status,
			"callback":    cb.Kind,
			"reported_at": cb.At,
		},
		At: s.clock(),
	})
	if err != nil {
		s.logger.Error("audit late callback", slog.Any("error", err))
	}
	return &shared.TransitionError{Entity: "command", ID: cmd.ID.String(), From: string(cmd.Status), To: string(targetFor(cb.Kind))}
}

// Cancel withdraws a command that has not been sent yet.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64) (Command, error) {
	cmd, err := s.repo.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	now := s.clock()
	updated, ok, err := s.transition(ctx, cmd, []Status{StatusQueued}, StatusCancelled, Update{CompletedAt: &now}, actorID, nil)
	if err != nil {
		return Command{}, err
	}
	if !ok {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return Command{}, err
		}
		return current, &shared.TransitionError{Entity: "command", ID: id.String(), From: string(current.Status), To: string(StatusCancelled)}
	}
	return updated, nil
}

// SweepTimeouts moves sent or executing commands past their deadline to
// timeout. The conditional update makes concurrent sweeps safe: only the
// sweeper whose update matched writes the audit entry. Partial results stay
// on the row.
func (s *Service) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ListExpired(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, cmd := range expired {
		msg := fmt.Sprintf("timed out in %s after %s", cmd.Status, cmd.Timeout)
		at := now
		_, ok, err := s.transition(ctx, cmd, []Status{StatusSent, StatusExecuting}, StatusTimeout,
			Update{CompletedAt: &at, Error: &msg}, 0, map[string]any{
				"previous_status": cmd.Status,
				"sent_at":         cmd.SentAt,
				"started_at":      cmd.StartedAt,
			})
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		s.logger.Info("command timeouts swept", slog.Int("count", swept))
	}
	return swept, nil
}

// transition applies a guarded status change and its audit entry in one
// transaction.
func (s *Service) transition(ctx context.Context, cmd Command, from []Status, to Status, update Update, actorID int64, meta map[string]any) (Command, bool, error) {
	for _, f := range from {
		if !CanTransition(f, to) {
			return Command{}, false, fmt.Errorf("illegal guard %s -> %s", f, to)
		}
	}
	var (
		updated Command
		ok      bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, ok, err = tx.Transition(ctx, cmd.ID, from, to, update)
		if err != nil || !ok {
			return err
		}
		return tx.RecordAudit(ctx, s.transitionAudit(updated, cmd.Status, to, actorID, meta))
	})
	if err != nil {
		return Command{}, false, err
	}
	if ok {
		s.observe(updated.Type, to)
	}
	return updated, ok, nil
}

func (s *Service) transitionAudit(cmd Command, from, to Status, actorID int64, meta map[string]any) shared.AuditLog {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["agent_id"] = cmd.AgentID.String()
	if from != "" {
		meta["from"] = from
	}
	meta["to"] = to
	if cmd.Error != "" {
		meta["error"] = cmd.Error
	}
	return shared.AuditLog{
		ActorID:  actorID,
		Action:   "command." + string(to),
		Entity:   "command",
		EntityID: cmd.ID.String(),
		Meta:     meta,
		At:       s.clock(),
	}
}

func (s *Service) observe(commandType string, status Status) {
	if s.observer != nil {
		s.observer.ObserveCommand(commandType, string(status))
	}
}

// IsLateCallback reports whether err is a rejected report for a terminal command.
func IsLateCallback(err error) bool {
	var te *shared.TransitionError
	return errors.As(err, &te) && Status(te.From).IsTerminal()
}
