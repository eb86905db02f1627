package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	commands   map[uuid.UUID]Command
	audits     []shared.AuditLog
	failInsert int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{commands: make(map[uuid.UUID]Command)}
}

type memoryTx struct {
	repo     *memoryRepo
	commands map[uuid.UUID]Command
	audits   []shared.AuditLog
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{repo: m, commands: make(map[uuid.UUID]Command, len(m.commands))}
	for id, c := range m.commands {
		tx.commands[id] = c
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commands = tx.commands
	m.audits = append(m.audits, tx.audits...)
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return Command{}, shared.ErrNotFound
	}
	return c, nil
}

func (m *memoryRepo) List(ctx context.Context, filter Filter) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Command
	for _, c := range m.commands {
		if filter.AgentID != uuid.Nil && c.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryRepo) ListQueued(ctx context.Context, agentID uuid.UUID, limit int) ([]Command, error) {
	out, _ := m.List(ctx, Filter{AgentID: agentID, Status: StatusQueued})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Command
	for _, c := range m.commands {
		if (c.Status == StatusSent || c.Status == StatusExecuting) && c.TimeoutAt != nil && !c.TimeoutAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, log)
	return nil
}

func (m *memoryRepo) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.Action)
	}
	return out
}

func (m *memoryRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

func (t *memoryTx) Insert(ctx context.Context, c Command) error {
	if t.repo.failInsert > 0 {
		t.repo.failInsert--
		return errors.New("insert failed")
	}
	t.commands[c.ID] = c
	return nil
}

func (t *memoryTx) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, u Update) (Command, bool, error) {
	c, ok := t.commands[id]
	if !ok {
		return Command{}, false, nil
	}
	matched := false
	for _, f := range from {
		if c.Status == f {
			matched = true
		}
	}
	if !matched {
		return Command{}, false, nil
	}
	c.Status = to
	u.Apply(&c)
	t.commands[id] = c
	return c, true, nil
}

func (t *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.audits = append(t.audits, log)
	return nil
}

type stubAuthorizer struct{}

func (stubAuthorizer) AuthorizeCommand(ctx context.Context, principalID int64, agent agents.Agent, commandType string) (authz.Snapshot, error) {
	policy, ok := authz.CommandPolicies[commandType]
	if !ok {
		return authz.Snapshot{}, fmt.Errorf("%w: unknown command type", shared.ErrValidation)
	}
	return authz.Snapshot{PrincipalID: principalID, Role: "admin", RoleLevel: 80, Tier: entitlements.TierProfessional, Policy: policy}, nil
}

type agentMap map[uuid.UUID]agents.Agent

func (m agentMap) GetAgent(ctx context.Context, id uuid.UUID) (agents.Agent, error) {
	a, ok := m[id]
	if !ok {
		return agents.Agent{}, shared.ErrNotFound
	}
	return a, nil
}

type recordingChannel struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (c *recordingChannel) Deliver(ctx context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.deliveries = append(c.deliveries, d)
	return nil
}

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	channel *recordingChannel
	agent   agents.Agent
	now     time.Time
}

func newFixture(t *testing.T, window IdempotencyWindow) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		channel: &recordingChannel{},
		agent:   agents.Agent{ID: uuid.New(), OwnerID: 1, Hostname: "web-01", Status: agents.StatusActive},
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(Dependencies{
		Repo:       f.repo,
		Authorizer: stubAuthorizer{},
		Agents:     agentMap{f.agent.ID: f.agent},
		Window:     window,
		Channel:    f.channel,
	}, Config{})
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) submit(t *testing.T, commandType string) Command {
	t.Helper()
	cmd, dup, err := f.svc.Submit(context.Background(), SubmitInput{PrincipalID: 1, AgentID: f.agent.ID, Type: commandType})
	require.NoError(t, err)
	require.False(t, dup)
	return cmd
}

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StatusQueued, StatusSent))
	require.True(t, CanTransition(StatusQueued, StatusCancelled))
	require.True(t, CanTransition(StatusSent, StatusTimeout))
	require.True(t, CanTransition(StatusExecuting, StatusCompleted))
	require.False(t, CanTransition(StatusQueued, StatusCompleted))
	require.False(t, CanTransition(StatusSent, StatusCompleted))
	require.False(t, CanTransition(StatusSent, StatusCancelled))
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled} {
		require.True(t, terminal.IsTerminal())
		for _, next := range []Status{StatusQueued, StatusSent, StatusExecuting, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled} {
			require.False(t, CanTransition(terminal, next), "%s -> %s", terminal, next)
		}
	}
	require.ElementsMatch(t, []Status{StatusExecuting}, sourcesOf(StatusCompleted))
}

func TestCommandLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cmd := f.submit(t, authz.CommandStatusCheck)
	require.Equal(t, StatusQueued, cmd.Status)
	require.Equal(t, "admin", cmd.RequestedRole)
	require.Equal(t, "professional", cmd.RequestedTier)
	require.Equal(t, time.Minute, cmd.Timeout)

	sent, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, f.channel.deliveries, 1)

	got, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got.Status)
	require.Equal(t, f.now.Add(time.Minute), *got.TimeoutAt)

	got, err = f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackSentAck})
	require.NoError(t, err)
	require.Equal(t, StatusExecuting, got.Status)

	f.now = f.now.Add(1500 * time.Millisecond)
	got, err = f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackResult, Response: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.EqualValues(t, 1500, *got.ExecutionMS)
	require.JSONEq(t, `{"ok":true}`, string(got.Response))

	require.Equal(t, []string{"command.queued", "command.sent", "command.executing", "command.completed"}, f.repo.auditActions())
}

func TestLateResultAfterTimeoutIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	swept, err := f.svc.SweepTimeouts(ctx, f.now.Add(time.Minute+time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, err := f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackResult, Response: json.RawMessage(`{"ok":true}`)})
	require.Error(t, err)
	require.True(t, IsLateCallback(err))
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	require.Equal(t, StatusTimeout, got.Status)

	stored, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, stored.Status)
	require.Nil(t, stored.Response)
	require.Contains(t, f.repo.auditActions(), "command.late_callback")
}

// staleReadRepo serves a snapshot taken before the sweep to the first read,
// as a callback racing the sweeper would observe it.
type staleReadRepo struct {
	*memoryRepo
	mu    sync.Mutex
	stale map[uuid.UUID]Command
}

func (r *staleReadRepo) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	r.mu.Lock()
	c, ok := r.stale[id]
	delete(r.stale, id)
	r.mu.Unlock()
	if ok {
		return c, nil
	}
	return r.memoryRepo.Get(ctx, id)
}

func TestResultRacingTimeoutSweepIsLate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	snapshot, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, snapshot.Status)

	swept, err := f.svc.SweepTimeouts(ctx, f.now.Add(time.Minute+time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	svc := NewService(Dependencies{
		Repo:       &staleReadRepo{memoryRepo: f.repo, stale: map[uuid.UUID]Command{cmd.ID: snapshot}},
		Authorizer: stubAuthorizer{},
		Agents:     agentMap{f.agent.ID: f.agent},
		Channel:    f.channel,
	}, Config{})
	svc.clock = func() time.Time { return f.now }

	got, err := svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackResult, Response: json.RawMessage(`{"ok":true}`)})
	require.True(t, IsLateCallback(err))
	require.Equal(t, cmd.ID, got.ID)
	require.Equal(t, StatusTimeout, got.Status)

	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, string(StatusTimeout), te.From)
	require.Equal(t, cmd.ID.String(), te.ID)
	require.Equal(t, []string{"command.queued", "command.sent", "command.timeout", "command.late_callback"}, f.repo.auditActions())

	stored, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Nil(t, stored.Response)
}

func TestResultBeforeAckPassesThroughExecuting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	got, err := f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackResult})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, []string{"command.queued", "command.sent", "command.executing", "command.completed"}, f.repo.auditActions())

	// A delayed acknowledgement for a completed command is late.
	_, err = f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackSentAck})
	require.True(t, IsLateCallback(err))
}

func TestDuplicateCallbackIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackSentAck})
		require.NoError(t, err)
		require.Equal(t, StatusExecuting, got.Status)
	}
	require.Len(t, f.repo.auditActions(), 3)
}

func TestAgentErrorFailsCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cmd := f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	got, err := f.svc.HandleCallback(ctx, Callback{CommandID: cmd.ID, Kind: CallbackError, Error: "service not found"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "service not found", got.Error)
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	queued := f.submit(t, authz.CommandStatusCheck)
	got, err := f.svc.Cancel(ctx, queued.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	sent := f.submit(t, authz.CommandStatusCheck)
	_, err = f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, sent.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	_, err = f.svc.Cancel(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeliveryFailureMarksFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.channel.err = errors.New("agent offline")
	cmd := f.submit(t, authz.CommandStatusCheck)

	sent, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Zero(t, sent)

	got, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.Error, "agent offline")
}

func TestDispatchOrdersByPriority(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	low := f.submit(t, authz.CommandStatusCheck)
	f.now = f.now.Add(time.Second)
	high := f.submit(t, authz.CommandProcessKill)

	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, f.channel.deliveries, 2)
	require.Equal(t, high.ID, f.channel.deliveries[0].CommandID)
	require.Equal(t, low.ID, f.channel.deliveries[1].CommandID)
}

func TestConcurrentSweepsAuditOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			n, err := f.svc.SweepTimeouts(gctx, f.now.Add(2*time.Minute))
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, total)

	timeouts := 0
	for _, a := range f.repo.auditActions() {
		if a == "command.timeout" {
			timeouts++
		}
	}
	require.Equal(t, 1, timeouts)
}

func TestSweepIgnoresCommandsBeforeDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, authz.CommandStatusCheck)
	_, err := f.svc.Dispatch(ctx, f.agent.ID)
	require.NoError(t, err)

	swept, err := f.svc.SweepTimeouts(ctx, f.now.Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, swept)
}

func newWindow(t *testing.T) *Window {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWindow(client, time.Hour)
}

func TestConcurrentIdempotentSubmitCreatesOneCommand(t *testing.T) {
	f := newFixture(t, newWindow(t))
	ctx := context.Background()

	ids := make([]uuid.UUID, 10)
	g, gctx := errgroup.WithContext(ctx)
	for i := range ids {
		i := i
		g.Go(func() error {
			cmd, _, err := f.svc.Submit(gctx, SubmitInput{
				PrincipalID:    1,
				AgentID:        f.agent.ID,
				Type:           authz.CommandRestartService,
				IdempotencyKey: "restart-nginx-1",
			})
			ids[i] = cmd.ID
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, f.repo.count())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestIdempotencyKeyReleasedAfterFailedInsert(t *testing.T) {
	f := newFixture(t, newWindow(t))
	ctx := context.Background()
	f.repo.failInsert = 1
	input := SubmitInput{PrincipalID: 1, AgentID: f.agent.ID, Type: authz.CommandStatusCheck, IdempotencyKey: "k1"}

	_, _, err := f.svc.Submit(ctx, input)
	require.Error(t, err)

	cmd, dup, err := f.svc.Submit(ctx, input)
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, 1, f.repo.count())

	again, dup, err := f.svc.Submit(ctx, input)
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, cmd.ID, again.ID)
}

func TestSubmitUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.Submit(context.Background(), SubmitInput{PrincipalID: 1, AgentID: uuid.New(), Type: authz.CommandStatusCheck})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Zero(t, f.repo.count())
}

func TestRedisChannelPutsUrgentFirst(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ch := NewRedisChannel(client, time.Hour)
	ctx := context.Background()
	agentID := uuid.New()

	routine := Delivery{CommandID: uuid.New(), AgentID: agentID, Type: authz.CommandStatusCheck, Priority: 1}
	urgent := Delivery{CommandID: uuid.New(), AgentID: agentID, Type: authz.CommandIsolateHost, Priority: 10}
	require.NoError(t, ch.Deliver(ctx, routine))
	require.NoError(t, ch.Deliver(ctx, urgent))

	items, err := client.LRange(ctx, QueueKey(agentID), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 2)
	var first Delivery
	require.NoError(t, json.Unmarshal([]byte(items[0]), &first))
	require.Equal(t, urgent.CommandID, first.CommandID)
}
