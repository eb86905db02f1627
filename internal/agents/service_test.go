package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]Agent
	features map[uuid.UUID]map[string]FeatureState
	defs     []FeatureDefinition
	usage    map[int64]entitlements.Usage
	audits   []shared.AuditLog
	onLock   func(principalID int64)
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		agents:   make(map[uuid.UUID]Agent),
		features: make(map[uuid.UUID]map[string]FeatureState),
		defs:     append([]FeatureDefinition(nil), DefaultFeatureDefinitions...),
		usage:    make(map[int64]entitlements.Usage),
	}
}

// WithTx serializes callbacks the way the usage row lock does, and discards
// writes when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshotUsage := make(map[int64]entitlements.Usage, len(r.usage))
	for k, v := range r.usage {
		snapshotUsage[k] = v
	}
	audits := len(r.audits)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.usage = snapshotUsage
		r.audits = r.audits[:audits]
		return err
	}
	return nil
}

func (r *memoryRepo) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, shared.ErrNotFound
	}
	return a, nil
}

func (r *memoryRepo) ListAgents(ctx context.Context, ownerID int64) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Agent
	for _, a := range r.agents {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listFeatures(agentID), nil
}

func (r *memoryRepo) listFeatures(agentID uuid.UUID) []FeatureState {
	var out []FeatureState
	for _, st := range r.features[agentID] {
		out = append(out, st)
	}
	return out
}

func (r *memoryRepo) ListDefinitions(ctx context.Context) ([]FeatureDefinition, error) {
	return r.defs, nil
}

func (r *memoryRepo) feature(agentID uuid.UUID, slug string) FeatureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.features[agentID][slug]
}

func (tx *memoryTx) LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error) {
	if tx.repo.onLock != nil {
		tx.repo.onLock(principalID)
	}
	u := tx.repo.usage[principalID]
	u.PrincipalID = principalID
	return u, nil
}

func (tx *memoryTx) AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error {
	u := tx.repo.usage[principalID]
	switch kind {
	case entitlements.ResourceDevices:
		u.Devices += delta
	case entitlements.ResourceAPIKeys:
		u.APIKeys += delta
	}
	tx.repo.usage[principalID] = u
	return nil
}

func (tx *memoryTx) InsertAgent(ctx context.Context, agent Agent) error {
	tx.repo.agents[agent.ID] = agent
	return nil
}

func (tx *memoryTx) LockAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	a, ok := tx.repo.agents[id]
	if !ok {
		return Agent{}, shared.ErrNotFound
	}
	return a, nil
}

func (tx *memoryTx) MarkDecommissioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	a := tx.repo.agents[id]
	a.Status = StatusDecommissioned
	a.DecommissionedAt = &at
	tx.repo.agents[id] = a
	return nil
}

func (tx *memoryTx) ListOwnedAgents(ctx context.Context, ownerID int64) ([]Agent, error) {
	var out []Agent
	for _, a := range tx.repo.agents {
		if a.OwnerID == ownerID && a.Status == StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tx *memoryTx) ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error) {
	return tx.repo.listFeatures(agentID), nil
}

func (tx *memoryTx) UpsertFeature(ctx context.Context, st FeatureState) error {
	if tx.repo.features[st.AgentID] == nil {
		tx.repo.features[st.AgentID] = make(map[string]FeatureState)
	}
	tx.repo.features[st.AgentID][st.Feature] = st
	return nil
}

func (tx *memoryTx) UpsertDefinition(ctx context.Context, def FeatureDefinition) error {
	for i, d := range tx.repo.defs {
		if d.Slug == def.Slug {
			tx.repo.defs[i] = def
			return nil
		}
	}
	tx.repo.defs = append(tx.repo.defs, def)
	return nil
}

func (tx *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

type staticEntitlements map[int64]entitlements.Entitlements

func (s staticEntitlements) EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error) {
	if ent, ok := s[principalID]; ok {
		return ent, nil
	}
	return entitlements.Entitlements{PrincipalID: principalID, Plan: plan("free"), Fallback: true}, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func plan(slug string) entitlements.Plan {
	for _, p := range entitlements.DefaultPlans {
		if p.Slug == slug {
			return p
		}
	}
	panic("unknown plan " + slug)
}

func TestRegisterSecondDeviceOnFreePlanIsDenied(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, staticEntitlements{}, audit, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{OwnerID: 5, Hostname: "web-01", ActorID: 5})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{OwnerID: 5, Hostname: "web-02", ActorID: 5})
	var limitErr *shared.LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, int64(1), limitErr.Current)
	require.Equal(t, int64(1), limitErr.Max)

	require.Len(t, repo.agents, 1, "denial happens before mutation")
	require.Equal(t, int64(1), repo.usage[5].Devices)
	require.Len(t, audit.entries, 1)
	require.Equal(t, shared.DecisionDeny, audit.entries[0].Decision)
}

func TestRegisterUsesPlanInForceAtLock(t *testing.T) {
	repo := newMemoryRepo()
	ents := staticEntitlements{11: {PrincipalID: 11, Plan: plan("basic")}}
	svc := NewService(repo, ents, &memoryAudit{}, nil)
	ctx := context.Background()

	for _, host := range []string{"web-01", "web-02"} {
		_, err := svc.Register(ctx, RegisterInput{OwnerID: 11, Hostname: host, ActorID: 11})
		require.NoError(t, err)
	}

	// A downgrade commits while the registration waits for the usage row.
	repo.onLock = func(principalID int64) {
		ents[principalID] = entitlements.Entitlements{PrincipalID: principalID, Plan: plan("free")}
	}
	_, err := svc.Register(ctx, RegisterInput{OwnerID: 11, Hostname: "web-03", ActorID: 11})
	var limitErr *shared.LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, int64(1), limitErr.Max)
	require.Equal(t, int64(2), repo.usage[11].Devices)
}

func TestConcurrentRegistrationsRespectLimit(t *testing.T) {
	repo := newMemoryRepo()
	ents := staticEntitlements{9: {PrincipalID: 9, Plan: plan("basic")}}
	svc := NewService(repo, ents, &memoryAudit{}, nil)

	var g errgroup.Group
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.Register(context.Background(), RegisterInput{OwnerID: 9, Hostname: "node", ActorID: 9})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return nil
			}
			if errors.Is(err, shared.ErrLimitExceeded) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 5, succeeded)
	require.Equal(t, int64(5), repo.usage[9].Devices)
}

func TestUnlimitedPlanNeverDeniesOnCount(t *testing.T) {
	repo := newMemoryRepo()
	repo.usage[3] = entitlements.Usage{Devices: 10_000}
	svc := NewService(repo, staticEntitlements{3: {PrincipalID: 3, Plan: plan("enterprise")}}, nil, nil)
	_, err := svc.Register(context.Background(), RegisterInput{OwnerID: 3, Hostname: "10.0.0.7", ActorID: 3})
	require.NoError(t, err)
}

func TestRegisterSeedsFeaturesFromPlan(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, staticEntitlements{4: {PrincipalID: 4, Plan: plan("professional")}}, nil, nil)
	agent, err := svc.Register(context.Background(), RegisterInput{OwnerID: 4, Hostname: "db-1", ActorID: 4})
	require.NoError(t, err)

	monitoring := repo.feature(agent.ID, entitlements.FeatureRealtimeMonitoring)
	require.True(t, monitoring.IsEnabled, "auto-enabled feature")
	files := repo.feature(agent.ID, entitlements.FeatureFileScanning)
	require.True(t, files.IsAvailable)
	require.False(t, files.IsEnabled, "opt-in feature stays off")
	forensics := repo.feature(agent.ID, entitlements.FeatureForensics)
	require.False(t, forensics.IsAvailable)
}

func TestDecommissionReleasesSlot(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, staticEntitlements{}, nil, nil)
	ctx := context.Background()
	agent, err := svc.Register(ctx, RegisterInput{OwnerID: 5, Hostname: "web-01", ActorID: 5})
	require.NoError(t, err)

	require.NoError(t, svc.Decommission(ctx, agent.ID, 5))
	require.Equal(t, int64(0), repo.usage[5].Devices)

	err = svc.Decommission(ctx, agent.ID, 5)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	_, err = svc.Register(ctx, RegisterInput{OwnerID: 5, Hostname: "web-02", ActorID: 5})
	require.NoError(t, err)
}

func TestSyncFeaturesOnDowngradeAndUpgrade(t *testing.T) {
	repo := newMemoryRepo()
	ents := staticEntitlements{6: {PrincipalID: 6, Plan: plan("professional")}}
	svc := NewService(repo, ents, nil, nil)
	ctx := context.Background()
	agent, err := svc.Register(ctx, RegisterInput{OwnerID: 6, Hostname: "app-1", ActorID: 6})
	require.NoError(t, err)

	_, err = svc.SetFeature(ctx, SetFeatureInput{AgentID: agent.ID, Feature: entitlements.FeatureFileScanning, Enabled: true, ActorID: 6})
	require.NoError(t, err)

	require.NoError(t, svc.SyncFeatures(ctx, 6, entitlements.Entitlements{PrincipalID: 6, Plan: plan("basic")}))
	files := repo.feature(agent.ID, entitlements.FeatureFileScanning)
	require.False(t, files.IsAvailable)
	require.False(t, files.IsEnabled, "unavailable features are force-disabled")

	require.NoError(t, svc.SyncFeatures(ctx, 6, entitlements.Entitlements{PrincipalID: 6, Plan: plan("enterprise")}))
	files = repo.feature(agent.ID, entitlements.FeatureFileScanning)
	require.True(t, files.IsAvailable)
	require.False(t, files.IsEnabled, "opt-in features need a user action after upgrade")
	isolation := repo.feature(agent.ID, entitlements.FeatureNetworkIsolation)
	require.True(t, isolation.IsAvailable)
	require.False(t, isolation.IsEnabled)
}

func TestSetFeatureBeyondPlanIsDenied(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, staticEntitlements{}, audit, nil)
	ctx := context.Background()
	agent, err := svc.Register(ctx, RegisterInput{OwnerID: 5, Hostname: "web-01", ActorID: 5})
	require.NoError(t, err)

	_, err = svc.SetFeature(ctx, SetFeatureInput{AgentID: agent.ID, Feature: entitlements.FeatureForensics, Enabled: true, ActorID: 5})
	var subErr *shared.SubscriptionError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, "enterprise", subErr.MinimumTier)
	require.Equal(t, "free", subErr.CurrentTier)
	require.Len(t, audit.entries, 1)

	// Disabling an allowed feature is always possible.
	st, err := svc.SetFeature(ctx, SetFeatureInput{AgentID: agent.ID, Feature: entitlements.FeatureRealtimeMonitoring, Enabled: false, ActorID: 5})
	require.NoError(t, err)
	require.True(t, st.IsAvailable)
	require.False(t, st.IsEnabled)
}

func TestReconcileKeepsUserChoice(t *testing.T) {
	id := uuid.New()
	ent := entitlements.Entitlements{Plan: plan("professional")}
	current := []FeatureState{{AgentID: id, Feature: entitlements.FeatureRealtimeMonitoring, IsAvailable: true, IsEnabled: false}}
	for _, st := range Reconcile(id, DefaultFeatureDefinitions, current, ent) {
		require.NotEqual(t, entitlements.FeatureRealtimeMonitoring, st.Feature)
	}
}
