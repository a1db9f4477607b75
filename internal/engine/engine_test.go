package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvidal/preceptor/internal/capability"
	"github.com/rvidal/preceptor/internal/definition"
	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/pkg/schema"
)

var engineNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		CapabilityTimeout: time.Second,
		RetryBackoff:      time.Millisecond,
	}
}

// scripted returns a capability that replays a fixed sequence of deltas,
// repeating the last one once exhausted.
func scripted(role schema.Role, deltas ...*schema.Delta) capability.Capability {
	var mu sync.Mutex
	i := 0
	return capability.Func{
		ForRole: role,
		Fn: func(_ context.Context, _ capability.Request) (*schema.Delta, error) {
			mu.Lock()
			defer mu.Unlock()
			d := deltas[i]
			if i < len(deltas)-1 {
				i++
			}
			return d, nil
		},
	}
}

func newTestEngine(t *testing.T, caps ...capability.Capability) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := capability.NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	e := New(st, reg, definition.NewRegistry(), discardLogger(), testConfig())
	e.now = func() time.Time { return engineNow }
	return e, st
}

// --- Start ---

func TestStart_FirstTurn(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{
			NextRole: schema.RoleTutor,
			Message:  "Let's look at goroutines.",
			NewVariables: map[string]any{
				"intent": "explain_concept",
			},
		}),
	)

	res, err := e.Start(context.Background(), schema.WorkflowExplanation, "explain goroutines")
	require.NoError(t, err)

	assert.Equal(t, "Let's look at goroutines.", res.Message)
	snap := res.Snapshot
	assert.Equal(t, schema.RoleTutor, snap.ActiveRole)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 1, snap.HopCount)
	assert.Equal(t, schema.StatusActive, snap.Status)
	assert.Equal(t, "explain_concept", snap.Variables["intent"])

	require.Len(t, snap.History, 2)
	assert.Equal(t, schema.RoleLearner, snap.History[0].Role)
	assert.Equal(t, "explain goroutines", snap.History[0].Content)
	assert.Equal(t, schema.RoleOrchestrator, snap.History[1].Role)
}

func TestStart_UnknownWorkflowType(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Start(context.Background(), "unheard_of", "hello")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
}

func TestStart_PersistsSnapshot(t *testing.T) {
	e, st := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "hi"}),
	)

	res, err := e.Start(context.Background(), schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)

	stored, err := st.LoadSnapshot(context.Background(), res.Snapshot.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Version, stored.Version)
	assert.Equal(t, res.Snapshot.ActiveRole, stored.ActiveRole)
	assert.Len(t, stored.History, 2)
}

// --- Advance ---

func TestAdvance_HandsOffBetweenRoles(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing to tutor"}),
		scripted(schema.RoleTutor, &schema.Delta{NextRole: schema.RoleCritic, Message: "here is question one"}),
		scripted(schema.RoleCritic, &schema.Delta{NextRole: schema.RoleTutor, Message: "answer accepted"}),
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowQuizSession, "quiz me on slices")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID

	res, err = e.Advance(ctx, id, "ready")
	require.NoError(t, err)
	assert.Equal(t, "here is question one", res.Message)
	assert.Equal(t, schema.RoleCritic, res.Snapshot.ActiveRole)
	assert.Equal(t, int64(2), res.Snapshot.Version)
	require.Len(t, res.Snapshot.History, 4)
	assert.Equal(t, schema.RoleLearner, res.Snapshot.History[2].Role)
	assert.Equal(t, schema.RoleTutor, res.Snapshot.History[3].Role)

	res, err = e.Advance(ctx, id, "my answer is len(s)")
	require.NoError(t, err)
	assert.Equal(t, schema.RoleTutor, res.Snapshot.ActiveRole)
	assert.Equal(t, int64(3), res.Snapshot.Version)
	assert.Len(t, res.Snapshot.History, 6)
}

func TestAdvance_EmptyInputRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Advance(context.Background(), "some-id", "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
}

func TestAdvance_UnknownInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Advance(context.Background(), "missing", "hello")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAdvance_HistoryOnlyGrows(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "go"}),
		scripted(schema.RoleTutor, &schema.Delta{NextRole: schema.RoleTutor, Message: "more"}),
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowExplanation, "explain channels")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID

	prev := len(res.Snapshot.History)
	for i := 0; i < 4; i++ {
		res, err = e.Advance(ctx, id, "go on")
		require.NoError(t, err)
		assert.Greater(t, len(res.Snapshot.History), prev)
		prev = len(res.Snapshot.History)
	}
}

// --- Completion and cancellation ---

func TestAdvance_TerminalCompletesInstance(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
		scripted(schema.RoleTutor, &schema.Delta{Terminal: true, Message: "That covers everything."}),
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowExplanation, "explain defer")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID

	res, err = e.Advance(ctx, id, "thanks")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, res.Snapshot.Status)
	assert.Equal(t, schema.RoleTerminal, res.Snapshot.ActiveRole)

	_, err = e.Advance(ctx, id, "one more thing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestCancel(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID

	snap, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, snap.Status)
	assert.Equal(t, res.Snapshot.Version+1, snap.Version)

	_, err = e.Cancel(ctx, id)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))

	_, err = e.Advance(ctx, id, "still there?")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

// --- Failure recovery ---

func TestAdvance_CapabilityFailureReroutesToOrchestrator(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
		capability.Func{
			ForRole: schema.RoleTutor,
			Fn: func(context.Context, capability.Request) (*schema.Delta, error) {
				return nil, schema.NewError(schema.ErrCodeValidation, "model rejected the prompt")
			},
		},
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID

	res, err = e.Advance(ctx, id, "ready")
	require.NoError(t, err)
	assert.Equal(t, schema.RoleOrchestrator, res.Snapshot.ActiveRole)
	assert.Contains(t, res.Message, "could not complete")
	last := res.Snapshot.History[len(res.Snapshot.History)-1]
	assert.Equal(t, schema.RoleTutor, last.Role)
}

func TestAdvance_RetriesRetryableCapabilityErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	e, _ := newTestEngine(t,
		capability.Func{
			ForRole: schema.RoleOrchestrator,
			Fn: func(context.Context, capability.Request) (*schema.Delta, error) {
				mu.Lock()
				defer mu.Unlock()
				calls++
				if calls < 3 {
					return nil, schema.NewError(schema.ErrCodeTimeout, "upstream timed out")
				}
				return &schema.Delta{NextRole: schema.RoleTutor, Message: "finally"}, nil
			},
		},
	)

	res, err := e.Start(context.Background(), schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Message)
	assert.Equal(t, 3, calls)
	assert.Equal(t, schema.RoleTutor, res.Snapshot.ActiveRole)
}

// --- Loop prevention ---

func TestAdvance_HopCeilingForcesOrchestrator(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
		scripted(schema.RoleTutor, &schema.Delta{NextRole: schema.RoleCritic, Message: "bouncing"}),
		scripted(schema.RoleCritic, &schema.Delta{NextRole: schema.RoleTutor, Message: "bouncing back"}),
	)
	require.NoError(t, e.defs.Register(&definition.WorkflowType{
		Name:     "ping_pong",
		Roles:    []schema.Role{schema.RoleTutor, schema.RoleCritic},
		HopLimit: 2,
	}))
	ctx := context.Background()

	res, err := e.Start(ctx, "ping_pong", "start")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID
	assert.Equal(t, schema.RoleTutor, res.Snapshot.ActiveRole)

	res, err = e.Advance(ctx, id, "go")
	require.NoError(t, err)
	assert.Equal(t, schema.RoleCritic, res.Snapshot.ActiveRole)
	assert.Equal(t, 2, res.Snapshot.HopCount)

	// The next transition would exceed the ceiling.
	res, err = e.Advance(ctx, id, "go again")
	require.NoError(t, err)
	assert.Equal(t, schema.RoleOrchestrator, res.Snapshot.ActiveRole)
	assert.Equal(t, true, res.Snapshot.Variables[schema.VarEmergencyIntervention])
	assert.Equal(t, schema.StatusActive, res.Snapshot.Status)
}

// --- Optimistic concurrency ---

// racingStore fails the first n snapshot CAS attempts after mutating the
// stored snapshot, simulating a concurrent writer winning the race.
type racingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (r *racingStore) CompareAndSwap(ctx context.Context, instanceID string, expectedVersion int64, snap *schema.WorkflowSnapshot) error {
	r.mu.Lock()
	inject := r.conflicts > 0
	if inject {
		r.conflicts--
	}
	r.mu.Unlock()

	if inject {
		current, err := r.Store.LoadSnapshot(ctx, instanceID)
		if err != nil {
			return err
		}
		winner := current.Clone()
		winner.Version++
		if err := r.Store.CompareAndSwap(ctx, instanceID, current.Version, winner); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConcurrentModify,
			"instance %q version mismatch", instanceID)
	}
	return r.Store.CompareAndSwap(ctx, instanceID, expectedVersion, snap)
}

func TestAdvance_ReplaysLostCompareAndSwap(t *testing.T) {
	var mu sync.Mutex
	invocations := 0

	mem := store.NewMemoryStore()
	rs := &racingStore{Store: mem}

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Func{
		ForRole: schema.RoleOrchestrator,
		Fn: func(context.Context, capability.Request) (*schema.Delta, error) {
			mu.Lock()
			defer mu.Unlock()
			invocations++
			return &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}, nil
		},
	}))
	require.NoError(t, reg.Register(
		scripted(schema.RoleTutor, &schema.Delta{NextRole: schema.RoleTutor, Message: "teaching"}),
	))

	e := New(rs, reg, definition.NewRegistry(), discardLogger(), testConfig())
	e.now = func() time.Time { return engineNow }
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)
	id := res.Snapshot.InstanceID
	require.Equal(t, 1, invocations)

	rs.mu.Lock()
	rs.conflicts = 1
	rs.mu.Unlock()

	res, err = e.Advance(ctx, id, "ready")
	require.NoError(t, err)

	// The turn replayed against the winner's snapshot.
	stored, err := mem.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Version, stored.Version)
	assert.Equal(t, int64(3), stored.Version) // start + injected winner + replayed turn
}

func TestAdvance_SurfacesConflictAfterRetriesExhausted(t *testing.T) {
	mem := store.NewMemoryStore()
	rs := &racingStore{Store: mem, conflicts: 1000}

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
	))

	e := New(rs, reg, definition.NewRegistry(), discardLogger(), testConfig())
	e.now = func() time.Time { return engineNow }

	_, err := e.Start(context.Background(), schema.WorkflowQuizSession, "quiz me")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConcurrentModify))
}

// --- GetState ---

func TestGetState(t *testing.T) {
	e, _ := newTestEngine(t,
		scripted(schema.RoleOrchestrator, &schema.Delta{NextRole: schema.RoleTutor, Message: "routing"}),
	)
	ctx := context.Background()

	res, err := e.Start(ctx, schema.WorkflowQuizSession, "quiz me")
	require.NoError(t, err)

	snap, err := e.GetState(ctx, res.Snapshot.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Version, snap.Version)

	_, err = e.GetState(ctx, "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
