package sweep

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/pkg/schema"
)

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: make(map[string][]string)}
}

func (n *recordingNotifier) NotifyDue(_ context.Context, ownerID string, items []*schema.ReviewItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, item := range items {
		n.calls[ownerID] = append(n.calls[ownerID], item.ItemID)
	}
	return nil
}

func newTestSweeper(t *testing.T, st store.Store, n DueNotifier) *Sweeper {
	t.Helper()
	s, err := New(st, n, "*/5 * * * *", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	s.now = func() time.Time { return sweepNow }
	return s
}

func TestNew_RejectsBadCron(t *testing.T) {
	_, err := New(store.NewMemoryStore(), nil, "every five minutes",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestTick_ExpiresIdleInstances(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	idle := &schema.WorkflowSnapshot{
		InstanceID:   "idle-1",
		WorkflowType: schema.WorkflowQuizSession,
		ActiveRole:   schema.RoleTutor,
		Status:       schema.StatusActive,
		ExpiresAt:    sweepNow.Add(-time.Hour),
	}
	require.NoError(t, st.CreateSnapshot(ctx, idle))

	s := newTestSweeper(t, st, nil)
	s.Tick(ctx)

	got, err := st.LoadSnapshot(ctx, "idle-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusExpired, got.Status)
}

func TestTick_ReportsDueItemsPerOwner(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-1", "owner-a", sweepNow.AddDate(0, 0, -2))))
	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-2", "owner-a", sweepNow.AddDate(0, 0, -1))))
	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-3", "owner-b", sweepNow.AddDate(0, 0, -1))))
	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-4", "owner-b", sweepNow.AddDate(0, 0, 3))))

	n := newRecordingNotifier()
	s := newTestSweeper(t, st, n)
	s.Tick(ctx)

	assert.Equal(t, []string{"item-1", "item-2"}, n.calls["owner-a"])
	assert.Equal(t, []string{"item-3"}, n.calls["owner-b"])
}

func TestTick_NilNotifier(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-1", "owner-a", sweepNow.AddDate(0, 0, -1))))

	s := newTestSweeper(t, st, nil)
	assert.NotPanics(t, func() { s.Tick(ctx) })
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	n := newRecordingNotifier()
	ctx := context.Background()
	require.NoError(t, st.CreateItem(ctx, schema.NewReviewItem("item-1", "owner-a", sweepNow.AddDate(0, 0, -1))))

	// Real clock: the recovery pass runs immediately and the first
	// scheduled tick stays in the future.
	s, err := New(st, n, "*/5 * * * *", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	// Start runs a recovery pass before the first scheduled tick.
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.calls["owner-a"]) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // idempotent
}

func TestStart_Twice(t *testing.T) {
	s, err := New(store.NewMemoryStore(), nil, "*/5 * * * *",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
