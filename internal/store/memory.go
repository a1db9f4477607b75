package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rvidal/preceptor/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It holds canonically
// serialized copies so callers can never alias stored state. Suitable for
// tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	items     map[string][]byte
	logs      map[string][]*schema.ReviewLogEntry
	logSeq    map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		items:     make(map[string][]byte),
		logs:      make(map[string][]*schema.ReviewLogEntry),
		logSeq:    make(map[string]int64),
	}
}

// --- Snapshots ---

func (m *MemoryStore) CreateSnapshot(_ context.Context, snap *schema.WorkflowSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snapshots[snap.InstanceID]; exists {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "instance %q already exists", snap.InstanceID)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal snapshot").WithCause(err)
	}
	m.snapshots[snap.InstanceID] = raw
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, instanceID string) (*schema.WorkflowSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(instanceID)
}

func (m *MemoryStore) loadLocked(instanceID string) (*schema.WorkflowSnapshot, error) {
	raw, ok := m.snapshots[instanceID]
	if !ok {
		return nil, notFound("instance", instanceID)
	}
	snap := &schema.WorkflowSnapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal snapshot").WithCause(err)
	}
	return snap, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, instanceID string, expectedVersion int64, snap *schema.WorkflowSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.loadLocked(instanceID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return casConflict("instance", instanceID, expectedVersion, current.Version)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal snapshot").WithCause(err)
	}
	m.snapshots[instanceID] = raw
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]*schema.WorkflowSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*schema.WorkflowSnapshot
	for _, id := range ids {
		snap, err := m.loadLocked(id)
		if err != nil {
			return nil, err
		}
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		if filter.WorkflowType != "" && snap.WorkflowType != filter.WorkflowType {
			continue
		}
		out = append(out, snap)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for id := range m.snapshots {
		snap, err := m.loadLocked(id)
		if err != nil {
			return reclaimed, err
		}
		if snap.Status != schema.StatusActive || !snap.ExpiresAt.Before(olderThan) {
			continue
		}
		snap.Status = schema.StatusExpired
		snap.Version++
		snap.UpdatedAt = olderThan
		raw, err := json.Marshal(snap)
		if err != nil {
			return reclaimed, schema.NewError(schema.ErrCodeStore, "marshal snapshot").WithCause(err)
		}
		m.snapshots[id] = raw
		reclaimed++
	}
	return reclaimed, nil
}

// --- Review items ---

func (m *MemoryStore) CreateItem(_ context.Context, item *schema.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ItemID]; exists {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "item %q already exists", item.ItemID)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal item").WithCause(err)
	}
	m.items[item.ItemID] = raw
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, itemID string) (*schema.ReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(itemID)
}

func (m *MemoryStore) getItemLocked(itemID string) (*schema.ReviewItem, error) {
	raw, ok := m.items[itemID]
	if !ok {
		return nil, notFound("item", itemID)
	}
	item := &schema.ReviewItem{}
	if err := json.Unmarshal(raw, item); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal item").WithCause(err)
	}
	return item, nil
}

func (m *MemoryStore) CompareAndSwapItem(_ context.Context, itemID string, expectedVersion int64, item *schema.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.getItemLocked(itemID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return casConflict("item", itemID, expectedVersion, current.Version)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal item").WithCause(err)
	}
	m.items[itemID] = raw
	return nil
}

func (m *MemoryStore) ListDueItems(_ context.Context, ownerID string, now time.Time) ([]*schema.ReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*schema.ReviewItem
	for id := range m.items {
		item, err := m.getItemLocked(id)
		if err != nil {
			return nil, err
		}
		if item.OwnerID != ownerID || item.NextReviewAt.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextReviewAt.Equal(due[j].NextReviewAt) {
			return due[i].NextReviewAt.Before(due[j].NextReviewAt)
		}
		return due[i].ItemID < due[j].ItemID
	})
	return due, nil
}

func (m *MemoryStore) ListOwnersWithDue(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range m.items {
		item, err := m.getItemLocked(id)
		if err != nil {
			return nil, err
		}
		if item.NextReviewAt.After(now) {
			continue
		}
		seen[item.OwnerID] = struct{}{}
	}
	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

// --- Review log ---

func (m *MemoryStore) AppendReviewLog(_ context.Context, entry *schema.ReviewLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq[entry.ItemID]++
	cp := *entry
	cp.Sequence = m.logSeq[entry.ItemID]
	entry.Sequence = cp.Sequence
	m.logs[entry.ItemID] = append(m.logs[entry.ItemID], &cp)
	return nil
}

func (m *MemoryStore) ListReviewLog(_ context.Context, itemID string) ([]*schema.ReviewLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[itemID]
	out := make([]*schema.ReviewLogEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Helpers shared with the libsql implementation ---

func notFound(resource, id string) *schema.PreceptorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func casConflict(resource, id string, expected, actual int64) *schema.PreceptorError {
	return schema.NewErrorf(schema.ErrCodeConcurrentModify,
		"%s %q version mismatch: expected %d, found %d", resource, id, expected, actual).
		WithDetails(map[string]any{"expected_version": expected, "actual_version": actual})
}
