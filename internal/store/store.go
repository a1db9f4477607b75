package store

import (
	"context"
	"time"

	"github.com/rvidal/preceptor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Writes to snapshots and review items are arbitrated by optimistic
// concurrency: CompareAndSwap succeeds only when the caller read the
// version it passes as expected, and the new value carries expected+1.
type Store interface {
	// Workflow snapshots
	CreateSnapshot(ctx context.Context, snap *schema.WorkflowSnapshot) error
	LoadSnapshot(ctx context.Context, instanceID string) (*schema.WorkflowSnapshot, error)
	CompareAndSwap(ctx context.Context, instanceID string, expectedVersion int64, snap *schema.WorkflowSnapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.WorkflowSnapshot, error)
	// Sweep marks Active instances whose expires_at is before olderThan as
	// Expired and returns the number of instances reclaimed. Each mark bumps
	// the version so in-flight writers lose their CAS.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)

	// Review items
	CreateItem(ctx context.Context, item *schema.ReviewItem) error
	GetItem(ctx context.Context, itemID string) (*schema.ReviewItem, error)
	CompareAndSwapItem(ctx context.Context, itemID string, expectedVersion int64, item *schema.ReviewItem) error
	// ListDueItems returns items with next_review_at <= now, ordered by
	// next_review_at ascending, ties broken by item_id.
	ListDueItems(ctx context.Context, ownerID string, now time.Time) ([]*schema.ReviewItem, error)
	// ListOwnersWithDue returns the distinct owners that have at least one
	// due item, sorted for determinism.
	ListOwnersWithDue(ctx context.Context, now time.Time) ([]string, error)

	// Review log (append-only)
	AppendReviewLog(ctx context.Context, entry *schema.ReviewLogEntry) error
	ListReviewLog(ctx context.Context, itemID string) ([]*schema.ReviewLogEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SnapshotFilter specifies criteria for listing workflow snapshots.
type SnapshotFilter struct {
	Status       *schema.WorkflowStatus
	WorkflowType string
	Limit        int
}
