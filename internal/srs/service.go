package srs

import (
	"context"
	"log/slog"
	"time"

	"github.com/rvidal/preceptor/internal/logging"
	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/pkg/schema"
)

// casRetries bounds how often a lost item compare-and-swap is replayed
// before the conflict is surfaced to the caller.
const casRetries = 3

// Service persists SM-2 reviews. Items share the optimistic-concurrency
// discipline of workflow snapshots: each committed review bumps the item
// version by exactly 1, and every review appends one immutable log entry.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service over the given store.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger, now: time.Now}
}

// Review records one review of an item. The item is created on first
// review with the SM-2 initial state (repetition 0, ease 2.5, interval 0).
func (s *Service) Review(ctx context.Context, ownerID, itemID string, quality int) (*schema.ReviewItem, *schema.ReviewLogEntry, error) {
	ctx = logging.WithOwnerID(ctx, ownerID)
	now := s.now().UTC()

	var lastErr error
	for attempt := 0; attempt <= casRetries; attempt++ {
		item, err := s.store.GetItem(ctx, itemID)
		created := false
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			item = schema.NewReviewItem(itemID, ownerID, now)
			created = true
		} else if err != nil {
			return nil, nil, err
		}

		updated, entry, err := Review(*item, quality, now)
		if err != nil {
			return nil, nil, err
		}

		if created {
			updated.Version = 0
			err = s.store.CreateItem(ctx, &updated)
			// Lost the creation race: another reviewer inserted the item
			// first. Reload and replay against its state.
			if schema.IsCode(err, schema.ErrCodeAlreadyExists) {
				lastErr = err
				continue
			}
		} else {
			updated.Version = item.Version + 1
			err = s.store.CompareAndSwapItem(ctx, itemID, item.Version, &updated)
			if schema.IsCode(err, schema.ErrCodeConcurrentModify) {
				lastErr = err
				continue
			}
		}
		if err != nil {
			return nil, nil, err
		}

		if err := s.store.AppendReviewLog(ctx, &entry); err != nil {
			return nil, nil, err
		}

		s.logger.InfoContext(ctx, "review recorded",
			slog.String("item_id", itemID),
			slog.Int("quality", quality),
			slog.Int("interval_days", updated.IntervalDays),
			slog.Int("repetition", updated.Repetition),
		)
		return &updated, &entry, nil
	}
	return nil, nil, lastErr
}

// GetDue returns the owner's items due at or before now, oldest-due first,
// ties broken by item ID.
func (s *Service) GetDue(ctx context.Context, ownerID string, now time.Time) ([]*schema.ReviewItem, error) {
	return s.store.ListDueItems(ctx, ownerID, now.UTC())
}

// History returns an item's full review log in sequence order.
func (s *Service) History(ctx context.Context, itemID string) ([]*schema.ReviewLogEntry, error) {
	return s.store.ListReviewLog(ctx, itemID)
}
