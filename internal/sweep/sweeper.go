// Package sweep runs the periodic maintenance pass: it reclaims idle
// workflow instances past their expiry and surfaces due review items to a
// notifier. Cadence is given as a cron expression.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/pkg/schema"
)

// DueNotifier receives the due review items found for one owner per tick.
// Satisfied by the API layer or a delivery mechanism; a nil notifier means
// due items are only logged.
type DueNotifier interface {
	NotifyDue(ctx context.Context, ownerID string, items []*schema.ReviewItem) error
}

// Sweeper drives the maintenance loop.
type Sweeper struct {
	store    store.Store
	notifier DueNotifier
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	now      func() time.Time
}

// New creates a Sweeper ticking on the given cron expression
// (standard five-field format, e.g. "*/5 * * * *").
func New(s store.Store, notifier DueNotifier, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return &Sweeper{
		store:    s,
		notifier: notifier,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the background loop. An initial pass runs immediately to
// recover work missed while the process was down.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	// Recovery pass before the first scheduled tick.
	s.Tick(ctx)

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass: expire idle instances, then report due
// review items per owner.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.now().UTC()

	reclaimed, err := s.store.Sweep(ctx, now)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		s.logger.Info("expired idle instances", slog.Int("count", reclaimed))
	}

	owners, err := s.store.ListOwnersWithDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list owners with due items", slog.String("error", err.Error()))
		return
	}

	for _, owner := range owners {
		items, err := s.store.ListDueItems(ctx, owner, now)
		if err != nil {
			s.logger.Error("failed to list due items",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(items) == 0 {
			continue
		}
		s.logger.Info("due review items",
			slog.String("owner_id", owner),
			slog.Int("count", len(items)),
		)
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyDue(ctx, owner, items); err != nil {
			s.logger.Error("due notification failed",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}
