// Package scheduler selects due items and runs sync passes over them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
	"github.com/MrJamesThe3rd/finsync/internal/metrics"
)

const DefaultBatchSize = 25

// DueLister is the part of the item registry the scheduler reads.
type DueLister interface {
	ListDue(ctx context.Context, filter item.DueFilter) ([]*item.Item, error)
}

type Syncer interface {
	Sync(ctx context.Context, it *item.Item, trigger itemsync.Trigger) itemsync.Result
}

type Options struct {
	IncludeSafetyNet bool
	BatchSize        int
}

type Summary struct {
	Processed    int               `json:"processed"`
	Success      int               `json:"success"`
	Failed       int               `json:"failed"`
	ReauthNeeded int               `json:"reauth_needed"`
	Skipped      int               `json:"skipped"`
	Results      []itemsync.Result `json:"results"`
}

func (s *Summary) add(res itemsync.Result) {
	s.Processed++
	s.Results = append(s.Results, res)

	switch {
	case res.Skipped:
		s.Skipped++
	case res.Status == item.StatusActive:
		s.Success++
	case res.Status == item.StatusNeedsReauth:
		s.ReauthNeeded++
	default:
		s.Failed++
	}
}

type Scheduler struct {
	items           DueLister
	syncer          Syncer
	safetyNetWindow time.Duration
	leaseTTL        time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

func New(items DueLister, syncer Syncer, safetyNetWindow time.Duration, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		items:           items,
		syncer:          syncer,
		safetyNetWindow: safetyNetWindow,
		metrics:         m,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithLeaseTTL makes items left in syncing for longer than ttl due again.
func (s *Scheduler) WithLeaseTTL(ttl time.Duration) *Scheduler {
	s.leaseTTL = ttl
	return s
}

// ProcessDue runs one sync pass per due item, oldest request first. Items run
// sequentially and one item's failure does not stop the batch.
func (s *Scheduler) ProcessDue(ctx context.Context, opts Options) (*Summary, error) {
	limit := opts.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	trigger := itemsync.TriggerWebhook
	sweep := "process_due"

	if opts.IncludeSafetyNet {
		trigger = itemsync.TriggerSafetyNet
		sweep = "safety_net"
	}

	s.metrics.Sweep(sweep)

	now := s.now()
	filter := item.DueFilter{
		IncludeSafetyNet: opts.IncludeSafetyNet,
		StaleBefore:      now.Add(-s.safetyNetWindow),
		Limit:            limit,
	}

	if s.leaseTTL > 0 {
		filter.LeaseExpiredBefore = now.Add(-s.leaseTTL)
	}

	due, err := s.items.ListDue(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing due items: %w", err)
	}

	summary := &Summary{Results: make([]itemsync.Result, 0, len(due))}

	for _, it := range due {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("stopping batch early", "remaining", len(due)-summary.Processed, "error", err)
			break
		}

		summary.add(s.syncer.Sync(ctx, it, trigger))
	}

	s.logger.Info("processed due items",
		"sweep", sweep,
		"processed", summary.Processed,
		"success", summary.Success,
		"failed", summary.Failed,
		"reauth_needed", summary.ReauthNeeded,
		"skipped", summary.Skipped,
	)

	return summary, nil
}
