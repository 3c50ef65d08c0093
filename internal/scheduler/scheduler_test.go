package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
	"github.com/MrJamesThe3rd/finsync/internal/scheduler"
	"github.com/MrJamesThe3rd/finsync/internal/storage/memory"
)

// stubSyncer records the items it was asked to sync and answers from outcomes.
type stubSyncer struct {
	mu       sync.Mutex
	calls    []string
	triggers []itemsync.Trigger
	outcomes map[string]itemsync.Result
}

func (s *stubSyncer) Sync(_ context.Context, it *item.Item, trigger itemsync.Trigger) itemsync.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, it.ItemID)
	s.triggers = append(s.triggers, trigger)

	if res, ok := s.outcomes[it.ItemID]; ok {
		res.ItemID = it.ItemID
		return res
	}

	return itemsync.Result{ItemID: it.ItemID, Status: item.StatusActive}
}

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

// seed creates one item per entry and applies its mutation.
func seed(t *testing.T, items *memory.ItemStore, specs map[string]func(it *item.Item)) {
	t.Helper()

	tenantID := uuid.New()

	for upstreamID, mutate := range specs {
		it := &item.Item{
			TenantID:  tenantID,
			ItemID:    upstreamID,
			SecretRef: "sec_" + upstreamID,
			Status:    item.StatusActive,
			IsActive:  true,
		}
		require.NoError(t, items.Create(context.Background(), it))
		items.Mutate(it.ID, mutate)
	}
}

func fixtureItems(t *testing.T) *memory.ItemStore {
	items := memory.New().WithClock(func() time.Time { return now }).Items()

	seed(t, items, map[string]func(it *item.Item){
		"needed-old": func(it *item.Item) {
			it.Status = item.StatusSyncNeeded
			it.SyncNeededAt = ago(3 * time.Hour)
		},
		"needed-new": func(it *item.Item) {
			it.Status = item.StatusSyncNeeded
			it.SyncNeededAt = ago(time.Hour)
		},
		"failed": func(it *item.Item) {
			it.Status = item.StatusFailed
			it.SyncNeededAt = ago(2 * time.Hour)
			it.LastSyncedAt = ago(time.Hour)
		},
		"stale": func(it *item.Item) {
			it.LastSyncedAt = ago(12 * time.Hour)
		},
		"fresh": func(it *item.Item) {
			it.LastSyncedAt = ago(time.Hour)
		},
		"never-synced": func(*item.Item) {},
		"reauth": func(it *item.Item) {
			it.Status = item.StatusNeedsReauth
			it.LastSyncedAt = ago(48 * time.Hour)
		},
		"syncing": func(it *item.Item) {
			it.Status = item.StatusSyncing
			it.LastSyncedAt = ago(48 * time.Hour)
		},
		"removed": func(it *item.Item) {
			it.Status = item.StatusRemoved
			it.IsActive = false
			it.RemovedAt = ago(time.Hour)
		},
	})

	return items
}

func TestScheduler_ProcessDue_Selection(t *testing.T) {
	tests := []struct {
		name        string
		opts        scheduler.Options
		wantCalls   []string
		wantTrigger itemsync.Trigger
	}{
		{
			name:        "SyncNeededAndFailedOldestFirst",
			opts:        scheduler.Options{},
			wantCalls:   []string{"needed-old", "failed", "needed-new"},
			wantTrigger: itemsync.TriggerWebhook,
		},
		{
			name:        "BatchSizeBounds",
			opts:        scheduler.Options{BatchSize: 2},
			wantCalls:   []string{"needed-old", "failed"},
			wantTrigger: itemsync.TriggerWebhook,
		},
		{
			name:        "SafetyNetAddsStaleAndNeverSynced",
			opts:        scheduler.Options{IncludeSafetyNet: true},
			wantCalls:   []string{"needed-old", "failed", "needed-new", "stale", "never-synced"},
			wantTrigger: itemsync.TriggerSafetyNet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &stubSyncer{}
			s := scheduler.New(fixtureItems(t), syncer, 6*time.Hour, nil, slog.New(slog.DiscardHandler)).
				WithClock(func() time.Time { return now })

			summary, err := s.ProcessDue(context.Background(), tt.opts)
			require.NoError(t, err)

			if tt.opts.IncludeSafetyNet {
				// stale and never-synced share a null sync_needed_at, so only the
				// requested items have a fixed order.
				assert.Equal(t, tt.wantCalls[:3], syncer.calls[:3])
				assert.ElementsMatch(t, tt.wantCalls, syncer.calls)
			} else {
				assert.Equal(t, tt.wantCalls, syncer.calls)
			}

			assert.Equal(t, len(tt.wantCalls), summary.Processed)

			for _, trigger := range syncer.triggers {
				assert.Equal(t, tt.wantTrigger, trigger)
			}
		})
	}
}

func TestScheduler_ProcessDue_Aggregates(t *testing.T) {
	syncer := &stubSyncer{outcomes: map[string]itemsync.Result{
		"needed-old": {Status: item.StatusFailed, Error: "upstream 503"},
		"failed":     {Status: item.StatusNeedsReauth},
		"needed-new": {Status: item.StatusSyncNeeded, Skipped: true},
		"stale":      {Status: item.StatusActive, New: 3},
	}}

	s := scheduler.New(fixtureItems(t), syncer, 6*time.Hour, nil, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return now })

	summary, err := s.ProcessDue(context.Background(), scheduler.Options{IncludeSafetyNet: true})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ReauthNeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, summary.Results, 5)
}

func TestScheduler_ProcessDue_ReclaimsExpiredLease(t *testing.T) {
	items := memory.New().WithClock(func() time.Time { return now }).Items()

	seed(t, items, map[string]func(it *item.Item){
		"abandoned": func(it *item.Item) {
			it.Status = item.StatusSyncing
			it.LastSyncStartedAt = ago(2 * time.Hour)
		},
		"in-flight": func(it *item.Item) {
			it.Status = item.StatusSyncing
			it.LastSyncStartedAt = ago(5 * time.Minute)
		},
	})

	syncer := &stubSyncer{}
	s := scheduler.New(items, syncer, 6*time.Hour, nil, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return now }).
		WithLeaseTTL(30 * time.Minute)

	_, err := s.ProcessDue(context.Background(), scheduler.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"abandoned"}, syncer.calls)
}

type failingLister struct{}

func (failingLister) ListDue(context.Context, item.DueFilter) ([]*item.Item, error) {
	return nil, errors.New("connection refused")
}

func TestScheduler_ProcessDue_ListError(t *testing.T) {
	s := scheduler.New(failingLister{}, &stubSyncer{}, time.Hour, nil, slog.New(slog.DiscardHandler))

	_, err := s.ProcessDue(context.Background(), scheduler.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing due items")
}

func TestRunner_DoesNotOverlapRuns(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
		runs    atomic.Int32
	)

	job := scheduler.Job{
		Name:  "slow",
		Every: 5 * time.Millisecond,
		Run: func(context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)

			if n > peak.Load() {
				peak.Store(n)
			}

			runs.Add(1)
			time.Sleep(20 * time.Millisecond)

			return nil
		},
	}

	r := scheduler.NewRunner(slog.New(slog.DiscardHandler), time.Second, job, scheduler.Job{Name: "disabled"})
	r.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	r.Shutdown(time.Second)

	assert.Equal(t, int32(1), peak.Load())
}
