// Package cleanup warns about and then revokes items that have gone quiet,
// so dormant connections stop accruing upstream billing.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/metrics"
	"github.com/MrJamesThe3rd/finsync/internal/notify"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
)

const warningTitle = "Plaid connection cleanup pending"

type Config struct {
	InactiveFor time.Duration
	Grace       time.Duration
}

type Summary struct {
	Notified int `json:"notified"`
	Removed  int `json:"removed"`
	Failures int `json:"failures"`
}

type Deps struct {
	Items    item.Repository
	Client   aggregator.Client
	Secrets  secret.Store
	Notifier notify.Notifier
	Audit    audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Sweeper struct {
	cfg      Config
	items    item.Repository
	client   aggregator.Client
	secrets  secret.Store
	notifier notify.Notifier
	audit    audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(cfg Config, d Deps) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		items:    d.Items,
		client:   d.Client,
		secrets:  d.Secrets,
		notifier: d.Notifier,
		audit:    d.Audit,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run makes one pass over inactive items. An item is warned first and revoked
// on a later pass once the grace period since the warning has elapsed.
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	now := s.now()

	s.metrics.Sweep("cleanup")

	candidates, err := s.items.ListCleanupCandidates(ctx, now.Add(-s.cfg.InactiveFor))
	if err != nil {
		return nil, fmt.Errorf("listing cleanup candidates: %w", err)
	}

	summary := &Summary{}

	for _, it := range candidates {
		log := s.logger.With("item_id", it.ItemID, "tenant_id", it.TenantID)

		switch {
		case it.CleanupNotifiedAt == nil:
			if err := s.warn(ctx, it, now); err != nil {
				log.Error("failed to warn about dormant item", "error", err)
				summary.Failures++

				continue
			}

			log.Info("dormant item warned")
			summary.Notified++

		case now.Sub(*it.CleanupNotifiedAt) < s.cfg.Grace:
			continue

		default:
			if err := s.revoke(ctx, it, now); err != nil {
				log.Error("failed to remove dormant item", "error", err)
				summary.Failures++

				if err := s.items.MarkCleanupFailed(ctx, it.TenantID, it.ID, err.Error(), now); err != nil {
					log.Error("failed to persist cleanup failure", "error", err)
				}

				continue
			}

			log.Info("dormant item removed")
			summary.Removed++
		}
	}

	s.metrics.Cleanup("notified", summary.Notified)
	s.metrics.Cleanup("removed", summary.Removed)
	s.metrics.Cleanup("failed", summary.Failures)

	return summary, nil
}

func (s *Sweeper) warn(ctx context.Context, it *item.Item, now time.Time) error {
	institution := it.InstitutionName
	if institution == "" {
		institution = "your institution"
	}

	_, err := s.notifier.Notify(ctx, &notify.Notification{
		TenantID: it.TenantID,
		EventKey: notify.CleanupWarningKey(it.ItemID),
		Title:    warningTitle,
		Message: fmt.Sprintf("We have not seen recent activity for %s. "+
			"Reconnect or the connection will be removed to reduce billing.", institution),
	})
	if err != nil {
		return fmt.Errorf("sending cleanup warning: %w", err)
	}

	if err := s.items.MarkCleanupNotified(ctx, it.TenantID, it.ID, now); err != nil {
		return fmt.Errorf("marking cleanup notified: %w", err)
	}

	return nil
}

func (s *Sweeper) revoke(ctx context.Context, it *item.Item, now time.Time) error {
	token, err := s.secrets.Get(ctx, it.SecretRef, it.TenantID)
	if err != nil {
		return fmt.Errorf("resolving access token: %w", err)
	}

	if err := s.client.RemoveItem(ctx, token); err != nil {
		return fmt.Errorf("removing upstream item: %w", err)
	}

	if err := s.items.MarkRemoved(ctx, it.TenantID, it.ID, now); err != nil {
		return fmt.Errorf("marking item removed: %w", err)
	}

	if err := s.secrets.Delete(ctx, it.SecretRef, it.TenantID); err != nil && !errors.Is(err, secret.ErrNotFound) {
		s.logger.Warn("failed to delete access token of removed item", "item_id", it.ItemID, "error", err)
	}

	err = s.audit.Record(ctx, &audit.Entry{
		TenantID: it.TenantID,
		Action:   audit.ActionCleanupRemoved,
		Source:   "backend",
		Metadata: map[string]any{
			"item_id":          it.ItemID,
			"institution_name": it.InstitutionName,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record cleanup audit entry", "item_id", it.ItemID, "error", err)
	}

	return nil
}
