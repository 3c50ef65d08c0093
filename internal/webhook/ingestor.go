package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrJamesThe3rd/finsync/internal/metrics"
)

type Ingestor struct {
	verifier *Verifier
	repo     Repository
	items    ItemMarker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewIngestor(verifier *Verifier, repo Repository, items ItemMarker, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		repo:     repo,
		items:    items,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// Ingest records a delivery once per dedupe key and flags the item it names.
// Redeliveries are reported as OutcomeDuplicate with no side effects.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, headers http.Header) (Outcome, error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		in.metrics.WebhookReceived("malformed")
		return "", err
	}

	verified, err := in.verifier.Verify(ctx, raw, headers)
	if err != nil {
		in.metrics.WebhookReceived("rejected")
		return "", err
	}

	event := &Event{
		DedupeKey:         DedupeKey(payload, raw),
		ItemID:            payload.ItemID,
		WebhookType:       payload.WebhookType,
		WebhookCode:       payload.WebhookCode,
		SignatureVerified: verified,
		Payload:           raw,
		ReceivedAt:        in.now(),
	}

	if err := in.repo.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			in.logger.Info("ignoring duplicate webhook", "dedupe_key", event.DedupeKey)
			in.metrics.WebhookReceived(string(OutcomeDuplicate))

			return OutcomeDuplicate, nil
		}

		return "", fmt.Errorf("storing webhook event: %w", err)
	}

	in.metrics.WebhookReceived(string(OutcomeAccepted))

	if payload.ItemID == "" {
		return OutcomeAccepted, nil
	}

	// The event is already stored, so a redelivery would be dropped as a
	// duplicate; a failed mark is left to the safety-net sweep.
	marked, err := in.items.MarkSyncNeeded(ctx, payload.ItemID, event.ReceivedAt)
	if err != nil {
		in.logger.Error("failed to mark item sync needed", "item_id", payload.ItemID, "error", err)
		return OutcomeAccepted, nil
	}

	if !marked {
		in.logger.Info("webhook for unknown item", "item_id", payload.ItemID, "webhook_code", payload.WebhookCode)
	}

	return OutcomeAccepted, nil
}
