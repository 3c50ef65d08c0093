package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrDuplicateEvent   = errors.New("duplicate webhook event")
)

// Outcome is the result of ingesting one webhook delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Payload is the subset of an aggregator webhook body the ingestor reads.
type Payload struct {
	WebhookID   string          `json:"webhook_id"`
	WebhookType string          `json:"webhook_type"`
	WebhookCode string          `json:"webhook_code"`
	ItemID      string          `json:"item_id"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// ParsePayload decodes raw as a JSON object.
func ParsePayload(raw []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedPayload
	}

	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	p.WebhookID = strings.TrimSpace(p.WebhookID)
	p.ItemID = strings.TrimSpace(p.ItemID)

	return &p, nil
}

// DedupeKey identifies a delivery: the hash of the upstream webhook id when
// present, else the hash of the raw body.
func DedupeKey(p *Payload, raw []byte) string {
	var sum [sha256.Size]byte
	if p.WebhookID != "" {
		sum = sha256.Sum256([]byte(p.WebhookID))
	} else {
		sum = sha256.Sum256(raw)
	}

	return hex.EncodeToString(sum[:])
}

// Event is the stored record of one webhook delivery.
type Event struct {
	ID                uuid.UUID
	DedupeKey         string
	ItemID            string
	WebhookType       string
	WebhookCode       string
	SignatureVerified bool
	Payload           []byte
	ReceivedAt        time.Time
}

type Repository interface {
	// InsertEvent returns ErrDuplicateEvent when the dedupe key already exists.
	InsertEvent(ctx context.Context, event *Event) error
}

// ItemMarker flags the item an accepted webhook names.
type ItemMarker interface {
	MarkSyncNeeded(ctx context.Context, upstreamItemID string, at time.Time) (bool, error)
}
