package transaction

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("transaction not found")

// SourceAggregator marks rows written by the sync engine.
const SourceAggregator = "plaid"

// Transaction is a normalized ledger row of a local account.
type Transaction struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	AccountID    uuid.UUID
	ExternalID   string
	Date         time.Time
	Amount       int64 // Amount in cents, outflows negative
	Currency     string
	Category     string
	MerchantName string
	Description  string
	IsManual     bool
	Archived     bool
	Provenance   Provenance
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// Provenance is stored as raw_json and records where a synced row came from.
type Provenance struct {
	Source            string          `json:"source"`
	ItemID            string          `json:"item_id"`
	UpstreamAccountID string          `json:"upstream_account_id"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	SourceRemoved     bool            `json:"source_removed,omitempty"`
	RemovedAt         *time.Time      `json:"removed_at,omitempty"`
}
