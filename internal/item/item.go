package item

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("item not found")

	// ErrBusy is returned when an item cannot be claimed for a sync pass because
	// another pass holds it or its status forbids syncing.
	ErrBusy = errors.New("item is not claimable")

	// ErrAlreadyLinked is returned when the tenant already has an active item for
	// the same upstream item id.
	ErrAlreadyLinked = errors.New("item already linked")

	// ErrUpstreamAccountClaimed is returned when an upstream account id is already
	// mapped to another local account of the tenant.
	ErrUpstreamAccountClaimed = errors.New("upstream account already claimed")

	// ErrAccountAlreadyLinked is returned when a local account is linked to the same item twice.
	ErrAccountAlreadyLinked = errors.New("account already linked to item")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the sync lifecycle state of a linked item.
type Status string

const (
	StatusActive         Status = "active"
	StatusSyncNeeded     Status = "sync_needed"
	StatusSyncing        Status = "syncing"
	StatusFailed         Status = "failed"
	StatusNeedsReauth    Status = "needs_reauth"
	StatusPendingCleanup Status = "pending_cleanup"
	StatusRemoved        Status = "removed"
)

// Direct moves to removed from the active family are user unlinks; the dormant
// sweep always passes through pending_cleanup.
var transitions = map[Status][]Status{
	StatusActive:         {StatusSyncing, StatusSyncNeeded, StatusPendingCleanup, StatusRemoved},
	StatusSyncNeeded:     {StatusSyncing, StatusSyncNeeded, StatusPendingCleanup, StatusRemoved},
	StatusFailed:         {StatusSyncing, StatusSyncNeeded, StatusPendingCleanup, StatusRemoved},
	StatusNeedsReauth:    {StatusSyncNeeded, StatusPendingCleanup, StatusRemoved},
	StatusPendingCleanup: {StatusSyncNeeded, StatusRemoved, StatusFailed},
	StatusSyncing:        {StatusActive, StatusSyncNeeded, StatusFailed, StatusNeedsReauth},
	StatusRemoved:        nil,
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Claimable reports whether a sync pass may start from s.
func (s Status) Claimable() bool {
	return s.CanTransitionTo(StatusSyncing)
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ClaimableStatuses lists every status a sync pass may start from.
func ClaimableStatuses() []Status {
	return []Status{StatusActive, StatusSyncNeeded, StatusFailed}
}

// AccountSyncStatus is the connection state shown on a local account.
type AccountSyncStatus string

const (
	AccountActive       AccountSyncStatus = "active"
	AccountNeedsReauth  AccountSyncStatus = "needs_reauth"
	AccountDisconnected AccountSyncStatus = "disconnected"
)

// Item is one upstream institution connection owned by a tenant.
type Item struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ItemID          string // upstream-issued
	InstitutionName string
	SecretRef       string
	NextCursor      *string
	Status          Status

	LastSyncedAt      *time.Time
	LastSyncStartedAt *time.Time
	SyncNeededAt      *time.Time
	LastWebhookAt     *time.Time
	ReauthNeededAt    *time.Time
	CleanupNotifiedAt *time.Time
	RemovedAt         *time.Time

	LastSyncError string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Live reports whether the item is active and not offboarded.
func (i *Item) Live() bool {
	return i.IsActive && i.RemovedAt == nil && i.Status != StatusRemoved
}

// LastActivity is the latest of the last sync, the last webhook and creation.
func (i *Item) LastActivity() time.Time {
	last := i.CreatedAt

	for _, t := range []*time.Time{i.LastSyncedAt, i.LastWebhookAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}

	return last
}

// Account is the subset of a local account that sync maintains.
type Account struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Name            string
	Mask            string
	BalanceCents    *int64
	Currency        string
	UpstreamType    string
	UpstreamSubtype string
	SyncStatus      AccountSyncStatus
	LastSyncedAt    *time.Time
}

// AccountLink joins an item to a local account.
type AccountLink struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ItemID            uuid.UUID // internal item id
	AccountID         uuid.UUID
	UpstreamAccountID *string
	IsActive          bool
	LastSeenAt        *time.Time
	Account           *Account // Loaded via JOIN
}
