// Package memory is an in-process implementation of every repository, used
// for local runs (DB_DRIVER=memory) and scenario tests. State is lost on exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/billing"
	"github.com/MrJamesThe3rd/finsync/internal/notify"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
	"github.com/MrJamesThe3rd/finsync/internal/transaction"
	"github.com/MrJamesThe3rd/finsync/internal/webhook"
)

type txKey struct {
	accountID  uuid.UUID
	externalID string
}

type secretRow struct {
	tenantID uuid.UUID
	purpose  string
	value    string
}

// Subscription is a seeded billing row.
type Subscription struct {
	TenantID  uuid.UUID
	Plan      string
	Status    string
	CreatedAt time.Time
}

// Backend holds all state behind one mutex. The repositories are views over it.
type Backend struct {
	mu sync.Mutex

	items    map[uuid.UUID]*itemRow
	links    map[uuid.UUID]*linkRow
	accounts map[uuid.UUID]*accountRow

	transactions map[txKey]*transaction.Transaction
	events       map[string]*webhook.Event
	secrets      map[string]secretRow
	subs         []Subscription
	audits       []*audit.Entry
	notes        map[string]*notify.Notification

	now func() time.Time
}

func New() *Backend {
	return &Backend{
		items:        make(map[uuid.UUID]*itemRow),
		links:        make(map[uuid.UUID]*linkRow),
		accounts:     make(map[uuid.UUID]*accountRow),
		transactions: make(map[txKey]*transaction.Transaction),
		events:       make(map[string]*webhook.Event),
		secrets:      make(map[string]secretRow),
		notes:        make(map[string]*notify.Notification),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for created/updated stamps.
func (b *Backend) WithClock(now func() time.Time) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now

	return b
}

func (b *Backend) Items() *ItemStore               { return &ItemStore{b: b} }
func (b *Backend) Transactions() *TransactionStore { return &TransactionStore{b: b} }
func (b *Backend) Webhooks() *WebhookStore         { return &WebhookStore{b: b} }
func (b *Backend) Secrets() *SecretStore           { return &SecretStore{b: b} }
func (b *Backend) Billing() *BillingStore          { return &BillingStore{b: b} }
func (b *Backend) Audit() *AuditStore              { return &AuditStore{b: b} }
func (b *Backend) Notifications() *NotifyStore     { return &NotifyStore{b: b} }

type WebhookStore struct{ b *Backend }

func (s *WebhookStore) InsertEvent(_ context.Context, event *webhook.Event) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.events[event.DedupeKey]; ok {
		return webhook.ErrDuplicateEvent
	}

	event.ID = uuid.New()
	stored := *event
	s.b.events[event.DedupeKey] = &stored

	return nil
}

// Events returns the stored webhook events ordered by receipt.
func (s *WebhookStore) Events() []webhook.Event {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	out := make([]webhook.Event, 0, len(s.b.events))
	for _, e := range s.b.events {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })

	return out
}

// SecretStore keeps values in plain memory.
type SecretStore struct{ b *Backend }

func (s *SecretStore) Get(_ context.Context, ref string, tenantID uuid.UUID) (string, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	row, ok := s.b.secrets[ref]
	if !ok || row.tenantID != tenantID {
		return "", secret.ErrNotFound
	}

	return row.value, nil
}

func (s *SecretStore) Put(_ context.Context, value string, tenantID uuid.UUID, purpose string) (string, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	ref := secret.NewRef()
	s.b.secrets[ref] = secretRow{tenantID: tenantID, purpose: purpose, value: value}

	return ref, nil
}

func (s *SecretStore) Delete(_ context.Context, ref string, tenantID uuid.UUID) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	row, ok := s.b.secrets[ref]
	if !ok || row.tenantID != tenantID {
		return secret.ErrNotFound
	}

	delete(s.b.secrets, ref)

	return nil
}

type BillingStore struct{ b *Backend }

func (s *BillingStore) AddSubscription(sub Subscription) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.subs = append(s.b.subs, sub)
}

func (s *BillingStore) ActivePlan(_ context.Context, tenantID uuid.UUID) (string, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var active, latest *Subscription

	for i := range s.b.subs {
		sub := &s.b.subs[i]
		if sub.TenantID != tenantID {
			continue
		}

		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}

		if sub.Status == "active" && (active == nil || sub.CreatedAt.After(active.CreatedAt)) {
			active = sub
		}
	}

	switch {
	case active != nil:
		return active.Plan, nil
	case latest != nil:
		return latest.Plan, nil
	}

	return billing.PlanFree, nil
}

type AuditStore struct{ b *Backend }

func (s *AuditStore) Record(_ context.Context, entry *audit.Entry) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	entry.ID = uuid.New()
	entry.CreatedAt = s.b.now()
	stored := *entry
	s.b.audits = append(s.b.audits, &stored)

	return nil
}

func (s *AuditStore) Entries() []audit.Entry {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	out := make([]audit.Entry, 0, len(s.b.audits))
	for _, e := range s.b.audits {
		out = append(out, *e)
	}

	return out
}

type NotifyStore struct{ b *Backend }

func (s *NotifyStore) Notify(_ context.Context, n *notify.Notification) (bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	key := n.TenantID.String() + "|" + n.EventKey
	if _, ok := s.b.notes[key]; ok {
		return false, nil
	}

	n.ID = uuid.New()
	n.CreatedAt = s.b.now()
	stored := *n
	s.b.notes[key] = &stored

	return true, nil
}

func (s *NotifyStore) Sent() []notify.Notification {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	out := make([]notify.Notification, 0, len(s.b.notes))
	for _, n := range s.b.notes {
		out = append(out, *n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EventKey < out[j].EventKey })

	return out
}
