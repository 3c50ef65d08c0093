package itemsync_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/billing"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
	"github.com/MrJamesThe3rd/finsync/internal/storage/memory"
	"github.com/MrJamesThe3rd/finsync/internal/transaction"
)

const accessToken = "access-sandbox-1"

type cursorIs string

func (c cursorIs) Matches(x any) bool {
	cursor, ok := x.(*string)
	return ok && cursor != nil && *cursor == string(c)
}

func (c cursorIs) String() string { return "cursor " + string(c) }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	now      time.Time
	backend  *memory.Backend
	client   *aggregator.MockClient
	engine   *itemsync.Engine
	tenantID uuid.UUID
	item     *item.Item
	link     *item.AccountLink
}

func upstreamID(s string) *string { return &s }

// newFixture links one item with a single checking account. A nil upstream
// leaves the link unmapped so hydration has to match it.
func newFixture(t *testing.T, upstream *string) *fixture {
	t.Helper()

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		tenantID: uuid.New(),
	}

	clock := func() time.Time { return f.now }

	f.backend = memory.New().WithClock(clock)
	f.client = aggregator.NewMockClient(gomock.NewController(t))

	ref, err := f.backend.Secrets().Put(f.ctx, accessToken, f.tenantID, secret.PurposeAggregatorToken)
	require.NoError(t, err)

	needed := f.now.Add(-time.Hour)
	f.item = &item.Item{
		TenantID:        f.tenantID,
		ItemID:          "item-1",
		InstitutionName: "First Platypus Bank",
		SecretRef:       ref,
		Status:          item.StatusSyncNeeded,
		SyncNeededAt:    &needed,
		IsActive:        true,
	}
	require.NoError(t, f.backend.Items().Create(f.ctx, f.item))

	f.link = &item.AccountLink{
		TenantID:          f.tenantID,
		ItemID:            f.item.ID,
		UpstreamAccountID: upstream,
		IsActive:          true,
		Account: &item.Account{
			Name:       "Gold Checking",
			Mask:       "0001",
			Currency:   "USD",
			SyncStatus: item.AccountActive,
		},
	}
	require.NoError(t, f.backend.Items().CreateLinkedAccount(f.ctx, f.link))

	f.engine = f.newEngine(f.backend.Items(), 0)

	return f
}

func (f *fixture) newEngine(items item.Repository, leaseTTL time.Duration) *itemsync.Engine {
	return itemsync.NewEngine(itemsync.Deps{
		Items:        items,
		Transactions: f.backend.Transactions(),
		Client:       f.client,
		Secrets:      f.backend.Secrets(),
		Retention:    billing.NewService(f.backend.Billing()),
		Audit:        f.backend.Audit(),
		Logger:       slog.New(slog.DiscardHandler),
		LeaseTTL:     leaseTTL,
	}).WithClock(func() time.Time { return f.now })
}

// setCursor stores a cursor from an earlier pass.
func (f *fixture) setCursor(cursor string) {
	f.backend.Items().Mutate(f.item.ID, func(it *item.Item) { it.NextCursor = &cursor })
}

func (f *fixture) expectAccounts() {
	balance := decimal.RequireFromString("1520.75")

	f.client.EXPECT().FetchAccounts(gomock.Any(), accessToken).Return([]aggregator.Account{{
		AccountID: "acc-1",
		Name:      "Gold Checking",
		Mask:      "0001",
		Type:      "depository",
		Subtype:   "checking",
		Balance:   &balance,
		Currency:  "USD",
	}}, nil).AnyTimes()
}

func (f *fixture) stored() *item.Item {
	it, err := f.backend.Items().Get(f.ctx, f.tenantID, f.item.ID)
	require.NoError(f.t, err)

	return it
}

func (f *fixture) rows() []*transaction.Transaction {
	rows, err := f.backend.Transactions().ListTransactions(f.ctx, transaction.ListFilter{
		TenantID:        f.tenantID,
		IncludeArchived: true,
	})
	require.NoError(f.t, err)

	return rows
}

func (f *fixture) date(daysAgo int) time.Time {
	y, m, d := f.now.AddDate(0, 0, -daysAgo).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func record(id string, date time.Time, amount string) aggregator.Transaction {
	return aggregator.Transaction{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Date:          date,
		Name:          "BLUE BOTTLE #42",
		MerchantName:  "Blue  Bottle",
		Category:      "FOOD_AND_DRINK",
		Raw:           []byte(`{"transaction_id":"` + id + `"}`),
	}
}

func TestEngine_Sync_FirstPass(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))
	f.expectAccounts()

	gomock.InOrder(
		f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(&aggregator.TransactionsPage{
			Added:      []aggregator.Transaction{record("t1", f.date(3), "4.50")},
			NextCursor: "c1",
			HasMore:    true,
		}, nil),
		f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c1")).Return(&aggregator.TransactionsPage{
			Added: []aggregator.Transaction{
				record("t2", f.date(2), "-1200.00"),
				record("", f.date(2), "1.00"),
				record("t-nodate", time.Time{}, "1.00"),
				{TransactionID: "t-foreign", AccountID: "acc-unknown", Date: f.date(1), Amount: decimal.NewFromInt(9)},
			},
			NextCursor: "c2",
		}, nil),
	)

	res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

	assert.Equal(t, itemsync.Result{ItemID: "item-1", Status: item.StatusActive, New: 2}, res)

	stored := f.stored()
	assert.Equal(t, item.StatusActive, stored.Status)
	require.NotNil(t, stored.NextCursor)
	assert.Equal(t, "c2", *stored.NextCursor)
	assert.Nil(t, stored.SyncNeededAt)
	assert.Equal(t, f.now, *stored.LastSyncedAt)
	assert.Empty(t, stored.LastSyncError)

	rows := f.rows()
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "t1", first.ExternalID)
	assert.Equal(t, f.link.AccountID, first.AccountID)
	assert.Equal(t, int64(-450), first.Amount)
	assert.Equal(t, "Blue Bottle", first.MerchantName)
	assert.Equal(t, "BLUE BOTTLE #42", first.Description)
	assert.Equal(t, "Food", first.Category)
	assert.Equal(t, transaction.SourceAggregator, first.Provenance.Source)
	assert.Equal(t, "item-1", first.Provenance.ItemID)
	assert.Equal(t, "acc-1", first.Provenance.UpstreamAccountID)
	assert.JSONEq(t, `{"transaction_id":"t1"}`, string(first.Provenance.Payload))
	assert.Equal(t, int64(120000), rows[1].Amount)

	accounts := f.backend.Items().Accounts(f.tenantID)
	require.Len(t, accounts, 1)
	require.NotNil(t, accounts[0].BalanceCents)
	assert.Equal(t, int64(152075), *accounts[0].BalanceCents)
	assert.Equal(t, "checking", accounts[0].UpstreamSubtype)
	require.NotNil(t, accounts[0].LastSyncedAt)

	entries := f.backend.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionItemSync, entries[0].Action)
	assert.Equal(t, "webhook", entries[0].Metadata["trigger"])
	assert.Equal(t, 2, entries[0].Metadata["new_transactions"])
}

func TestEngine_Sync_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))
	f.expectAccounts()

	page := &aggregator.TransactionsPage{
		Added:      []aggregator.Transaction{record("t1", f.date(3), "4.50"), record("t2", f.date(2), "8.00")},
		NextCursor: "c1",
	}

	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(page, nil)
	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c1")).Return(page, nil)

	first := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)
	assert.Equal(t, 2, first.New)

	before := f.rows()

	f.now = f.now.Add(time.Hour)
	second := f.engine.Sync(f.ctx, f.stored(), itemsync.TriggerSafetyNet)

	assert.Equal(t, item.StatusActive, second.Status)
	assert.Zero(t, second.New)
	assert.Equal(t, 2, second.Updated)

	after := f.rows()
	require.Len(t, after, len(before))

	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Amount, after[i].Amount)
		assert.Equal(t, before[i].Date, after[i].Date)
	}
}

func TestEngine_Sync_MutationDuringPagination(t *testing.T) {
	tests := []struct {
		name       string
		mutations  int
		wantStatus item.Status
		wantRows   int
	}{
		{name: "RestartSucceeds", mutations: 1, wantStatus: item.StatusActive, wantRows: 2},
		{name: "SecondMutationFails", mutations: 2, wantStatus: item.StatusFailed, wantRows: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upstreamID("acc-1"))
			f.expectAccounts()

			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(&aggregator.TransactionsPage{
				Added:      []aggregator.Transaction{record("t1", f.date(3), "4.50")},
				NextCursor: "c1",
				HasMore:    true,
			}, nil).Times(min(tt.mutations+1, 2))

			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c1")).
				Return(nil, aggregator.ErrMutationDuringPagination).Times(tt.mutations)

			if tt.mutations < 2 {
				f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c1")).Return(&aggregator.TransactionsPage{
					Added:      []aggregator.Transaction{record("t2", f.date(2), "8.00")},
					NextCursor: "c2",
				}, nil)
			}

			res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Len(t, f.rows(), tt.wantRows)

			stored := f.stored()
			assert.Equal(t, tt.wantStatus, stored.Status)

			if tt.wantStatus == item.StatusFailed {
				assert.Nil(t, stored.NextCursor)
				assert.Contains(t, stored.LastSyncError, "mutated during pagination")
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestEngine_Sync_LoginRequired(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))

	f.client.EXPECT().FetchAccounts(gomock.Any(), accessToken).Return(nil, aggregator.ErrLoginRequired)

	res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

	assert.Equal(t, item.StatusNeedsReauth, res.Status)

	stored := f.stored()
	assert.Equal(t, item.StatusNeedsReauth, stored.Status)
	assert.NotNil(t, stored.ReauthNeededAt)
	assert.Nil(t, stored.SyncNeededAt)

	accounts := f.backend.Items().Accounts(f.tenantID)
	require.Len(t, accounts, 1)
	assert.Equal(t, item.AccountNeedsReauth, accounts[0].SyncStatus)

	// needs_reauth is not claimable, so a later pass makes no upstream calls.
	again := f.engine.Sync(f.ctx, stored, itemsync.TriggerSafetyNet)
	assert.True(t, again.Skipped)
}

func TestEngine_Sync_RemovedRecordsAreTombstoned(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))
	f.expectAccounts()

	synced := &transaction.Transaction{
		TenantID:   f.tenantID,
		AccountID:  f.link.AccountID,
		ExternalID: "t1",
		Date:       f.date(5),
		Amount:     -450,
		Currency:   "USD",
		Provenance: transaction.Provenance{Source: transaction.SourceAggregator, ItemID: "item-1"},
	}
	manual := &transaction.Transaction{
		TenantID:   f.tenantID,
		AccountID:  f.link.AccountID,
		ExternalID: "t2",
		Date:       f.date(4),
		Amount:     -1000,
		Currency:   "USD",
		IsManual:   true,
	}
	f.backend.Transactions().Seed(synced)
	f.backend.Transactions().Seed(manual)

	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(&aggregator.TransactionsPage{
		Removed:    []aggregator.RemovedTransaction{{TransactionID: "t1", AccountID: "acc-1"}, {TransactionID: "t2", AccountID: "acc-1"}},
		NextCursor: "c1",
	}, nil)

	res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

	assert.Equal(t, item.StatusActive, res.Status)
	assert.Equal(t, 1, res.Removed)

	rows := f.rows()
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Archived)
	assert.True(t, rows[0].Provenance.SourceRemoved)
	require.NotNil(t, rows[0].Provenance.RemovedAt)
	assert.Equal(t, f.now, *rows[0].Provenance.RemovedAt)

	assert.False(t, rows[1].Archived)
	assert.False(t, rows[1].Provenance.SourceRemoved)
}

func TestEngine_Sync_RetentionPruning(t *testing.T) {
	tests := []struct {
		name       string
		plan       string
		wantPruned int
		wantRows   int
	}{
		{name: "EssentialPrunesOldRows", plan: "essential_monthly", wantPruned: 1, wantRows: 1},
		{name: "ProKeepsEverything", plan: "pro_annual", wantPruned: 0, wantRows: 2},
		{name: "NoSubscriptionKeepsEverything", wantPruned: 0, wantRows: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upstreamID("acc-1"))
			f.expectAccounts()

			if tt.plan != "" {
				f.backend.Billing().AddSubscription(memory.Subscription{
					TenantID:  f.tenantID,
					Plan:      tt.plan,
					Status:    "active",
					CreatedAt: f.now.AddDate(-1, 0, 0),
				})
			}

			f.backend.Transactions().Seed(&transaction.Transaction{
				TenantID:   f.tenantID,
				AccountID:  f.link.AccountID,
				ExternalID: "ancient",
				Date:       f.date(400),
				Amount:     -100,
				Currency:   "USD",
			})

			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(&aggregator.TransactionsPage{
				Added:      []aggregator.Transaction{record("recent", f.date(10), "2.00")},
				NextCursor: "c1",
			}, nil)

			res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

			assert.Equal(t, item.StatusActive, res.Status)
			assert.Equal(t, tt.wantPruned, res.RetentionPruned)
			assert.Len(t, f.rows(), tt.wantRows)
		})
	}
}

func TestEngine_Sync_HydratesLinkByMask(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAccounts()

	f.backend.Items().Mutate(f.item.ID, func(it *item.Item) { it.Status = item.StatusFailed })

	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).Return(&aggregator.TransactionsPage{
		Added:      []aggregator.Transaction{record("t1", f.date(1), "3.00")},
		NextCursor: "c1",
	}, nil)

	res := f.engine.Sync(f.ctx, f.stored(), itemsync.TriggerSafetyNet)

	assert.Equal(t, item.StatusActive, res.Status)
	assert.Equal(t, 1, res.New)

	links, err := f.backend.Items().ListAccountLinks(f.ctx, f.tenantID, f.item.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NotNil(t, links[0].UpstreamAccountID)
	assert.Equal(t, "acc-1", *links[0].UpstreamAccountID)
	assert.Equal(t, f.now, *links[0].LastSeenAt)
}

func TestEngine_Sync_SkipsBusyItem(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))

	f.backend.Items().Mutate(f.item.ID, func(it *item.Item) { it.Status = item.StatusSyncing })

	res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

	assert.True(t, res.Skipped)
	assert.Equal(t, item.StatusSyncing, f.stored().Status)
	assert.Empty(t, f.backend.Audit().Entries())
}

func TestEngine_Sync_ConcurrentPassesClaimOnce(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))

	entered := make(chan struct{})
	release := make(chan struct{})

	f.client.EXPECT().FetchAccounts(gomock.Any(), accessToken).DoAndReturn(
		func(context.Context, string) ([]aggregator.Account, error) {
			close(entered)
			<-release

			return []aggregator.Account{{AccountID: "acc-1", Name: "Gold Checking", Mask: "0001"}}, nil
		},
	).Times(1)
	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).
		Return(&aggregator.TransactionsPage{NextCursor: "c1"}, nil).Times(1)

	var (
		wg    sync.WaitGroup
		first itemsync.Result
	)

	wg.Go(func() {
		first = f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)
	})

	<-entered

	second := f.engine.Sync(f.ctx, f.item, itemsync.TriggerSafetyNet)

	close(release)
	wg.Wait()

	assert.True(t, second.Skipped)
	assert.False(t, first.Skipped)
	assert.Equal(t, item.StatusActive, first.Status)
}

func TestEngine_Sync_WebhookDuringPassLeavesSyncNeeded(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))
	f.expectAccounts()

	var webhookAt time.Time

	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).DoAndReturn(
		func(ctx context.Context, _ string, _ *string) (*aggregator.TransactionsPage, error) {
			f.now = f.now.Add(time.Minute)
			webhookAt = f.now

			require.NoError(t, f.backend.Items().MarkSyncNeeded(ctx, f.tenantID, f.item.ID, webhookAt, true))

			return &aggregator.TransactionsPage{
				Added:      []aggregator.Transaction{record("t1", f.date(1), "3.00")},
				NextCursor: "c1",
			}, nil
		},
	)

	res := f.engine.Sync(f.ctx, f.item, itemsync.TriggerWebhook)

	assert.Equal(t, item.StatusActive, res.Status)

	stored := f.stored()
	assert.Equal(t, item.StatusSyncNeeded, stored.Status)
	require.NotNil(t, stored.SyncNeededAt)
	assert.Equal(t, webhookAt, *stored.SyncNeededAt)
	assert.Equal(t, "c1", *stored.NextCursor)
}

// contextItems rejects state writes on a finished context, as database/sql does.
type contextItems struct {
	*memory.ItemStore
}

func (c contextItems) CompleteSync(ctx context.Context, tenantID, id uuid.UUID, cursor *string, at time.Time) (item.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return c.ItemStore.CompleteSync(ctx, tenantID, id, cursor, at)
}

func (c contextItems) FailSync(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.ItemStore.FailSync(ctx, tenantID, id, message, at)
}

func (c contextItems) MarkNeedsReauth(ctx context.Context, tenantID, id uuid.UUID, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.ItemStore.MarkNeedsReauth(ctx, tenantID, id, message, at)
}

func TestEngine_Sync_CancelledPassReleasesClaim(t *testing.T) {
	tests := []struct {
		name       string
		pageErr    bool
		wantStatus item.Status
		wantCursor *string
	}{
		{name: "CancelledDuringFetch", pageErr: true, wantStatus: item.StatusFailed},
		{name: "CancelledAfterLastPage", wantStatus: item.StatusActive, wantCursor: upstreamID("c1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upstreamID("acc-1"))
			f.expectAccounts()

			engine := f.newEngine(contextItems{f.backend.Items()}, 0)
			ctx, cancel := context.WithCancel(f.ctx)

			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).DoAndReturn(
				func(ctx context.Context, _ string, _ *string) (*aggregator.TransactionsPage, error) {
					cancel()

					if tt.pageErr {
						return nil, ctx.Err()
					}

					return &aggregator.TransactionsPage{
						Added:      []aggregator.Transaction{record("t1", f.date(1), "3.00")},
						NextCursor: "c1",
					}, nil
				},
			)

			res := engine.Sync(ctx, f.item, itemsync.TriggerWebhook)
			assert.Equal(t, tt.wantStatus, res.Status)

			stored := f.stored()
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantCursor, stored.NextCursor)

			if tt.wantStatus == item.StatusFailed {
				require.NotNil(t, stored.SyncNeededAt)
				assert.Equal(t, f.now, *stored.SyncNeededAt)
				assert.Contains(t, stored.LastSyncError, "context canceled")
			}

			// the next pass can claim the item again
			f.now = f.now.Add(time.Minute)
			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Any()).
				Return(&aggregator.TransactionsPage{NextCursor: "c2"}, nil)

			again := engine.Sync(f.ctx, stored, itemsync.TriggerSafetyNet)
			assert.False(t, again.Skipped)
			assert.Equal(t, item.StatusActive, again.Status)
		})
	}
}

func TestEngine_Sync_ExpiredLease(t *testing.T) {
	tests := []struct {
		name        string
		startedAgo  time.Duration
		wantSkipped bool
	}{
		{name: "AbandonedPassIsReclaimed", startedAgo: 2 * time.Hour},
		{name: "InFlightPassKeepsClaim", startedAgo: 5 * time.Minute, wantSkipped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upstreamID("acc-1"))
			f.expectAccounts()

			started := f.now.Add(-tt.startedAgo)
			f.backend.Items().Mutate(f.item.ID, func(it *item.Item) {
				it.Status = item.StatusSyncing
				it.LastSyncStartedAt = &started
			})

			if !tt.wantSkipped {
				f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, gomock.Nil()).
					Return(&aggregator.TransactionsPage{NextCursor: "c1"}, nil)
			}

			res := f.newEngine(f.backend.Items(), 30*time.Minute).Sync(f.ctx, f.stored(), itemsync.TriggerSafetyNet)

			assert.Equal(t, tt.wantSkipped, res.Skipped)

			stored := f.stored()
			if tt.wantSkipped {
				assert.Equal(t, item.StatusSyncing, stored.Status)
				assert.Equal(t, started, *stored.LastSyncStartedAt)

				return
			}

			assert.Equal(t, item.StatusActive, stored.Status)
			assert.Equal(t, f.now, *stored.LastSyncStartedAt)
		})
	}
}

func TestEngine_Sync_RejectsStuckPagination(t *testing.T) {
	tests := []struct {
		name string
		page *aggregator.TransactionsPage
	}{
		{name: "MorePagesWithoutCursor", page: &aggregator.TransactionsPage{HasMore: true}},
		{name: "MorePagesWithSameCursor", page: &aggregator.TransactionsPage{HasMore: true, NextCursor: "c-prev"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, upstreamID("acc-1"))
			f.expectAccounts()
			f.setCursor("c-prev")

			f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c-prev")).
				Return(tt.page, nil).Times(1)

			res := f.engine.Sync(f.ctx, f.stored(), itemsync.TriggerWebhook)

			assert.Equal(t, item.StatusFailed, res.Status)
			assert.NotEmpty(t, res.Error)

			stored := f.stored()
			assert.Equal(t, item.StatusFailed, stored.Status)
			require.NotNil(t, stored.NextCursor)
			assert.Equal(t, "c-prev", *stored.NextCursor)
		})
	}
}

func TestEngine_Sync_TransientFailureKeepsCursor(t *testing.T) {
	f := newFixture(t, upstreamID("acc-1"))
	f.expectAccounts()
	f.setCursor("c-prev")

	f.client.EXPECT().FetchTransactionsPage(gomock.Any(), accessToken, cursorIs("c-prev")).
		Return(nil, &aggregator.Error{StatusCode: 503, Message: "service unavailable"})

	res := f.engine.Sync(f.ctx, f.stored(), itemsync.TriggerWebhook)

	assert.Equal(t, item.StatusFailed, res.Status)

	stored := f.stored()
	assert.Equal(t, item.StatusFailed, stored.Status)
	require.NotNil(t, stored.NextCursor)
	assert.Equal(t, "c-prev", *stored.NextCursor)
	require.NotNil(t, stored.SyncNeededAt)
	assert.Equal(t, f.now, *stored.SyncNeededAt)
	assert.Contains(t, stored.LastSyncError, "service unavailable")
	assert.Empty(t, f.rows())
}
