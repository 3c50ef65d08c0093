package item_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
	"github.com/MrJamesThe3rd/finsync/internal/storage/memory"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	ctx      context.Context
	backend  *memory.Backend
	client   *aggregator.MockClient
	service  *item.Service
	tenantID uuid.UUID
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	clock := func() time.Time { return now }
	backend := memory.New().WithClock(clock)
	client := aggregator.NewMockClient(gomock.NewController(t))

	return &serviceFixture{
		ctx:     context.Background(),
		backend: backend,
		client:  client,
		service: item.NewService(backend.Items(), client, backend.Secrets(), slog.New(slog.DiscardHandler)).
			WithClock(clock).
			WithAudit(backend.Audit()),
		tenantID: uuid.New(),
	}
}

// seed stores an item in the given status with a stored access token.
func (f *serviceFixture) seed(t *testing.T, status item.Status) *item.Item {
	t.Helper()

	ref, err := f.backend.Secrets().Put(f.ctx, "access-1", f.tenantID, secret.PurposeAggregatorToken)
	require.NoError(t, err)

	it := &item.Item{
		TenantID:        f.tenantID,
		ItemID:          "item-" + uuid.NewString(),
		InstitutionName: "First Platypus Bank",
		SecretRef:       ref,
		Status:          status,
		IsActive:        true,
	}
	require.NoError(t, f.backend.Items().Create(f.ctx, it))

	return it
}

func (f *serviceFixture) get(t *testing.T, it *item.Item) *item.Item {
	t.Helper()

	got, err := f.backend.Items().Get(f.ctx, f.tenantID, it.ID)
	require.NoError(t, err)

	return got
}

func TestService_Link(t *testing.T) {
	f := newServiceFixture(t)
	balance := decimal.RequireFromString("250.10")

	f.client.EXPECT().ExchangePublicToken(gomock.Any(), "public-sandbox-1").
		Return(&aggregator.Exchange{AccessToken: "access-1", ItemID: "item-1"}, nil)
	f.client.EXPECT().FetchAccounts(gomock.Any(), "access-1").Return([]aggregator.Account{
		{AccountID: "acc-1", Name: "Checking", OfficialName: "Gold Checking", Mask: "0001", Type: "depository", Subtype: "checking", Balance: &balance, Currency: "USD"},
		{AccountID: "acc-2", Name: "Savings", Mask: "0002", Type: "depository", Subtype: "savings", Currency: "USD"},
	}, nil)

	it, err := f.service.Link(f.ctx, item.LinkParams{
		TenantID:        f.tenantID,
		PublicToken:     "public-sandbox-1",
		InstitutionName: "First Platypus Bank",
	})
	require.NoError(t, err)

	assert.Equal(t, "item-1", it.ItemID)
	assert.Equal(t, item.StatusSyncNeeded, it.Status)
	assert.Equal(t, now, *it.SyncNeededAt)

	token, err := f.backend.Secrets().Get(f.ctx, it.SecretRef, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	links, err := f.backend.Items().ListAccountLinks(f.ctx, f.tenantID, it.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "Gold Checking", links[0].Account.Name)
	assert.Equal(t, "acc-1", *links[0].UpstreamAccountID)
	require.NotNil(t, links[0].Account.BalanceCents)
	assert.Equal(t, int64(25010), *links[0].Account.BalanceCents)
	assert.Equal(t, "Savings", links[1].Account.Name)
	assert.Nil(t, links[1].Account.BalanceCents)
}

func TestService_Link_AlreadyLinkedDeletesSecret(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := aggregator.NewMockClient(ctrl)
	secrets := secret.NewMockStore(ctrl)
	backend := memory.New()
	tenantID := uuid.New()

	require.NoError(t, backend.Items().Create(context.Background(), &item.Item{
		TenantID: tenantID, ItemID: "item-1", SecretRef: "sec_old", Status: item.StatusActive, IsActive: true,
	}))

	client.EXPECT().ExchangePublicToken(gomock.Any(), "public-1").Return(&aggregator.Exchange{AccessToken: "access-2", ItemID: "item-1"}, nil)
	client.EXPECT().FetchAccounts(gomock.Any(), "access-2").Return(nil, nil)
	secrets.EXPECT().Put(gomock.Any(), "access-2", tenantID, secret.PurposeAggregatorToken).Return("sec_new", nil)
	secrets.EXPECT().Delete(gomock.Any(), "sec_new", tenantID).Return(nil)

	svc := item.NewService(backend.Items(), client, secrets, slog.New(slog.DiscardHandler))

	_, err := svc.Link(context.Background(), item.LinkParams{TenantID: tenantID, PublicToken: "public-1"})
	require.ErrorIs(t, err, item.ErrAlreadyLinked)
}

func TestService_Link_ExchangeFailure(t *testing.T) {
	f := newServiceFixture(t)

	f.client.EXPECT().ExchangePublicToken(gomock.Any(), "bad").Return(nil, &aggregator.Error{StatusCode: 400, Code: "INVALID_PUBLIC_TOKEN"})

	_, err := f.service.Link(f.ctx, item.LinkParams{TenantID: f.tenantID, PublicToken: "bad"})

	var apiErr *aggregator.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_PUBLIC_TOKEN", apiErr.Code)
}

func TestService_RequestSync(t *testing.T) {
	tests := []struct {
		name       string
		status     item.Status
		wantErr    error
		wantStatus item.Status
	}{
		{name: "Active", status: item.StatusActive, wantStatus: item.StatusSyncNeeded},
		{name: "Failed", status: item.StatusFailed, wantStatus: item.StatusSyncNeeded},
		{name: "SyncingKeepsLease", status: item.StatusSyncing, wantStatus: item.StatusSyncing},
		{name: "NeedsReauth", status: item.StatusNeedsReauth, wantErr: item.ErrInvalidTransition, wantStatus: item.StatusNeedsReauth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			it := f.seed(t, tt.status)

			err := f.service.RequestSync(f.ctx, f.tenantID, it.ID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			got := f.get(t, it)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Nil(t, got.LastWebhookAt)
		})
	}
}

func TestService_RequestSync_OtherTenant(t *testing.T) {
	f := newServiceFixture(t)
	it := f.seed(t, item.StatusActive)

	err := f.service.RequestSync(f.ctx, uuid.New(), it.ID)
	require.ErrorIs(t, err, item.ErrNotFound)
}

func TestService_MarkSyncNeeded(t *testing.T) {
	f := newServiceFixture(t)
	it := f.seed(t, item.StatusActive)

	marked, err := f.service.MarkSyncNeeded(f.ctx, it.ItemID, now)
	require.NoError(t, err)
	assert.True(t, marked)

	got := f.get(t, it)
	assert.Equal(t, item.StatusSyncNeeded, got.Status)
	assert.Equal(t, now, *got.LastWebhookAt)

	marked, err = f.service.MarkSyncNeeded(f.ctx, "item-unknown", now)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestService_Relinked(t *testing.T) {
	tests := []struct {
		name    string
		status  item.Status
		wantErr error
	}{
		{name: "NeedsReauth", status: item.StatusNeedsReauth},
		{name: "PendingCleanup", status: item.StatusPendingCleanup},
		{name: "Syncing", status: item.StatusSyncing, wantErr: item.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			it := f.seed(t, tt.status)

			f.backend.Items().Mutate(it.ID, func(it *item.Item) {
				it.ReauthNeededAt = &now
				it.LastSyncError = "ITEM_LOGIN_REQUIRED"
			})

			err := f.service.Relinked(f.ctx, f.tenantID, it.ID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.status, f.get(t, it).Status)

				return
			}

			require.NoError(t, err)

			got := f.get(t, it)
			assert.Equal(t, item.StatusSyncNeeded, got.Status)
			assert.Nil(t, got.ReauthNeededAt)
			assert.Empty(t, got.LastSyncError)
		})
	}
}

func TestService_Unlink(t *testing.T) {
	f := newServiceFixture(t)
	it := f.seed(t, item.StatusActive)

	f.client.EXPECT().RemoveItem(gomock.Any(), "access-1").Return(nil)

	require.NoError(t, f.service.Unlink(f.ctx, f.tenantID, it.ID))

	got := f.get(t, it)
	assert.Equal(t, item.StatusRemoved, got.Status)
	assert.False(t, got.IsActive)
	assert.Equal(t, now, *got.RemovedAt)

	_, err := f.backend.Secrets().Get(f.ctx, it.SecretRef, f.tenantID)
	require.ErrorIs(t, err, secret.ErrNotFound)

	entries := f.backend.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionItemUnlinked, entries[0].Action)

	// A removed item is gone for tenant-facing calls.
	require.ErrorIs(t, f.service.Unlink(f.ctx, f.tenantID, it.ID), item.ErrNotFound)
}

func TestService_Unlink_Failures(t *testing.T) {
	t.Run("Syncing", func(t *testing.T) {
		f := newServiceFixture(t)
		it := f.seed(t, item.StatusSyncing)

		require.ErrorIs(t, f.service.Unlink(f.ctx, f.tenantID, it.ID), item.ErrBusy)
	})

	t.Run("UpstreamRevokeFails", func(t *testing.T) {
		f := newServiceFixture(t)
		it := f.seed(t, item.StatusActive)

		f.client.EXPECT().RemoveItem(gomock.Any(), "access-1").Return(errors.New("upstream 503"))

		require.Error(t, f.service.Unlink(f.ctx, f.tenantID, it.ID))

		got := f.get(t, it)
		assert.Equal(t, item.StatusActive, got.Status)
		assert.True(t, got.IsActive)
	})
}
