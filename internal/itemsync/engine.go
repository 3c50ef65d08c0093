// Package itemsync drives one linked item through a full sync pass: claim,
// account hydration, cursor pagination, apply, and status bookkeeping.
package itemsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/metrics"
	"github.com/MrJamesThe3rd/finsync/internal/normalize"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
	"github.com/MrJamesThe3rd/finsync/internal/transaction"
)

// maxPaginationAttempts bounds restarts after the upstream ledger mutates mid-pagination.
const maxPaginationAttempts = 2

const defaultCurrency = "USD"

// persistTimeout bounds the writes that release a claim once the pass context is gone.
const persistTimeout = 30 * time.Second

// Trigger records why a pass ran.
type Trigger string

const (
	TriggerWebhook   Trigger = "webhook"
	TriggerSafetyNet Trigger = "safety_net"
	TriggerManual    Trigger = "manual"
)

// Result summarizes one pass. Status is the outcome of the pass itself.
type Result struct {
	ItemID          string      `json:"item_id"`
	Status          item.Status `json:"status"`
	New             int         `json:"new_transactions"`
	Updated         int         `json:"updated_transactions"`
	Removed         int         `json:"removed_transactions"`
	RetentionPruned int         `json:"retention_pruned"`
	Skipped         bool        `json:"skipped,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// RetentionResolver returns the tenant's plan and the date before which synced
// rows are pruned, nil meaning no pruning.
type RetentionResolver interface {
	RetentionCutoff(ctx context.Context, tenantID uuid.UUID, now time.Time) (string, *time.Time, error)
}

type Deps struct {
	Items        item.Repository
	Transactions transaction.Repository
	Client       aggregator.Client
	Secrets      secret.Store
	Retention    RetentionResolver
	Audit        audit.Recorder
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// LeaseTTL lets a pass reclaim an item left in syncing for longer than this.
	// Zero never reclaims.
	LeaseTTL time.Duration
}

type Engine struct {
	items     item.Repository
	txs       transaction.Repository
	client    aggregator.Client
	secrets   secret.Store
	retention RetentionResolver
	audit     audit.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	leaseTTL  time.Duration
	now       func() time.Time
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		items:     d.Items,
		txs:       d.Transactions,
		client:    d.Client,
		secrets:   d.Secrets,
		retention: d.Retention,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger,
		leaseTTL:  d.LeaseTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Sync runs one pass over it. Failures are persisted on the item and reported
// in the result; Sync itself never fails.
func (e *Engine) Sync(ctx context.Context, it *item.Item, trigger Trigger) Result {
	started := e.now()
	log := e.logger.With("item_id", it.ItemID, "tenant_id", it.TenantID, "trigger", trigger)

	var leaseExpiredBefore time.Time
	if e.leaseTTL > 0 {
		leaseExpiredBefore = started.Add(-e.leaseTTL)
	}

	claimed, err := e.items.ClaimForSync(ctx, it.TenantID, it.ID, started, leaseExpiredBefore)
	if err != nil {
		if errors.Is(err, item.ErrBusy) {
			log.Info("item not claimable, skipping", "status", it.Status)
			return Result{ItemID: it.ItemID, Status: it.Status, Skipped: true}
		}

		log.Error("failed to claim item", "error", err)

		return Result{ItemID: it.ItemID, Status: it.Status, Skipped: true, Error: err.Error()}
	}

	res, err := e.run(ctx, claimed, trigger)
	if err != nil {
		res = e.recordFailure(ctx, claimed, err, log)
	}

	e.metrics.SyncPass(string(trigger), string(res.Status), e.now().Sub(started))

	return res
}

// SyncByID runs a manual pass over one item of the tenant.
func (e *Engine) SyncByID(ctx context.Context, tenantID, id uuid.UUID) (Result, error) {
	it, err := e.items.Get(ctx, tenantID, id)
	if err != nil {
		return Result{}, fmt.Errorf("loading item: %w", err)
	}

	if !it.Live() {
		return Result{}, fmt.Errorf("loading item: %w", item.ErrNotFound)
	}

	return e.Sync(ctx, it, TriggerManual), nil
}

// persistCtx outlives a cancelled pass so the claim is always released.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (e *Engine) recordFailure(ctx context.Context, it *item.Item, cause error, log *slog.Logger) Result {
	ctx, cancel := persistCtx(ctx)
	defer cancel()

	at := e.now()
	res := Result{ItemID: it.ItemID, Error: cause.Error()}

	if errors.Is(cause, aggregator.ErrLoginRequired) {
		res.Status = item.StatusNeedsReauth

		log.Warn("item needs re-authentication", "error", cause)

		if err := e.items.MarkNeedsReauth(ctx, it.TenantID, it.ID, cause.Error(), at); err != nil {
			log.Error("failed to persist needs_reauth", "error", err)
		}

		return res
	}

	res.Status = item.StatusFailed

	log.Error("item sync failed", "error", cause)

	if err := e.items.FailSync(ctx, it.TenantID, it.ID, cause.Error(), at); err != nil {
		log.Error("failed to persist sync failure", "error", err)
	}

	return res
}

// delta accumulates the records of every page of one pass.
type delta struct {
	upserts []aggregator.Transaction
	removed []aggregator.RemovedTransaction
	cursor  *string
}

func (e *Engine) run(ctx context.Context, it *item.Item, trigger Trigger) (Result, error) {
	token, err := e.secrets.Get(ctx, it.SecretRef, it.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("resolving access token: %w", err)
	}

	links, err := e.hydrate(ctx, it, token)
	if err != nil {
		return Result{}, fmt.Errorf("hydrating account links: %w", err)
	}

	d, err := e.paginate(ctx, it, token)
	if err != nil {
		return Result{}, err
	}

	res, touched, err := e.apply(ctx, it, links, d)
	if err != nil {
		return Result{}, fmt.Errorf("applying changes: %w", err)
	}

	finished := e.now()

	pctx, cancel := persistCtx(ctx)
	defer cancel()

	stored, err := e.items.CompleteSync(pctx, it.TenantID, it.ID, d.cursor, finished)
	if err != nil {
		return Result{}, fmt.Errorf("completing sync: %w", err)
	}

	if err := e.items.TouchAccounts(pctx, it.TenantID, touched, finished); err != nil {
		e.logger.Warn("failed to refresh account sync state", "item_id", it.ItemID, "error", err)
	}

	res.ItemID = it.ItemID
	res.Status = item.StatusActive

	e.metrics.RowsApplied(res.New, res.Updated, res.Removed, res.RetentionPruned)
	e.recordAudit(pctx, it, trigger, res)

	e.logger.Info("item synced",
		"item_id", it.ItemID,
		"tenant_id", it.TenantID,
		"trigger", trigger,
		"stored_status", stored,
		"new", res.New,
		"updated", res.Updated,
		"removed", res.Removed,
		"retention_pruned", res.RetentionPruned,
	)

	return res, nil
}

// hydrate reconciles the item's active links with the upstream accounts and
// returns the links keyed by upstream account id.
func (e *Engine) hydrate(ctx context.Context, it *item.Item, token string) (map[string]*item.AccountLink, error) {
	all, err := e.items.ListAccountLinks(ctx, it.TenantID, it.ID)
	if err != nil {
		return nil, fmt.Errorf("listing account links: %w", err)
	}

	links := lo.Filter(all, func(l *item.AccountLink, _ int) bool { return l.IsActive && l.Account != nil })
	if len(links) == 0 {
		return map[string]*item.AccountLink{}, nil
	}

	upstream, err := e.client.FetchAccounts(ctx, token)
	if err != nil {
		return nil, err
	}

	byID := lo.KeyBy(upstream, func(a aggregator.Account) string { return a.AccountID })
	claimed := make(map[string]bool, len(links))
	matches := make(map[*item.AccountLink]aggregator.Account, len(links))

	for _, l := range links {
		if l.UpstreamAccountID == nil {
			continue
		}

		if acc, ok := byID[*l.UpstreamAccountID]; ok {
			matches[l] = acc
			claimed[acc.AccountID] = true
		}
	}

	for _, l := range links {
		if _, ok := matches[l]; ok {
			continue
		}

		if acc, ok := matchAccount(l.Account, upstream, claimed); ok {
			matches[l] = acc
			claimed[acc.AccountID] = true
		}
	}

	now := e.now()

	for l, acc := range matches {
		if err := e.refreshLink(ctx, it, l, acc, now); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*item.AccountLink, len(links))

	for _, l := range links {
		if l.UpstreamAccountID != nil {
			out[*l.UpstreamAccountID] = l
		}
	}

	return out, nil
}

// matchAccount finds an unclaimed upstream account by mask, then by display name.
func matchAccount(acc *item.Account, upstream []aggregator.Account, claimed map[string]bool) (aggregator.Account, bool) {
	free := lo.Filter(upstream, func(a aggregator.Account, _ int) bool { return !claimed[a.AccountID] })

	if acc.Mask != "" {
		if a, ok := lo.Find(free, func(a aggregator.Account) bool { return a.Mask == acc.Mask }); ok {
			return a, true
		}
	}

	name := normalize.Key(acc.Name)
	if name == "" {
		return aggregator.Account{}, false
	}

	return lo.Find(free, func(a aggregator.Account) bool { return normalize.Key(a.DisplayName()) == name })
}

func (e *Engine) refreshLink(ctx context.Context, it *item.Item, l *item.AccountLink, acc aggregator.Account, now time.Time) error {
	previous := l.UpstreamAccountID
	upstreamID := acc.AccountID

	l.UpstreamAccountID = &upstreamID
	l.LastSeenAt = &now

	if acc.Balance != nil {
		cents := normalize.Cents(*acc.Balance)
		l.Account.BalanceCents = &cents
	}

	if acc.Currency != "" {
		l.Account.Currency = acc.Currency
	}

	if acc.Type != "" {
		l.Account.UpstreamType = acc.Type
	}

	if acc.Subtype != "" {
		l.Account.UpstreamSubtype = acc.Subtype
	}

	if l.Account.SyncStatus == item.AccountNeedsReauth {
		l.Account.SyncStatus = item.AccountActive
	}

	err := e.items.SaveAccountLink(ctx, l)
	if errors.Is(err, item.ErrUpstreamAccountClaimed) {
		e.logger.Warn("upstream account claimed by another link, keeping previous mapping",
			"item_id", it.ItemID, "account_id", l.AccountID, "upstream_account_id", upstreamID)

		l.UpstreamAccountID = previous
		err = e.items.SaveAccountLink(ctx, l)
	}

	if err != nil {
		return fmt.Errorf("saving account link: %w", err)
	}

	return nil
}

// paginate reads every page from the stored cursor, restarting from that
// cursor when the upstream ledger mutates mid-pagination.
func (e *Engine) paginate(ctx context.Context, it *item.Item, token string) (*delta, error) {
	for attempt := 1; ; attempt++ {
		d, err := e.fetchAll(ctx, token, it.NextCursor)
		if err == nil {
			return d, nil
		}

		if !errors.Is(err, aggregator.ErrMutationDuringPagination) || attempt >= maxPaginationAttempts {
			return nil, err
		}

		e.logger.Info("restarting pagination from stored cursor after upstream mutation",
			"item_id", it.ItemID, "attempt", attempt)
	}
}

func (e *Engine) fetchAll(ctx context.Context, token string, initial *string) (*delta, error) {
	d := &delta{cursor: initial}
	cursor := initial

	for {
		page, err := e.client.FetchTransactionsPage(ctx, token, cursor)
		if err != nil {
			return nil, err
		}

		d.upserts = append(d.upserts, page.Added...)
		d.upserts = append(d.upserts, page.Modified...)
		d.removed = append(d.removed, page.Removed...)

		if page.HasMore && page.NextCursor == "" {
			return nil, errors.New("upstream reported more pages without a next cursor")
		}

		if page.HasMore && cursor != nil && *cursor == page.NextCursor {
			return nil, fmt.Errorf("upstream returned cursor %q again with more pages pending", page.NextCursor)
		}

		if page.NextCursor != "" {
			next := page.NextCursor
			cursor = &next
			d.cursor = &next
		}

		if !page.HasMore {
			return d, nil
		}
	}
}

// apply writes the delta in one apply transaction and returns the counts and
// the local accounts that received rows.
func (e *Engine) apply(ctx context.Context, it *item.Item, links map[string]*item.AccountLink, d *delta) (Result, []uuid.UUID, error) {
	var res Result

	now := e.now()
	accountIDs := lo.Uniq(lo.Map(lo.Values(links), func(l *item.AccountLink, _ int) uuid.UUID { return l.AccountID }))
	touched := make(map[uuid.UUID]struct{})

	atx, err := e.txs.BeginApply(ctx, it.TenantID)
	if err != nil {
		return res, nil, err
	}
	defer atx.Rollback()

	for _, rec := range d.upserts {
		link, ok := links[rec.AccountID]
		if !ok {
			continue
		}

		if rec.TransactionID == "" || rec.Date.IsZero() {
			e.logger.Warn("skipping upstream record without id or date",
				"item_id", it.ItemID, "transaction_id", rec.TransactionID)

			continue
		}

		created, err := atx.Upsert(ctx, toTransaction(it, link, rec))
		if err != nil {
			return res, nil, err
		}

		touched[link.AccountID] = struct{}{}

		if created {
			res.New++
		} else {
			res.Updated++
		}
	}

	for _, r := range d.removed {
		n, err := atx.Tombstone(ctx, accountIDs, r.TransactionID, now)
		if err != nil {
			return res, nil, err
		}

		res.Removed += n
	}

	plan, cutoff, err := e.retention.RetentionCutoff(ctx, it.TenantID, now)
	if err != nil {
		return res, nil, err
	}

	if cutoff != nil {
		pruned, err := atx.PruneBefore(ctx, accountIDs, *cutoff)
		if err != nil {
			return res, nil, err
		}

		res.RetentionPruned = pruned

		if pruned > 0 {
			e.logger.Info("pruned transactions past retention", "item_id", it.ItemID, "plan", plan, "count", pruned)
		}
	}

	if err := atx.Commit(); err != nil {
		return res, nil, fmt.Errorf("committing apply tx: %w", err)
	}

	return res, lo.Keys(touched), nil
}

func toTransaction(it *item.Item, link *item.AccountLink, rec aggregator.Transaction) *transaction.Transaction {
	merchant := normalize.MerchantName(lo.CoalesceOrEmpty(rec.MerchantName, rec.Name))
	description := lo.CoalesceOrEmpty(rec.Name, rec.MerchantName, merchant)
	currency := lo.CoalesceOrEmpty(rec.Currency, link.Account.Currency, defaultCurrency)

	y, m, d := rec.Date.Date()

	return &transaction.Transaction{
		TenantID:     it.TenantID,
		AccountID:    link.AccountID,
		ExternalID:   rec.TransactionID,
		Date:         time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Amount:       normalize.Cents(rec.Amount.Neg()),
		Currency:     currency,
		Category:     normalize.Category(rec.Category),
		MerchantName: merchant,
		Description:  description,
		Provenance: transaction.Provenance{
			Source:            transaction.SourceAggregator,
			ItemID:            it.ItemID,
			UpstreamAccountID: rec.AccountID,
			Payload:           rec.Raw,
		},
	}
}

func (e *Engine) recordAudit(ctx context.Context, it *item.Item, trigger Trigger, res Result) {
	entry := &audit.Entry{
		TenantID: it.TenantID,
		Action:   audit.ActionItemSync,
		Source:   "backend",
		Metadata: map[string]any{
			"item_id":              it.ItemID,
			"trigger":              string(trigger),
			"new_transactions":     res.New,
			"updated_transactions": res.Updated,
			"removed_transactions": res.Removed,
			"retention_pruned":     res.RetentionPruned,
		},
	}

	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("failed to record sync audit entry", "item_id", it.ItemID, "error", err)
	}
}
