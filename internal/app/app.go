// Package app wires the services shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
	"github.com/MrJamesThe3rd/finsync/internal/audit"
	auditStore "github.com/MrJamesThe3rd/finsync/internal/audit/store"
	"github.com/MrJamesThe3rd/finsync/internal/billing"
	billingStore "github.com/MrJamesThe3rd/finsync/internal/billing/store"
	"github.com/MrJamesThe3rd/finsync/internal/cleanup"
	"github.com/MrJamesThe3rd/finsync/internal/config"
	"github.com/MrJamesThe3rd/finsync/internal/database"
	finsyncHttp "github.com/MrJamesThe3rd/finsync/internal/http"
	jobsHandler "github.com/MrJamesThe3rd/finsync/internal/http/jobs"
	webhookHandler "github.com/MrJamesThe3rd/finsync/internal/http/webhook"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	itemStore "github.com/MrJamesThe3rd/finsync/internal/item/store"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
	"github.com/MrJamesThe3rd/finsync/internal/metrics"
	"github.com/MrJamesThe3rd/finsync/internal/notify"
	notifyStore "github.com/MrJamesThe3rd/finsync/internal/notify/store"
	"github.com/MrJamesThe3rd/finsync/internal/scheduler"
	"github.com/MrJamesThe3rd/finsync/internal/secret"
	secretStore "github.com/MrJamesThe3rd/finsync/internal/secret/store"
	"github.com/MrJamesThe3rd/finsync/internal/storage/memory"
	"github.com/MrJamesThe3rd/finsync/internal/transaction"
	txStore "github.com/MrJamesThe3rd/finsync/internal/transaction/store"
	"github.com/MrJamesThe3rd/finsync/internal/webhook"
	webhookStore "github.com/MrJamesThe3rd/finsync/internal/webhook/store"
)

// repositories is one storage backend's set of repositories.
type repositories struct {
	items    item.Repository
	txs      transaction.Repository
	webhooks webhook.Repository
	secrets  secret.Store
	billing  billing.Repository
	audit    audit.Recorder
	notifier notify.Notifier
}

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Items        *item.Service
	Transactions *transaction.Service
	Engine       *itemsync.Engine
	Scheduler    *scheduler.Scheduler
	Sweeper      *cleanup.Sweeper
	Ingestor     *webhook.Ingestor

	db *sql.DB
}

// New opens the configured backend and builds every service on top of it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	repos, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	client := aggregator.NewHTTPClient(aggregator.HTTPConfig{
		BaseURL:   cfg.Aggregator.BaseURL,
		ClientID:  cfg.Aggregator.ClientID,
		Secret:    cfg.Aggregator.Secret,
		Timeout:   cfg.Aggregator.Timeout,
		RateLimit: cfg.Aggregator.RateLimit,
		RateBurst: cfg.Aggregator.RateBurst,
		PageSize:  cfg.Aggregator.PageSize,
	})

	a.Items = item.NewService(repos.items, client, repos.secrets, logger).WithAudit(repos.audit)
	a.Transactions = transaction.NewService(repos.txs)

	a.Engine = itemsync.NewEngine(itemsync.Deps{
		Items:        repos.items,
		Transactions: repos.txs,
		Client:       client,
		Secrets:      repos.secrets,
		Retention:    billing.NewService(repos.billing),
		Audit:        repos.audit,
		Metrics:      a.Metrics,
		Logger:       logger,
		LeaseTTL:     cfg.Sync.LeaseTTL,
	})

	a.Scheduler = scheduler.New(repos.items, a.Engine, cfg.Sync.SafetyNetWindow, a.Metrics, logger).
		WithLeaseTTL(cfg.Sync.LeaseTTL)

	a.Sweeper = cleanup.NewSweeper(cleanup.Config{
		InactiveFor: cfg.Cleanup.InactiveFor,
		Grace:       cfg.Cleanup.Grace,
	}, cleanup.Deps{
		Items:    repos.items,
		Client:   client,
		Secrets:  repos.secrets,
		Notifier: repos.notifier,
		Audit:    repos.audit,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	verifier := webhook.NewVerifier(webhook.VerifierConfig{
		HMACSecret:    cfg.Webhook.HMACSecret,
		Tolerance:     cfg.Webhook.Tolerance,
		AllowUnsigned: cfg.IsLocal(),
	}, webhook.NewKeyCache(client), logger)

	a.Ingestor = webhook.NewIngestor(verifier, repos.webhooks, a.Items, a.Metrics, logger)

	return a, nil
}

func (a *App) openBackend(ctx context.Context) (*repositories, error) {
	if a.Config.DB.Driver == "memory" {
		a.Logger.Warn("using in-memory storage, state is lost on exit")

		b := memory.New()

		return &repositories{
			items:    b.Items(),
			txs:      b.Transactions(),
			webhooks: b.Webhooks(),
			secrets:  b.Secrets(),
			billing:  b.Billing(),
			audit:    b.Audit(),
			notifier: b.Notifications(),
		}, nil
	}

	sealer, err := secretStore.NewSealer(a.Config.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("loading secrets key: %w", err)
	}

	db, err := database.New(ctx, a.Config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	a.db = db

	return &repositories{
		items:    itemStore.New(db),
		txs:      txStore.New(db),
		webhooks: webhookStore.New(db),
		secrets:  secretStore.New(db, sealer),
		billing:  billingStore.New(db),
		audit:    auditStore.New(db),
		notifier: notifyStore.New(db),
	}, nil
}

// Router builds the HTTP surface: webhook receiver, job triggers, metrics.
func (a *App) Router() http.Handler {
	return finsyncHttp.New(
		webhookHandler.NewHandler(a.Ingestor, a.Config.Webhook.MaxBodyBytes),
		jobsHandler.NewHandler(a.Scheduler, a.Sweeper, a.Engine, a.Config.Sync.BatchSize),
		a.Config.Jobs.Secret,
		promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
	)
}

// Runner builds the in-process scheduler over the three sweeps.
func (a *App) Runner() *scheduler.Runner {
	processDue := func(safetyNet bool) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := a.Scheduler.ProcessDue(ctx, scheduler.Options{
				IncludeSafetyNet: safetyNet,
				BatchSize:        a.Config.Sync.BatchSize,
			})

			return err
		}
	}

	return scheduler.NewRunner(a.Logger, a.Config.Jobs.RunTimeout,
		scheduler.Job{Name: "process_due", Every: a.Config.Jobs.ProcessDueEvery, Run: processDue(false)},
		scheduler.Job{Name: "safety_net", Every: a.Config.Jobs.SafetyNetEvery, Run: processDue(true)},
		scheduler.Job{Name: "cleanup", Every: a.Config.Jobs.CleanupEvery, Run: func(ctx context.Context) error {
			_, err := a.Sweeper.Run(ctx)
			return err
		}},
	)
}

// Migrate applies the Postgres schema; the memory backend needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return nil
	}

	return database.Migrate(ctx, a.db)
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}

	return a.db.Close()
}
