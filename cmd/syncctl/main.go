package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrJamesThe3rd/finsync/internal/app"
	"github.com/MrJamesThe3rd/finsync/internal/config"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/scheduler"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Run sync sweeps and item operations out of band",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processDueCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(relinkCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the app and hands it to fn.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				if err := a.Migrate(cmd.Context()); err != nil {
					return err
				}

				a.Logger.Info("schema applied", "db_driver", a.Config.DB.Driver)

				return nil
			})
		},
	}
}

func processDueCmd() *cobra.Command {
	var (
		safetyNet bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "process-due",
		Short: "Sync one batch of items flagged by webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				if batchSize <= 0 {
					batchSize = a.Config.Sync.BatchSize
				}

				summary, err := a.Scheduler.ProcessDue(cmd.Context(), scheduler.Options{
					IncludeSafetyNet: safetyNet,
					BatchSize:        batchSize,
				})
				if err != nil {
					return err
				}

				return printJSON(cmd, summary)
			})
		},
	}

	cmd.Flags().BoolVar(&safetyNet, "safety-net", false, "Also pick up active items not synced within the safety-net window")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Maximum items to sync (defaults to SYNC_BATCH_SIZE)")

	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Warn and revoke dormant items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				summary, err := a.Sweeper.Run(cmd.Context())
				if err != nil {
					return err
				}

				return printJSON(cmd, summary)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "sync <item-id>",
		Short: "Run one sync pass for an item now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, id, err := parseItemRef(tenant, args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app.App) error {
				res, err := a.Engine.SyncByID(cmd.Context(), tenantID, id)
				if err != nil {
					return err
				}

				return printJSON(cmd, res)
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the item")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func relinkCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "relink <item-id>",
		Short: "Reset an item after the tenant re-authenticated it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, id, err := parseItemRef(tenant, args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app.App) error {
				if err := a.Items.Relinked(cmd.Context(), tenantID, id); err != nil {
					return fmt.Errorf("marking item relinked: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "item %s queued for sync\n", id)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the item")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func itemsCmd() *cobra.Command {
	var (
		tenant         string
		status         string
		includeRemoved bool
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List linked items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := item.ListFilter{IncludeRemoved: includeRemoved}

			if tenant != "" {
				tenantID, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("parsing tenant id: %w", err)
				}

				filter.TenantID = &tenantID
			}

			if status != "" {
				s := item.Status(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}

				filter.Status = &s
			}

			return withApp(cmd, func(a *app.App) error {
				items, err := a.Items.List(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("listing items: %w", err)
				}

				return printJSON(cmd, items)
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Only list items of this tenant")
	cmd.Flags().StringVar(&status, "status", "", "Only list items in this status")
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "Include offboarded items")

	return cmd
}

func parseItemRef(tenant, id string) (uuid.UUID, uuid.UUID, error) {
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parsing tenant id: %w", err)
	}

	itemID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parsing item id: %w", err)
	}

	return tenantID, itemID, nil
}
