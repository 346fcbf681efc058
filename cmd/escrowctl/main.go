/**
 * @description
 * escrowctl is the operator CLI for the escrow-service. It applies migrations and
 * runs the settlement and commission operations against the configured database
 * without going through the HTTP API.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command tree and flag parsing.
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/gatewayclient"
	"github.com/transfa/escrow-service/pkg/payoutclient"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "escrowctl",
		Short:        "Operate the escrow-service database",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Log engine activity to stderr")

	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle pending wallet logs",
	}
	settleCmd.AddCommand(settleRunCmd, settleIDsCmd)

	commissionCmd := &cobra.Command{
		Use:   "commission",
		Short: "Manage the commission rate schedule",
	}
	commissionCmd.AddCommand(commissionSetCmd, commissionListCmd)

	rootCmd.AddCommand(migrateCmd, settleCmd, commissionCmd)
	return rootCmd
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := store.Migrate(ctx, pool, commandLogger(cmd))
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, file := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", file)
		}
		return nil
	},
}

// ─── settle ─────────────────────────────────────────────────────────────────

var settleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one settlement batch over pending wallet logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			report, err := svc.RunSettlementBatch(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

var settleIDsCmd = &cobra.Command{
	Use:   "ids WALLET_LOG_ID...",
	Short: "Settle the given wallet logs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			report, err := svc.SettleWalletLogs(ctx, ids)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

// ─── commission ─────────────────────────────────────────────────────────────

var commissionSetCmd = &cobra.Command{
	Use:   "set RATE",
	Short: "Append a new commission rate, e.g. 0.1 for 10%",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := decimal.NewFromString(strings.TrimSpace(args[0]))
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[0], err)
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			commission, err := svc.SetCommissionRate(ctx, rate)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), commission)
		})
	},
}

var commissionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the commission rate history, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			commissions, err := svc.ListCommissions(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), commissions)
		})
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(".", commandLogger(cmd))
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return config.Config{}, fmt.Errorf("escrowctl requires STORE_DRIVER=%s", config.StoreDriverPostgres)
	}
	return cfg, nil
}

func commandLogger(cmd *cobra.Command) *slog.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withService opens the database and builds the engine the same way the service does.
// No event publisher is attached; downstream consumers reconcile from the database.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var gateway app.GatewayClient
	if strings.TrimSpace(cfg.GatewayAPIBaseURL) != "" {
		gateway = gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)
	}
	var payout app.PayoutClient
	if strings.TrimSpace(cfg.PayoutServiceURL) != "" {
		payout = payoutclient.NewClient(cfg.PayoutServiceURL, cfg.PayoutServiceAPIKey)
	}

	svc := app.NewService(store.NewPostgresRepository(pool), gateway, payout, nil, commandLogger(cmd), app.Options{
		DefaultCommissionRate: cfg.CommissionRate,
		AutoConfirmWindow:     cfg.AutoConfirmWindow(),
		SettlementBatchLimit:  cfg.SettlementBatchLimit,
		SettlementWorkers:     cfg.SettlementWorkers,
		GatewayMaxAttempts:    cfg.GatewayMaxAttempts,
		GatewayRetryBackoff:   cfg.GatewayRetryBackoff(),
		Currency:              cfg.Currency,
		EventExchange:         cfg.EventExchange,
	})
	return fn(ctx, svc)
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("invalid wallet log id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
