package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/prestalabs/prestapay/internal/bootstrap"
	"github.com/prestalabs/prestapay/internal/clock"
	"github.com/prestalabs/prestapay/internal/commission"
	"github.com/prestalabs/prestapay/internal/config"
	"github.com/prestalabs/prestapay/internal/earning"
	"github.com/prestalabs/prestapay/internal/ledger"
	"github.com/prestalabs/prestapay/internal/migration"
	"github.com/prestalabs/prestapay/internal/observability"
	"github.com/prestalabs/prestapay/internal/payment"
	"github.com/prestalabs/prestapay/internal/payout"
	"github.com/prestalabs/prestapay/internal/redis"
	"github.com/prestalabs/prestapay/internal/refund"
	"github.com/prestalabs/prestapay/internal/scheduler"
	"github.com/prestalabs/prestapay/internal/seed"
	"github.com/prestalabs/prestapay/internal/settlement"
	"github.com/prestalabs/prestapay/pkg/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "prestapay",
		Short:   "PrestaPay ledger subsystem CLI",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newSchedulerCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and seed system data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run background ledger workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runScheduler()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then start the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runScheduler()
			return nil
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
		seed.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runScheduler() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		bootstrap.Module,
		fx.Invoke(bootstrap.EnforceSchemaGate),
		ledger.Module,
		commission.Module,
		earning.Module,
		payment.Module,
		settlement.Module,
		payout.Module,
		refund.Module,
		scheduler.Module,
		fx.Invoke(scheduler.Start),
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
