package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Karkibinod/CorpSpend/internal/config"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	envFile  string
	logLevel string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "corpspend",
		Short:         "Corporate spending card ledger",
		Long:          "corpspend runs the card ledger API, its receipt reconciliation workers and schema migrations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(migrateCmd(flags))
	cmd.AddCommand(versionCmd())
	return cmd
}

// setup loads configuration and builds the logger shared by every command.
func setup(flags *globalFlags) (*config.Config, *zap.Logger) {
	_ = config.LoadDotEnv(flags.envFile)

	cfg := config.Load()
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, observability.NewLogger(cfg.LogLevel, "corpspend")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "corpspend", version)
		},
	}
}
