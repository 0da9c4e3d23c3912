package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/infrastructure/config"
	"github.com/emiliopalmerini/mbandit/internal/infrastructure/logging"
)

var rootCmd = &cobra.Command{
	Use:   "mbandit",
	Short: "Feature flag experiments driven by multi-armed bandits",
	Long: `mbandit decides whether a feature flag is served active or inactive.

Each flag runs an experiment that shifts traffic towards the better arm
using epsilon-greedy, epsilon-decay or UCB1, and locks the winner once a
t-test on the conversion rates is significant.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

type envKey struct{}

// env is what setup resolves once per invocation.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, envKey{}, &env{cfg: cfg, logger: logger}))
	return nil
}

func envFrom(cmd *cobra.Command) (*env, error) {
	if cmd.Context() != nil {
		if rt, ok := cmd.Context().Value(envKey{}).(*env); ok {
			return rt, nil
		}
	}
	return nil, errors.New("configuration not loaded")
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(recordCmd)
}
