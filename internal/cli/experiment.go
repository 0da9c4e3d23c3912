package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
	"github.com/emiliopalmerini/mbandit/internal/util"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage experiments",
	Long:  `Create, list, activate and inspect the experiments behind feature flags.`,
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new experiment",
	Long: `Create a new experiment for a flag. Parameters left unset take the
MBANDIT_DEFAULT_* values.

Examples:
  mbandit experiment create new-checkout --flag checkout --activate
  mbandit experiment create search-ucb --flag search --strategy ucb1 --c 1.5
  mbandit experiment create pricing --flag pricing --strategy ed --min-views 500 --gate total`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentCreate,
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all experiments",
	RunE:  runExperimentList,
}

var experimentStatsCmd = &cobra.Command{
	Use:     "stats <experiment>",
	Aliases: []string{"show"},
	Short:   "Show counters, confidence intervals and the winner test",
	Args:    cobra.ExactArgs(1),
	RunE:    runExperimentStats,
}

var experimentActivateCmd = &cobra.Command{
	Use:   "activate <experiment>",
	Short: "Activate an experiment",
	Long:  `Activate an experiment. Only one experiment per flag can be active at a time.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentActivate,
}

var experimentDeactivateCmd = &cobra.Command{
	Use:   "deactivate <experiment>",
	Short: "Deactivate an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentDeactivate,
}

var experimentFinalizeCmd = &cobra.Command{
	Use:   "finalize <experiment>",
	Short: "Run the winner test now",
	Long: `Run the significance test on the current counters and lock the winning
arm when the difference is significant. Locked experiments print their winner.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentFinalize,
}

var experimentDeleteCmd = &cobra.Command{
	Use:   "delete <experiment>",
	Short: "Delete an experiment and its counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentDelete,
}

var (
	expFlag         string
	expDescription  string
	expStrategy     string
	expEpsilon      float64
	expExplorationC float64
	expAlpha        float64
	expMinViews     int64
	expGate         string
	expActivate     bool
)

func init() {
	rootCmd.AddCommand(experimentCmd)

	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentStatsCmd)
	experimentCmd.AddCommand(experimentActivateCmd)
	experimentCmd.AddCommand(experimentDeactivateCmd)
	experimentCmd.AddCommand(experimentFinalizeCmd)
	experimentCmd.AddCommand(experimentDeleteCmd)

	f := experimentCreateCmd.Flags()
	f.StringVarP(&expFlag, "flag", "f", "", "Feature flag the experiment decides")
	f.StringVarP(&expDescription, "description", "d", "", "Description of the experiment")
	f.StringVarP(&expStrategy, "strategy", "s", string(domain.StrategyEpsilonGreedy), "epsilon-greedy (eg), epsilon-decay (ed) or ucb1")
	f.Float64Var(&expEpsilon, "epsilon", 0, "Exploration rate in (0,1) for epsilon-greedy")
	f.Float64Var(&expExplorationC, "c", 0, "UCB1 exploration constant")
	f.Float64Var(&expAlpha, "alpha", 0, "Significance level in (0,1) of the winner test")
	f.Int64Var(&expMinViews, "min-views", 0, "Views required before the winner test runs")
	f.StringVar(&expGate, "gate", "", "How min-views is applied: per-arm or total")
	f.BoolVar(&expActivate, "activate", false, "Activate the experiment after creating it")
	_ = experimentCreateCmd.MarkFlagRequired("flag")
}

func runExperimentCreate(cmd *cobra.Command, args []string) error {
	strategy, err := domain.ParseStrategyKind(expStrategy)
	if err != nil {
		return err
	}

	in := engine.NewExperiment{
		Flag:     expFlag,
		Name:     args[0],
		Strategy: strategy,
		Activate: expActivate,
	}
	if cmd.Flags().Changed("epsilon") {
		in.Epsilon = &expEpsilon
	}
	if cmd.Flags().Changed("alpha") {
		in.SignificanceLevel = &expAlpha
	}
	if expDescription != "" {
		in.Description = &expDescription
	}
	if cmd.Flags().Changed("c") {
		in.ExplorationC = &expExplorationC
	}
	if cmd.Flags().Changed("min-views") {
		in.MinViews = &expMinViews
	}
	if expGate != "" {
		if in.Gate, err = domain.ParseGateMode(expGate); err != nil {
			return err
		}
	}

	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.CreateExperiment(ctx, in)
		if err != nil {
			if exp != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Created experiment: %s (%s)\n", exp.Name, exp.ID)
			}
			return err
		}

		status := "Created"
		if exp.IsActive {
			status = "Created and activated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s experiment: %s (%s)\n", status, exp.Name, exp.ID)
		return nil
	})
}

func runExperimentList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		experiments, err := app.Engine.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}
		if len(experiments) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No experiments found")
			return nil
		}

		stats, err := app.Engine.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to load counters: %w", err)
		}
		counters := make(map[string]domain.ArmCounters, len(stats))
		for _, s := range stats {
			counters[s.ExperimentID] = s.Counters
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tFLAG\tSTRATEGY\tSTATUS\tVIEWS\tCONVERSIONS\tWINNER\tCREATED")
		fmt.Fprintln(w, "----\t----\t--------\t------\t-----\t-----------\t------\t-------")
		for _, exp := range experiments {
			c := counters[exp.ID]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				exp.Name,
				exp.Flag,
				exp.Strategy,
				experimentStatus(exp),
				util.FormatNumber(c.TotalViews()),
				util.FormatNumber(c.TotalConversions()),
				winnerLabel(exp),
				util.FormatDateTime(exp.CreatedAt),
			)
		}
		return w.Flush()
	})
}

func runExperimentStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		sum, err := app.Engine.Summarize(ctx, exp.ID)
		if err != nil {
			return err
		}
		return printSummary(cmd.OutOrStdout(), sum)
	})
}

func printSummary(out io.Writer, sum *engine.Summary) error {
	exp := sum.Experiment

	fmt.Fprintf(out, "Experiment: %s (%s)\n", exp.Name, exp.ID)
	fmt.Fprintf(out, "Flag:       %s\n", exp.Flag)
	if exp.Description != nil {
		fmt.Fprintf(out, "About:      %s\n", *exp.Description)
	}
	fmt.Fprintf(out, "Strategy:   %s\n", strategyParams(exp))
	fmt.Fprintf(out, "Status:     %s, %s\n", experimentStatus(exp), sum.Phase)
	fmt.Fprintf(out, "Gate:       %d views %s, alpha %.3g\n", exp.MinViews, exp.Gate, exp.SignificanceLevel)
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ARM\tVIEWS\tCONVERSIONS\tRATE\tINTERVAL")
	for _, arm := range []domain.Arm{domain.ArmControl, domain.ArmTreatment} {
		interval := "-"
		if ci := sum.Intervals[arm]; ci != nil {
			interval = fmt.Sprintf("%s .. %s (%.0f%%)",
				util.FormatPercent(ci.Low), util.FormatPercent(ci.High), ci.Level*100)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			arm,
			sum.Counters.Views[arm],
			sum.Counters.Conversions[arm],
			util.FormatPercent(sum.Rates[arm]),
			interval,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Lift:       %s absolute, %s relative\n",
		util.FormatPercent(sum.Lift.AbsoluteLift), util.FormatPercent(sum.Lift.RelativeLift))
	fmt.Fprintf(out, "Traffic:    %s treatment so far, %s next request\n",
		util.FormatPercent(sum.Lift.TreatmentShare), util.FormatPercent(sum.ActivationProbability))

	if sum.Evaluation.Decidable {
		fmt.Fprintf(out, "t-test:     t=%.3f df=%.1f p=%.4g\n",
			sum.Evaluation.TStatistic, sum.Evaluation.DegreesOfFreedom, sum.Evaluation.PValue)
	} else {
		fmt.Fprintln(out, "t-test:     waiting for enough views")
	}
	fmt.Fprintf(out, "Winner:     %s\n", winnerLabel(exp))
	return nil
}

func runExperimentActivate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.Activate(ctx, exp.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Activated experiment: %s (flag %s)\n", exp.Name, exp.Flag)
		return nil
	})
}

func runExperimentDeactivate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.Deactivate(ctx, exp.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deactivated experiment: %s\n", exp.Name)
		return nil
	})
}

func runExperimentFinalize(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		winner, err := app.Engine.MaybeFinalize(ctx, exp.ID)
		if err != nil {
			return err
		}
		if winner == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No significant winner yet for %s\n", exp.Name)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Winner for %s: %s\n", exp.Name, *winner)
		return nil
	})
}

func runExperimentDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.Delete(ctx, exp.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted experiment: %s\n", exp.Name)
		return nil
	})
}

func experimentStatus(exp *domain.Experiment) string {
	if exp.IsActive {
		return "active"
	}
	return "inactive"
}

func winnerLabel(exp *domain.Experiment) string {
	if exp.WinningArm == nil {
		return "-"
	}
	return exp.WinningArm.String()
}

func strategyParams(exp *domain.Experiment) string {
	switch exp.Strategy {
	case domain.StrategyUCB1:
		return fmt.Sprintf("%s (c=%.3g)", exp.Strategy, exp.ExplorationC)
	case domain.StrategyEpsilonDecay:
		return fmt.Sprintf("%s (k=%d)", exp.Strategy, bandit.DecayK)
	default:
		return fmt.Sprintf("%s (epsilon=%.3g)", exp.Strategy, exp.Epsilon)
	}
}
