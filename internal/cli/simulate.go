package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emiliopalmerini/mbandit/internal/adapters/memory"
	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic visitors through an in-memory experiment",
	Long: `Simulate an experiment without touching the database. Each visitor is
served an arm by the chosen strategy, converts with the arm's true rate, and
the run reports when the winner test locked and which arm it picked.

Examples:
  mbandit simulate
  mbandit simulate --strategy ucb1 --control-rate 0.10 --treatment-rate 0.12 --visitors 50000
  mbandit simulate --strategy ed --min-views 500 --gate total --seed 7
  mbandit simulate --runs 200 --treatment-rate 0.11   # how often the better arm wins`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var (
	simStrategy      string
	simControlRate   float64
	simTreatmentRate float64
	simVisitors      int
	simRuns          int
	simSeed          uint64
	simEpsilon       float64
	simExplorationC  float64
	simAlpha         float64
	simMinViews      int64
	simGate          string
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.StringVarP(&simStrategy, "strategy", "s", string(domain.StrategyEpsilonGreedy), "epsilon-greedy (eg), epsilon-decay (ed) or ucb1")
	f.Float64Var(&simControlRate, "control-rate", 0.10, "True conversion rate of the control arm")
	f.Float64Var(&simTreatmentRate, "treatment-rate", 0.15, "True conversion rate of the treatment arm")
	f.IntVarP(&simVisitors, "visitors", "n", 10000, "Number of visitors to simulate")
	f.IntVar(&simRuns, "runs", 1, "Independent runs, each seeded with seed+i")
	f.Uint64Var(&simSeed, "seed", 1, "Seed for arm selection and conversions")
	f.Float64Var(&simEpsilon, "epsilon", 0, "Exploration rate in (0,1) for epsilon-greedy")
	f.Float64Var(&simExplorationC, "c", 0, "UCB1 exploration constant")
	f.Float64Var(&simAlpha, "alpha", 0, "Significance level of the winner test")
	f.Int64Var(&simMinViews, "min-views", 0, "Views required before the winner test runs")
	f.StringVar(&simGate, "gate", "", "How min-views is applied: per-arm or total")
}

// SimulationResult summarizes one simulated run.
type SimulationResult struct {
	Visitors int
	// LockedAfter is the visitor count at lock time, 0 when no winner was found.
	LockedAfter int
	Winner      *domain.Arm
	Summary     *engine.Summary
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	rt, err := envFrom(cmd)
	if err != nil {
		return err
	}

	rates := [domain.NumArms]float64{simControlRate, simTreatmentRate}
	for arm, r := range rates {
		if r < 0 || r > 1 {
			return fmt.Errorf("%w: %s rate %.3g outside [0,1]", domain.ErrInvalidConfig, domain.Arm(arm), r)
		}
	}
	if simVisitors <= 0 || simRuns <= 0 {
		return fmt.Errorf("%w: visitors and runs must be positive", domain.ErrInvalidConfig)
	}

	strategy, err := domain.ParseStrategyKind(simStrategy)
	if err != nil {
		return err
	}
	defaults, err := engineDefaults(rt.cfg.Defaults)
	if err != nil {
		return err
	}

	in := engine.NewExperiment{
		Flag:     "simulation",
		Name:     "simulation",
		Strategy: strategy,
		Activate: true,
	}
	if cmd.Flags().Changed("epsilon") {
		in.Epsilon = &simEpsilon
	}
	if cmd.Flags().Changed("alpha") {
		in.SignificanceLevel = &simAlpha
	}
	if cmd.Flags().Changed("c") {
		in.ExplorationC = &simExplorationC
	}
	if cmd.Flags().Changed("min-views") {
		in.MinViews = &simMinViews
	}
	if simGate != "" {
		if in.Gate, err = domain.ParseGateMode(simGate); err != nil {
			return err
		}
	}

	build := func(seed uint64) *engine.Service {
		return newSimulationService(seed, rt.logger, defaults)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "True rates: control %.2f%%, treatment %.2f%%\n", rates[0]*100, rates[1]*100)

	if simRuns > 1 {
		results, err := simulateMany(cmd.Context(), build, in, rates, simVisitors, simRuns, simSeed)
		if err != nil {
			return err
		}
		printSimulationRuns(cmd, results)
		return nil
	}

	res, err := simulate(cmd.Context(), build(simSeed), in, rates, simVisitors, conversionSource(simSeed))
	if err != nil {
		return err
	}
	if res.Winner != nil {
		fmt.Fprintf(out, "Locked %s after %d of %d visitors\n\n", *res.Winner, res.LockedAfter, res.Visitors)
	} else {
		fmt.Fprintf(out, "No winner after %d visitors\n\n", res.Visitors)
	}
	return printSummary(out, res.Summary)
}

func newSimulationService(seed uint64, logger *slog.Logger, defaults engine.Defaults) *engine.Service {
	store := memory.NewStore()
	return engine.NewService(store.Experiments(), store.Counters(), nil,
		bandit.NewSeededSource(seed), logger, engine.WithDefaults(defaults))
}

func conversionSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed^0x5851f42d4c957f2d, seed))
}

// simulateMany runs independent simulations concurrently, each on its own
// in-memory store. Results keep the order of their seeds.
func simulateMany(
	ctx context.Context,
	build func(seed uint64) *engine.Service,
	in engine.NewExperiment,
	rates [domain.NumArms]float64,
	visitors, runs int,
	seed uint64,
) ([]*SimulationResult, error) {
	results := make([]*SimulationResult, runs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range runs {
		g.Go(func() error {
			s := seed + uint64(i)
			res, err := simulate(gctx, build(s), in, rates, visitors, conversionSource(s))
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printSimulationRuns(cmd *cobra.Command, results []*SimulationResult) {
	var wins [domain.NumArms]int
	var lockedAfter []int
	for _, r := range results {
		if r.Winner == nil {
			continue
		}
		wins[*r.Winner]++
		lockedAfter = append(lockedAfter, r.LockedAfter)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Runs: %d of %d visitors\n", len(results), results[0].Visitors)
	fmt.Fprintf(out, "Locked control: %d, treatment: %d, none: %d\n",
		wins[domain.ArmControl], wins[domain.ArmTreatment], len(results)-len(lockedAfter))
	if len(lockedAfter) > 0 {
		slices.Sort(lockedAfter)
		fmt.Fprintf(out, "Visitors to lock: median %d, min %d, max %d\n",
			lockedAfter[len(lockedAfter)/2], lockedAfter[0], lockedAfter[len(lockedAfter)-1])
	}
}

// simulate serves visitors until the budget is spent. Conversions are drawn
// from conv so the outcome stream is independent of arm selection.
func simulate(
	ctx context.Context,
	svc *engine.Service,
	in engine.NewExperiment,
	rates [domain.NumArms]float64,
	visitors int,
	conv *rand.Rand,
) (*SimulationResult, error) {
	exp, err := svc.CreateExperiment(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &SimulationResult{Visitors: visitors}
	for i := 1; i <= visitors; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := svc.DecideFlag(ctx, exp.Flag)
		if err != nil {
			return nil, err
		}
		if err := svc.RecordView(ctx, exp.ID, d.Arm); err != nil {
			return nil, err
		}
		if conv.Float64() >= rates[d.Arm] {
			continue
		}
		if err := svc.RecordConversion(ctx, exp.ID, d.Arm); err != nil {
			return nil, err
		}

		if res.Winner == nil {
			current, err := svc.Get(ctx, exp.ID)
			if err != nil {
				return nil, err
			}
			if current.Locked() {
				res.Winner = current.WinningArm
				res.LockedAfter = i
			}
		}
	}

	res.Summary, err = svc.Summarize(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}
