// Package engine runs flag experiments: it picks the arm served for each
// request, records outcomes, and fixes a winner once the difference between
// arms is significant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emiliopalmerini/mbandit/internal/bandit"
	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// Defaults fill experiment parameters left unset at creation.
type Defaults struct {
	Epsilon           float64
	ExplorationC      float64
	SignificanceLevel float64
	MinViews          int64
	Gate              domain.GateMode
}

// DefaultDefaults returns the built-in experiment parameters.
func DefaultDefaults() Defaults {
	return Defaults{
		Epsilon:           domain.DefaultEpsilon,
		ExplorationC:      domain.DefaultExplorationC,
		SignificanceLevel: domain.DefaultSignificanceLevel,
		MinViews:          domain.DefaultMinViews,
		Gate:              domain.GatePerArm,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithDefaults overrides the parameters applied to new experiments.
func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is safe for concurrent use when its repositories and random
// source are. It starts no goroutines.
type Service struct {
	experiments ports.ExperimentRepository
	counters    ports.CounterRepository
	metrics     ports.MetricsExporter
	rng         bandit.RandomSource
	logger      *slog.Logger
	defaults    Defaults
	now         func() time.Time
}

func NewService(
	experiments ports.ExperimentRepository,
	counters ports.CounterRepository,
	metrics ports.MetricsExporter,
	rng bandit.RandomSource,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if rng == nil {
		rng = bandit.DefaultSource()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = discardMetrics{}
	}

	s := &Service{
		experiments: experiments,
		counters:    counters,
		metrics:     metrics,
		rng:         rng,
		logger:      logger,
		defaults:    DefaultDefaults(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type discardMetrics struct{}

func (discardMetrics) ExportDecision(context.Context, *ports.DecisionEvent) error { return nil }
func (discardMetrics) ExportOutcome(context.Context, *ports.OutcomeEvent) error   { return nil }
func (discardMetrics) ExportLock(context.Context, *ports.LockEvent) error         { return nil }
func (discardMetrics) Close(context.Context) error                                { return nil }

// Decision is the arm served for one request on a flag.
type Decision struct {
	ExperimentID string
	Flag         string
	Arm          domain.Arm
	Phase        bandit.Phase
}

// Active reports whether the flag is served as active.
func (d *Decision) Active() bool {
	return d.Arm.Active()
}

// Decide picks the arm for the next request on an experiment. It reads the
// experiment and its counters and never writes.
func (s *Service) Decide(ctx context.Context, experimentID string) (domain.Arm, error) {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return domain.ArmControl, err
	}
	d, err := s.decide(ctx, exp)
	if err != nil {
		return domain.ArmControl, err
	}
	return d.Arm, nil
}

// DecideFlag picks the arm for the flag's active experiment.
func (s *Service) DecideFlag(ctx context.Context, flag string) (*Decision, error) {
	exp, err := s.ActiveForFlag(ctx, flag)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, exp)
}

func (s *Service) decide(ctx context.Context, exp *domain.Experiment) (*Decision, error) {
	counters, err := s.counters.Snapshot(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	m, err := bandit.NewMachine(exp)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		ExperimentID: exp.ID,
		Flag:         exp.Flag,
		Arm:          m.Select(counters, s.rng),
		Phase:        m.Phase(),
	}

	s.export(ctx, "decision", s.metrics.ExportDecision(ctx, &ports.DecisionEvent{
		ExperimentID: exp.ID,
		Flag:         exp.Flag,
		Strategy:     exp.Strategy,
		Arm:          d.Arm,
		Phase:        d.Phase.String(),
	}))
	s.logger.Debug("arm selected",
		"experiment", exp.Name,
		"flag", exp.Flag,
		"arm", d.Arm,
		"phase", d.Phase,
	)
	return d, nil
}

// RecordView counts one exposure of arm.
func (s *Service) RecordView(ctx context.Context, experimentID string, arm domain.Arm) error {
	return s.record(ctx, experimentID, arm, ports.OutcomeView)
}

// RecordConversion counts one conversion on arm and then tries to fix a
// winner. A conversion without a matching view is rejected with
// domain.ErrConversionExceedsViews.
func (s *Service) RecordConversion(ctx context.Context, experimentID string, arm domain.Arm) error {
	if err := s.record(ctx, experimentID, arm, ports.OutcomeConversion); err != nil {
		return err
	}

	if _, err := s.MaybeFinalize(ctx, experimentID); err != nil {
		// The conversion is stored; a failed evaluation is retried on the next one.
		s.logger.Warn("finalize after conversion failed", "experiment_id", experimentID, "error", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, experimentID string, arm domain.Arm, kind ports.OutcomeKind) error {
	if !arm.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return err
	}

	switch kind {
	case ports.OutcomeView:
		err = s.counters.IncrementViews(ctx, experimentID, arm)
	case ports.OutcomeConversion:
		err = s.counters.IncrementConversions(ctx, experimentID, arm)
	default:
		err = fmt.Errorf("unknown outcome %q", kind)
	}
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}

	s.export(ctx, string(kind), s.metrics.ExportOutcome(ctx, &ports.OutcomeEvent{
		ExperimentID: experimentID,
		Flag:         exp.Flag,
		Arm:          arm,
		Kind:         kind,
	}))
	return nil
}

// MaybeFinalize returns the winning arm if one is fixed. A locked experiment
// returns its stored winner without writing. Otherwise the counters are
// tested, and a significant winner is written only if no winner is stored
// yet. A nil arm with a nil error means there is no winner yet.
func (s *Service) MaybeFinalize(ctx context.Context, experimentID string) (*domain.Arm, error) {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Locked() {
		return domain.ArmPtr(*exp.WinningArm), nil
	}

	counters, err := s.counters.Snapshot(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	m, err := bandit.NewMachine(exp)
	if err != nil {
		return nil, err
	}
	eval, locked := m.Observe(counters)
	if !locked {
		s.logger.Debug("no winner yet",
			"experiment", exp.Name,
			"decidable", eval.Decidable,
			"p_value", eval.PValue,
			"total_views", counters.TotalViews(),
		)
		return nil, nil
	}

	proposed := *m.Winner()
	lockedAt := s.now().UTC()
	stored, err := s.experiments.SetWinningArm(ctx, experimentID, proposed, lockedAt)
	if err != nil {
		if errors.Is(err, domain.ErrWinnerConflict) {
			s.logger.Warn("winner already fixed to a different arm",
				"experiment", exp.Name,
				"stored", stored,
				"proposed", proposed,
			)
		}
		return nil, err
	}

	s.logger.Info("winner locked",
		"experiment", exp.Name,
		"flag", exp.Flag,
		"arm", stored,
		"p_value", eval.PValue,
		"total_views", counters.TotalViews(),
	)
	s.export(ctx, "lock", s.metrics.ExportLock(ctx, &ports.LockEvent{
		ExperimentID: experimentID,
		Flag:         exp.Flag,
		Arm:          stored,
		PValue:       eval.PValue,
		TotalViews:   counters.TotalViews(),
		LockedAt:     lockedAt,
	}))
	return domain.ArmPtr(stored), nil
}

func (s *Service) export(ctx context.Context, what string, err error) {
	if err != nil {
		s.logger.DebugContext(ctx, "metrics export failed", "event", what, "error", err)
	}
}

// NewExperiment holds the caller-supplied parameters of an experiment.
// Zero values and nil pointers take the service defaults.
type NewExperiment struct {
	Flag              string
	Name              string
	Description       *string
	Strategy          domain.StrategyKind
	Epsilon           *float64
	ExplorationC      *float64
	SignificanceLevel *float64
	MinViews          *int64
	Gate              domain.GateMode
	Activate          bool
}

// CreateExperiment validates and stores an inactive experiment with zeroed
// counters, then activates it when requested.
func (s *Service) CreateExperiment(ctx context.Context, in NewExperiment) (*domain.Experiment, error) {
	exp := &domain.Experiment{
		ID:                uuid.New().String(),
		Flag:              strings.TrimSpace(in.Flag),
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Strategy:          in.Strategy,
		Epsilon:           s.defaults.Epsilon,
		ExplorationC:      s.defaults.ExplorationC,
		SignificanceLevel: s.defaults.SignificanceLevel,
		MinViews:          s.defaults.MinViews,
		Gate:              in.Gate,
		CreatedAt:         s.now().UTC(),
	}
	if exp.Strategy == "" {
		exp.Strategy = domain.StrategyEpsilonGreedy
	}
	if in.Epsilon != nil {
		exp.Epsilon = *in.Epsilon
	}
	if in.ExplorationC != nil {
		exp.ExplorationC = *in.ExplorationC
	}
	if in.SignificanceLevel != nil {
		exp.SignificanceLevel = *in.SignificanceLevel
	}
	if in.MinViews != nil {
		exp.MinViews = *in.MinViews
	}
	if exp.Gate == "" {
		exp.Gate = s.defaults.Gate
	}

	if err := exp.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.experiments.GetByName(ctx, exp.Name); err != nil {
		return nil, fmt.Errorf("failed to check experiment name: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateExperiment, exp.Name)
	}

	if err := s.experiments.Create(ctx, exp); err != nil {
		return nil, err
	}
	s.logger.Info("experiment created",
		"experiment", exp.Name,
		"id", exp.ID,
		"flag", exp.Flag,
		"strategy", exp.Strategy,
	)

	if in.Activate {
		if err := s.Activate(ctx, exp.ID); err != nil {
			return exp, err
		}
		exp.IsActive = true
	}
	return exp, nil
}

// Activate makes an experiment the one served for its flag.
func (s *Service) Activate(ctx context.Context, experimentID string) error {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := s.experiments.Activate(ctx, experimentID); err != nil {
		return err
	}
	s.logger.Info("experiment activated", "experiment", exp.Name, "flag", exp.Flag)
	return nil
}

// Deactivate retires an experiment and stamps its end time.
func (s *Service) Deactivate(ctx context.Context, experimentID string) error {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := s.experiments.Deactivate(ctx, experimentID, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("experiment deactivated", "experiment", exp.Name, "flag", exp.Flag)
	return nil
}

// Delete removes an experiment and its counters.
func (s *Service) Delete(ctx context.Context, experimentID string) error {
	return s.experiments.Delete(ctx, experimentID)
}

func (s *Service) Get(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	exp, err := s.experiments.GetByID(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	return exp, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*domain.Experiment, error) {
	exp, err := s.experiments.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, name)
	}
	return exp, nil
}

// Resolve looks an experiment up by ID, falling back to its name.
func (s *Service) Resolve(ctx context.Context, idOrName string) (*domain.Experiment, error) {
	exp, err := s.experiments.GetByID(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return exp, nil
	}
	return s.GetByName(ctx, idOrName)
}

func (s *Service) List(ctx context.Context) ([]*domain.Experiment, error) {
	return s.experiments.List(ctx)
}

// ActiveForFlag returns the experiment served for flag.
func (s *Service) ActiveForFlag(ctx context.Context, flag string) (*domain.Experiment, error) {
	exp, err := s.experiments.GetActiveByFlag(ctx, flag)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoActiveExperiment, flag)
	}
	return exp, nil
}

// Stats returns the counters of every experiment.
func (s *Service) Stats(ctx context.Context) ([]domain.ExperimentStats, error) {
	return s.counters.ListStats(ctx)
}
