package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/infrastructure/database"
	"github.com/emiliopalmerini/mbandit/internal/util"
)

const experimentColumns = `id, flag, name, description, strategy, epsilon, exploration_c,
	significance_level, min_views, gate, is_active, winning_arm, locked_at, created_at, ended_at`

type ExperimentRepository struct {
	db      *sql.DB
	retries int
}

func NewExperimentRepository(db *sql.DB) *ExperimentRepository {
	return &ExperimentRepository{db: db, retries: database.DefaultRetries}
}

func (r *ExperimentRepository) Create(ctx context.Context, experiment *domain.Experiment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var winningArm sql.NullInt64
	if experiment.WinningArm != nil {
		winningArm = sql.NullInt64{Int64: int64(*experiment.WinningArm), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO experiments (`+experimentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		experiment.ID,
		experiment.Flag,
		experiment.Name,
		util.NullStringPtr(experiment.Description),
		string(experiment.Strategy),
		experiment.Epsilon,
		experiment.ExplorationC,
		experiment.SignificanceLevel,
		experiment.MinViews,
		string(experiment.Gate),
		util.BoolToInt64(experiment.IsActive),
		winningArm,
		util.NullTime(experiment.LockedAt),
		util.FormatTimestamp(experiment.CreatedAt),
		util.NullTime(experiment.EndedAt),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			if strings.Contains(err.Error(), "experiments.name") {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateExperiment, experiment.Name)
			}
			return fmt.Errorf("%w: %s", domain.ErrActiveExperimentExists, experiment.Flag)
		}
		return fmt.Errorf("failed to create experiment: %w", err)
	}

	for arm := range domain.NumArms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO arm_counters (experiment_id, arm, views, conversions) VALUES (?, ?, 0, 0)`,
			experiment.ID, arm,
		); err != nil {
			return fmt.Errorf("failed to create counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit experiment: %w", err)
	}
	return nil
}

func (r *ExperimentRepository) GetByID(ctx context.Context, id string) (*domain.Experiment, error) {
	return r.getOne(ctx, "get experiment", `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
}

func (r *ExperimentRepository) GetByName(ctx context.Context, name string) (*domain.Experiment, error) {
	return r.getOne(ctx, "get experiment by name", `SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name)
}

func (r *ExperimentRepository) GetActiveByFlag(ctx context.Context, flag string) (*domain.Experiment, error) {
	return r.getOne(ctx, "get active experiment", `SELECT `+experimentColumns+` FROM experiments WHERE flag = ? AND is_active = 1`, flag)
}

func (r *ExperimentRepository) getOne(ctx context.Context, op, query string, arg any) (*domain.Experiment, error) {
	return database.WithRetry(ctx, r.retries, func() (*domain.Experiment, error) {
		e, err := scanExperiment(r.db.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
		return e, nil
	})
}

func (r *ExperimentRepository) List(ctx context.Context) ([]*domain.Experiment, error) {
	return database.WithRetry(ctx, r.retries, func() ([]*domain.Experiment, error) {
		rows, err := r.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, name`)
		if err != nil {
			return nil, fmt.Errorf("failed to list experiments: %w", err)
		}
		defer rows.Close()

		var experiments []*domain.Experiment
		for rows.Next() {
			e, err := scanExperiment(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan experiment: %w", err)
			}
			experiments = append(experiments, e)
		}
		return experiments, rows.Err()
	})
}

func (r *ExperimentRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM arm_counters WHERE experiment_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete counters: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	return tx.Commit()
}

func (r *ExperimentRepository) Activate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE experiments SET is_active = 1, ended_at = NULL WHERE id = ?`, id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: experiment %s", domain.ErrActiveExperimentExists, id)
		}
		return fmt.Errorf("failed to activate experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	return nil
}

func (r *ExperimentRepository) Deactivate(ctx context.Context, id string, endedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE experiments SET is_active = 0, ended_at = ? WHERE id = ? AND is_active = 1`,
		util.FormatTimestamp(endedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	return nil
}

func (r *ExperimentRepository) SetWinningArm(ctx context.Context, id string, arm domain.Arm, lockedAt time.Time) (domain.Arm, error) {
	if !arm.Valid() {
		return arm, fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE experiments SET winning_arm = ?, locked_at = ? WHERE id = ? AND winning_arm IS NULL`,
		int64(arm), util.FormatTimestamp(lockedAt), id,
	); err != nil {
		return arm, fmt.Errorf("failed to set winning arm: %w", err)
	}

	var stored sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT winning_arm FROM experiments WHERE id = ?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return arm, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	if err != nil {
		return arm, fmt.Errorf("failed to read winning arm: %w", err)
	}
	if !stored.Valid {
		return arm, fmt.Errorf("winning arm for %s was not stored", id)
	}

	winner := domain.Arm(stored.Int64)
	if winner != arm {
		return winner, fmt.Errorf("%w: stored %s, proposed %s", domain.ErrWinnerConflict, winner, arm)
	}
	return winner, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*domain.Experiment, error) {
	var (
		e           domain.Experiment
		description sql.NullString
		strategy    string
		gate        string
		isActive    int64
		winningArm  sql.NullInt64
		lockedAt    sql.NullString
		createdAt   string
		endedAt     sql.NullString
	)

	err := row.Scan(
		&e.ID,
		&e.Flag,
		&e.Name,
		&description,
		&strategy,
		&e.Epsilon,
		&e.ExplorationC,
		&e.SignificanceLevel,
		&e.MinViews,
		&gate,
		&isActive,
		&winningArm,
		&lockedAt,
		&createdAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Description = util.NullStringToPtr(description)
	e.Strategy = domain.StrategyKind(strategy)
	e.Gate = domain.GateMode(gate)
	e.IsActive = isActive == 1
	if winningArm.Valid {
		e.WinningArm = domain.ArmPtr(domain.Arm(winningArm.Int64))
	}
	e.LockedAt = util.NullStringToTime(lockedAt)
	e.CreatedAt = util.ParseTimestamp(createdAt)
	e.EndedAt = util.NullStringToTime(endedAt)
	return &e, nil
}
