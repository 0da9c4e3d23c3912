package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/infrastructure/database"
)

// CounterRepository keeps per-arm counters in arm_counters. Increments are
// single UPDATE statements so concurrent writers never lose an update.
type CounterRepository struct {
	db      *sql.DB
	retries int
}

func NewCounterRepository(db *sql.DB) *CounterRepository {
	return &CounterRepository{db: db, retries: database.DefaultRetries}
}

func (r *CounterRepository) Snapshot(ctx context.Context, experimentID string) (domain.ArmCounters, error) {
	return database.WithRetry(ctx, r.retries, func() (domain.ArmCounters, error) {
		var c domain.ArmCounters

		rows, err := r.db.QueryContext(ctx,
			`SELECT arm, views, conversions FROM arm_counters WHERE experiment_id = ?`, experimentID)
		if err != nil {
			return c, fmt.Errorf("failed to read counters: %w", err)
		}
		defer rows.Close()

		found := 0
		for rows.Next() {
			var rawArm, views, conversions int64
			if err := rows.Scan(&rawArm, &views, &conversions); err != nil {
				return c, fmt.Errorf("failed to scan counters: %w", err)
			}
			arm := domain.Arm(rawArm)
			if !arm.Valid() {
				continue
			}
			c.Views[arm] = views
			c.Conversions[arm] = conversions
			found++
		}
		if err := rows.Err(); err != nil {
			return c, fmt.Errorf("failed to read counters: %w", err)
		}
		if found == 0 {
			return c, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
		}
		return c, nil
	})
}

func (r *CounterRepository) IncrementViews(ctx context.Context, experimentID string, arm domain.Arm) error {
	if !arm.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE arm_counters SET views = views + 1 WHERE experiment_id = ? AND arm = ?`,
		experimentID, int64(arm),
	)
	if err != nil {
		return fmt.Errorf("failed to record view: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	return nil
}

func (r *CounterRepository) IncrementConversions(ctx context.Context, experimentID string, arm domain.Arm) error {
	if !arm.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidArm, arm)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE arm_counters SET conversions = conversions + 1
		WHERE experiment_id = ? AND arm = ? AND conversions < views`,
		experimentID, int64(arm),
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM arm_counters WHERE experiment_id = ? AND arm = ?`,
		experimentID, int64(arm),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	if err != nil {
		return fmt.Errorf("failed to check counters: %w", err)
	}
	return fmt.Errorf("%w: experiment %s arm %s", domain.ErrConversionExceedsViews, experimentID, arm)
}

func (r *CounterRepository) ListStats(ctx context.Context) ([]domain.ExperimentStats, error) {
	return database.WithRetry(ctx, r.retries, func() ([]domain.ExperimentStats, error) {
		rows, err := r.db.QueryContext(ctx, `
			SELECT e.id, e.name, e.flag, c.arm, c.views, c.conversions
			FROM experiments e
			JOIN arm_counters c ON c.experiment_id = e.id
			ORDER BY e.created_at DESC, e.name, c.arm`)
		if err != nil {
			return nil, fmt.Errorf("failed to list stats: %w", err)
		}
		defer rows.Close()

		var stats []domain.ExperimentStats
		index := map[string]int{}
		for rows.Next() {
			var (
				id, name, flag             string
				rawArm, views, conversions int64
			)
			if err := rows.Scan(&id, &name, &flag, &rawArm, &views, &conversions); err != nil {
				return nil, fmt.Errorf("failed to scan stats: %w", err)
			}
			arm := domain.Arm(rawArm)

			i, ok := index[id]
			if !ok {
				i = len(stats)
				index[id] = i
				stats = append(stats, domain.ExperimentStats{ExperimentID: id, ExperimentName: name, Flag: flag})
			}
			if arm.Valid() {
				stats[i].Counters.Views[arm] = views
				stats[i].Counters.Conversions[arm] = conversions
			}
		}
		return stats, rows.Err()
	})
}
