package turso_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/emiliopalmerini/mbandit/internal/adapters/turso"
	"github.com/emiliopalmerini/mbandit/internal/domain"
)

func seedExperiment(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	if err := turso.NewExperimentRepository(db).Create(context.Background(), newExperiment(id, "flag-"+id, "name-"+id)); err != nil {
		t.Fatalf("failed to seed experiment: %v", err)
	}
}

func TestCounterRepository_Increments(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedExperiment(t, db, "exp-1")
	repo := turso.NewCounterRepository(db)

	for range 3 {
		if err := repo.IncrementViews(ctx, "exp-1", domain.ArmTreatment); err != nil {
			t.Fatalf("IncrementViews failed: %v", err)
		}
	}
	if err := repo.IncrementViews(ctx, "exp-1", domain.ArmControl); err != nil {
		t.Fatalf("IncrementViews failed: %v", err)
	}
	if err := repo.IncrementConversions(ctx, "exp-1", domain.ArmTreatment); err != nil {
		t.Fatalf("IncrementConversions failed: %v", err)
	}

	c, err := repo.Snapshot(ctx, "exp-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := domain.ArmCounters{Views: [2]int64{1, 3}, Conversions: [2]int64{0, 1}}
	if c != want {
		t.Errorf("Snapshot = %+v, want %+v", c, want)
	}
}

func TestCounterRepository_ConversionsNeverExceedViews(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedExperiment(t, db, "exp-1")
	repo := turso.NewCounterRepository(db)

	err := repo.IncrementConversions(ctx, "exp-1", domain.ArmControl)
	if !errors.Is(err, domain.ErrConversionExceedsViews) {
		t.Fatalf("IncrementConversions without view error = %v", err)
	}

	if err := repo.IncrementViews(ctx, "exp-1", domain.ArmControl); err != nil {
		t.Fatalf("IncrementViews failed: %v", err)
	}
	if err := repo.IncrementConversions(ctx, "exp-1", domain.ArmControl); err != nil {
		t.Fatalf("IncrementConversions failed: %v", err)
	}
	if err := repo.IncrementConversions(ctx, "exp-1", domain.ArmControl); !errors.Is(err, domain.ErrConversionExceedsViews) {
		t.Fatalf("second IncrementConversions error = %v", err)
	}
}

func TestCounterRepository_Errors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := turso.NewCounterRepository(db)

	if _, err := repo.Snapshot(ctx, "missing"); !errors.Is(err, domain.ErrExperimentNotFound) {
		t.Errorf("Snapshot(missing) error = %v", err)
	}
	if err := repo.IncrementViews(ctx, "missing", domain.ArmControl); !errors.Is(err, domain.ErrExperimentNotFound) {
		t.Errorf("IncrementViews(missing) error = %v", err)
	}
	if err := repo.IncrementConversions(ctx, "missing", domain.ArmControl); !errors.Is(err, domain.ErrExperimentNotFound) {
		t.Errorf("IncrementConversions(missing) error = %v", err)
	}
	if err := repo.IncrementViews(ctx, "missing", domain.Arm(5)); !errors.Is(err, domain.ErrInvalidArm) {
		t.Errorf("IncrementViews(arm 5) error = %v", err)
	}
}

func TestCounterRepository_ConcurrentIncrementsAreNotLost(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedExperiment(t, db, "exp-1")
	repo := turso.NewCounterRepository(db)

	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arm := domain.Arm(w % 2)
			for range perWorker {
				if err := repo.IncrementViews(ctx, "exp-1", arm); err != nil {
					t.Errorf("IncrementViews failed: %v", err)
					return
				}
				if err := repo.IncrementConversions(ctx, "exp-1", arm); err != nil {
					t.Errorf("IncrementConversions failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	c, err := repo.Snapshot(ctx, "exp-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	perArm := int64(workers / 2 * perWorker)
	want := domain.ArmCounters{Views: [2]int64{perArm, perArm}, Conversions: [2]int64{perArm, perArm}}
	if c != want {
		t.Errorf("Snapshot = %+v, want %+v", c, want)
	}
}

func TestCounterRepository_ListStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedExperiment(t, db, "exp-1")
	seedExperiment(t, db, "exp-2")
	repo := turso.NewCounterRepository(db)

	if err := repo.IncrementViews(ctx, "exp-2", domain.ArmTreatment); err != nil {
		t.Fatalf("IncrementViews failed: %v", err)
	}

	stats, err := repo.ListStats(ctx)
	if err != nil {
		t.Fatalf("ListStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("ListStats returned %d rows, want 2", len(stats))
	}

	byID := map[string]domain.ExperimentStats{}
	for _, s := range stats {
		byID[s.ExperimentID] = s
	}
	if got := byID["exp-2"]; got.Counters.Views[domain.ArmTreatment] != 1 || got.Flag != "flag-exp-2" {
		t.Errorf("exp-2 stats = %+v", got)
	}
	if got := byID["exp-1"]; got.Counters.TotalViews() != 0 || got.ExperimentName != "name-exp-1" {
		t.Errorf("exp-1 stats = %+v", got)
	}
}

func TestCounterRepository_AgainstLibsqlServer(t *testing.T) {
	db := testTursoDB(t)
	ctx := context.Background()
	seedExperiment(t, db, "exp-1")
	repo := turso.NewCounterRepository(db)

	if err := repo.IncrementViews(ctx, "exp-1", domain.ArmControl); err != nil {
		t.Fatalf("IncrementViews failed: %v", err)
	}
	if err := repo.IncrementConversions(ctx, "exp-1", domain.ArmControl); err != nil {
		t.Fatalf("IncrementConversions failed: %v", err)
	}
	if err := repo.IncrementConversions(ctx, "exp-1", domain.ArmControl); !errors.Is(err, domain.ErrConversionExceedsViews) {
		t.Fatalf("IncrementConversions past views error = %v", err)
	}

	winner, err := turso.NewExperimentRepository(db).SetWinningArm(ctx, "exp-1", domain.ArmControl, testTime)
	if err != nil || winner != domain.ArmControl {
		t.Fatalf("SetWinningArm = %v, %v", winner, err)
	}
}
