package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleGeneration is returned when a barrier operation refers to a
// generation that has since been replaced.
var ErrStaleGeneration = errors.New("stale barrier generation")

func lockBarrier(tx *gorm.DB, runID int64) (*RunBarrier, error) {
	var b RunBarrier
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("test_run_id = ?", runID).
		Take(&b).Error
	if err != nil {
		return nil, notFound(err, "failed to lock barrier of run %d", runID)
	}
	return &b, nil
}

func saveBarrier(tx *gorm.DB, b *RunBarrier) error {
	err := tx.Model(&RunBarrier{}).Where("test_run_id = ?", b.TestRunID).Updates(map[string]any{
		"job_id":     b.JobID,
		"generation": b.Generation,
		"state":      b.State,
		"expected":   b.Expected,
		"completed":  b.Completed,
		"failed":     b.Failed,
		"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update barrier of run %d", b.TestRunID)
	}
	return nil
}

// OpenBarrier starts a new generation of the run's barrier in the
// dispatching state and returns it. Chunks of older generations still
// persist their tests but no longer count.
func (s *Store) OpenBarrier(ctx context.Context, runID, jobID int64) (int64, error) {
	var generation int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec(
			"INSERT INTO run_barriers (test_run_id, job_id, generation, state, expected, completed, failed, updated_at) VALUES (?, ?, 0, ?, 0, 0, 0, CURRENT_TIMESTAMP) ON CONFLICT (test_run_id) DO NOTHING",
			runID, jobID, BarrierDone,
		).Error
		if err != nil {
			return errors.Wrapf(err, "failed to create barrier of run %d", runID)
		}

		b, err := lockBarrier(tx, runID)
		if err != nil {
			return err
		}
		b.Generation++
		b.JobID = jobID
		b.State = BarrierDispatching
		b.Expected, b.Completed, b.Failed = 0, 0, 0
		generation = b.Generation
		return saveBarrier(tx, b)
	})
	if err != nil {
		return 0, err
	}
	return generation, nil
}

// SealBarrier fixes the number of chunks expected for the generation. It
// returns true when every chunk has already been counted, including when
// expected is zero.
func (s *Store) SealBarrier(ctx context.Context, runID, generation int64, expected int) (bool, error) {
	var fire bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBarrier(tx, runID)
		if err != nil {
			return err
		}
		if b.Generation != generation || b.State != BarrierDispatching {
			return errors.Mark(
				errors.Newf("barrier of run %d is at generation %d (%s), not %d", runID, b.Generation, b.State, generation),
				ErrStaleGeneration,
			)
		}
		b.Expected = expected
		b.State = BarrierSealed
		if b.Completed >= b.Expected {
			b.State = BarrierFired
			fire = true
		}
		return saveBarrier(tx, b)
	})
	if err != nil {
		return false, err
	}
	return fire, nil
}

// countChunk adds one completed chunk to the barrier and fires it when the
// generation is sealed and complete.
func countChunk(tx *gorm.DB, runID, generation int64, failed bool) (bool, error) {
	b, err := lockBarrier(tx, runID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b.Generation != generation {
		return false, nil
	}

	b.Completed++
	if failed {
		b.Failed++
	}
	fire := false
	if b.State == BarrierSealed && b.Completed >= b.Expected {
		b.State = BarrierFired
		fire = true
	}
	return fire, saveBarrier(tx, b)
}

func barrierPending(tx *gorm.DB, runID, generation int64) (bool, error) {
	var b RunBarrier
	err := tx.Where("test_run_id = ?", runID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to load barrier of run %d", runID)
	}
	return b.Generation == generation && b.State == BarrierFired, nil
}

// Barrier loads the barrier of a run.
func (s *Store) Barrier(ctx context.Context, runID int64) (*RunBarrier, error) {
	var b RunBarrier
	if err := s.db.WithContext(ctx).Where("test_run_id = ?", runID).Take(&b).Error; err != nil {
		return nil, notFound(err, "failed to load barrier of run %d", runID)
	}
	return &b, nil
}

// CompleteBarrier moves a fired generation to done. It returns false when
// another handler already did, so that follow-up work runs once.
func (s *Store) CompleteBarrier(ctx context.Context, runID, generation int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&RunBarrier{}).
		Where("test_run_id = ? AND generation = ? AND state = ?", runID, generation, BarrierFired).
		Updates(map[string]any{"state": BarrierDone, "updated_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "failed to complete barrier of run %d", runID)
	}
	return res.RowsAffected == 1, nil
}
