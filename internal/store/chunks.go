package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

// TestWrite is one test result of a chunk. Name is the qualified
// "{case}.{test}" name, already truncated.
type TestWrite struct {
	Name   string
	Result tradefed.Result
	Log    string
}

// ChunkWrite is the unit a worker persists atomically.
type ChunkWrite struct {
	RunID         int64
	SuiteID       int64
	Suite         string
	EnvironmentID int64
	HandoffID     string
	Generation    int64
	Tests         []TestWrite
}

// Tally counts classified tests.
type Tally struct {
	Pass  int
	Fail  int
	XFail int
	Skip  int
}

func (t *Tally) add(o tradefed.Outcome) {
	switch o {
	case tradefed.OutcomePass:
		t.Pass++
	case tradefed.OutcomeFail:
		t.Fail++
	case tradefed.OutcomeXFail:
		t.XFail++
	case tradefed.OutcomeSkip:
		t.Skip++
	}
}

// ChunkResult reports what RecordChunk did.
type ChunkResult struct {
	// Tally counts the tests inserted by this call.
	Tally Tally

	// Replayed is set when the chunk had already been applied.
	Replayed bool

	// Fire is set when this call completed the run's barrier, or when a
	// replayed chunk finds the barrier fired but not yet done.
	Fire bool
}

// RecordChunk inserts the tests of a chunk, links them to matching known
// issues, adds the tallies to the run and suite statuses and counts the chunk
// on the run barrier, all in one transaction. A chunk whose handoff id was
// already applied only reports the barrier state.
func (s *Store) RecordChunk(ctx context.Context, w ChunkWrite) (ChunkResult, error) {
	var res ChunkResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = ChunkResult{}

		fresh, err := insertReceipt(tx, w.RunID, w.HandoffID, w.Generation, false)
		if err != nil {
			return err
		}
		if !fresh {
			res.Replayed = true
			res.Fire, err = barrierPending(tx, w.RunID, w.Generation)
			return err
		}

		res.Tally, err = insertTests(tx, w)
		if err != nil {
			return err
		}

		// Lock order is run row, then suite row, then barrier.
		if err := addTally(tx, w.RunID, RunStatusSuite, res.Tally); err != nil {
			return err
		}
		if err := addTally(tx, w.RunID, w.SuiteID, res.Tally); err != nil {
			return err
		}

		res.Fire, err = countChunk(tx, w.RunID, w.Generation, false)
		return err
	})
	if err != nil {
		return ChunkResult{}, errors.Wrapf(err, "failed to record chunk %s", w.HandoffID)
	}
	return res, nil
}

// FailChunk counts a chunk that could not be applied on the run barrier.
// Like RecordChunk it is idempotent per handoff id.
func (s *Store) FailChunk(ctx context.Context, runID int64, handoffID string, generation int64) (bool, error) {
	var fire bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := insertReceipt(tx, runID, handoffID, generation, true)
		if err != nil {
			return err
		}
		if !fresh {
			fire, err = barrierPending(tx, runID, generation)
			return err
		}
		fire, err = countChunk(tx, runID, generation, true)
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to record failure of chunk %s", handoffID)
	}
	return fire, nil
}

func insertReceipt(tx *gorm.DB, runID int64, handoffID string, generation int64, failed bool) (bool, error) {
	res := tx.Exec(
		"INSERT INTO chunk_receipts (handoff_id, test_run_id, generation, failed, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (handoff_id) DO NOTHING",
		handoffID, runID, generation, failed, time.Now().UTC(),
	)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to insert chunk receipt")
	}
	return res.RowsAffected == 1, nil
}

func insertTests(tx *gorm.DB, w ChunkWrite) (Tally, error) {
	var tally Tally

	// First occurrence of a name wins, within the chunk and across chunks
	// already recorded for the run and suite.
	seen := make(map[string]bool, len(w.Tests))
	var names []string
	for _, t := range w.Tests {
		if !seen[t.Name] {
			seen[t.Name] = true
			names = append(names, t.Name)
		}
	}
	for _, batch := range batches(names, queryBatchSize) {
		var existing []string
		err := tx.Model(&Test{}).
			Where("test_run_id = ? AND suite_id = ? AND name IN ?", w.RunID, w.SuiteID, batch).
			Pluck("name", &existing).Error
		if err != nil {
			return tally, errors.Wrap(err, "failed to query recorded tests")
		}
		for _, n := range existing {
			seen[n] = false
		}
	}

	var failing []string
	for _, t := range w.Tests {
		if seen[t.Name] && t.Result.IsFailure() {
			failing = append(failing, tradefed.FullName(w.Suite, t.Name))
		}
	}
	issues, err := activeKnownIssues(tx, w.EnvironmentID, failing)
	if err != nil {
		return tally, err
	}

	rows := make([]Test, 0, len(w.Tests))
	xfail := make(map[string][]int64)
	for _, t := range w.Tests {
		if !seen[t.Name] {
			continue
		}
		seen[t.Name] = false

		matched := issues[tradefed.FullName(w.Suite, t.Name)]
		outcome := tradefed.Classify(t.Result, len(matched) > 0)
		tally.add(outcome)
		if outcome == tradefed.OutcomeXFail {
			xfail[t.Name] = matched
		}
		rows = append(rows, Test{
			TestRunID:      w.RunID,
			SuiteID:        w.SuiteID,
			Name:           t.Name,
			Result:         t.Result.Passed(),
			Log:            t.Log,
			HasKnownIssues: outcome == tradefed.OutcomeXFail,
		})
	}
	if len(rows) == 0 {
		return tally, nil
	}

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, queryBatchSize).Error; err != nil {
		return tally, errors.Wrap(err, "failed to insert tests")
	}

	if len(xfail) > 0 {
		if err := linkKnownIssues(tx, w.RunID, w.SuiteID, xfail); err != nil {
			return tally, err
		}
	}
	return tally, nil
}

// linkKnownIssues runs after the insert so test ids are read back from the
// table rather than trusted from RETURNING.
func linkKnownIssues(tx *gorm.DB, runID, suiteID int64, issues map[string][]int64) error {
	names := make([]string, 0, len(issues))
	for n := range issues {
		names = append(names, n)
	}

	var links []TestKnownIssue
	for _, batch := range batches(names, queryBatchSize) {
		var rows []struct {
			ID   int64
			Name string
		}
		err := tx.Model(&Test{}).Select("id, name").
			Where("test_run_id = ? AND suite_id = ? AND name IN ?", runID, suiteID, batch).
			Scan(&rows).Error
		if err != nil {
			return errors.Wrap(err, "failed to read back inserted tests")
		}
		for _, r := range rows {
			for _, issueID := range issues[r.Name] {
				links = append(links, TestKnownIssue{TestID: r.ID, KnownIssueID: issueID})
			}
		}
	}
	if len(links) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&links, queryBatchSize).Error; err != nil {
		return errors.Wrap(err, "failed to link known issues")
	}
	return nil
}

// addTally locks the (run, suite) status row, creating it if needed, and
// adds t to its counters.
func addTally(tx *gorm.DB, runID, suiteID int64, t Tally) error {
	err := tx.Exec(
		"INSERT INTO statuses (test_run_id, suite_id, tests_pass, tests_fail, tests_x_fail, tests_skip) VALUES (?, ?, 0, 0, 0, 0) ON CONFLICT (test_run_id, suite_id) DO NOTHING",
		runID, suiteID,
	).Error
	if err != nil {
		return errors.Wrapf(err, "failed to create status for run %d suite %d", runID, suiteID)
	}

	var st Status
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("test_run_id = ? AND suite_id = ?", runID, suiteID).
		Take(&st).Error
	if err != nil {
		return errors.Wrapf(err, "failed to lock status for run %d suite %d", runID, suiteID)
	}

	err = tx.Model(&Status{}).Where("id = ?", st.ID).Updates(map[string]any{
		"tests_pass":   gorm.Expr("tests_pass + ?", t.Pass),
		"tests_fail":   gorm.Expr("tests_fail + ?", t.Fail),
		"tests_x_fail": gorm.Expr("tests_x_fail + ?", t.XFail),
		"tests_skip":   gorm.Expr("tests_skip + ?", t.Skip),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update status for run %d suite %d", runID, suiteID)
	}
	return nil
}
