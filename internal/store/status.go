package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// RecomputeRunStatus rebuilds every status row of a run from its stored
// test records. The run is marked unrecorded for the duration of the
// transaction and recorded again once the rows are written.
func (s *Store) RecomputeRunStatus(ctx context.Context, runID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TestRun{}).Where("id = ?", runID).Update("status_recorded", false).Error; err != nil {
			return errors.Wrapf(err, "failed to reset test run %d", runID)
		}
		if err := tx.Where("test_run_id = ?", runID).Delete(&Status{}).Error; err != nil {
			return errors.Wrapf(err, "failed to delete statuses of run %d", runID)
		}

		var rows []struct {
			SuiteID int64
			Pass    int
			Fail    int
			XFail   int
			Skip    int
		}
		err := tx.Model(&Test{}).
			Select(`suite_id,
				SUM(CASE WHEN result THEN 1 ELSE 0 END) AS pass,
				SUM(CASE WHEN NOT result AND NOT has_known_issues THEN 1 ELSE 0 END) AS fail,
				SUM(CASE WHEN NOT result AND has_known_issues THEN 1 ELSE 0 END) AS x_fail,
				SUM(CASE WHEN result IS NULL THEN 1 ELSE 0 END) AS skip`).
			Where("test_run_id = ?", runID).
			Group("suite_id").
			Order("suite_id").
			Scan(&rows).Error
		if err != nil {
			return errors.Wrapf(err, "failed to aggregate tests of run %d", runID)
		}

		run := Status{TestRunID: runID, SuiteID: RunStatusSuite}
		statuses := make([]Status, 0, len(rows)+1)
		for _, r := range rows {
			statuses = append(statuses, Status{
				TestRunID:  runID,
				SuiteID:    r.SuiteID,
				TestsPass:  r.Pass,
				TestsFail:  r.Fail,
				TestsXFail: r.XFail,
				TestsSkip:  r.Skip,
			})
			run.TestsPass += r.Pass
			run.TestsFail += r.Fail
			run.TestsXFail += r.XFail
			run.TestsSkip += r.Skip
		}
		statuses = append(statuses, run)

		if err := tx.CreateInBatches(&statuses, queryBatchSize).Error; err != nil {
			return errors.Wrapf(err, "failed to insert statuses of run %d", runID)
		}
		if err := tx.Model(&TestRun{}).Where("id = ?", runID).Update("status_recorded", true).Error; err != nil {
			return errors.Wrapf(err, "failed to mark test run %d recorded", runID)
		}
		return nil
	})
}

// SuiteStatus is a status row with its suite slug.
type SuiteStatus struct {
	Suite string
	Status
}

// RunStatus returns the run-level status and the per-suite statuses
// ordered by suite slug.
func (s *Store) RunStatus(ctx context.Context, runID int64) (Status, []SuiteStatus, error) {
	db := s.db.WithContext(ctx)

	var run Status
	err := db.Where("test_run_id = ? AND suite_id = ?", runID, RunStatusSuite).Take(&run).Error
	if err != nil {
		return Status{}, nil, notFound(err, "failed to load status of run %d", runID)
	}

	var suites []SuiteStatus
	err = db.Table("statuses").
		Select("statuses.*, suites.slug AS suite").
		Joins("JOIN suites ON suites.id = statuses.suite_id").
		Where("statuses.test_run_id = ?", runID).
		Order("suites.slug").
		Scan(&suites).Error
	if err != nil {
		return Status{}, nil, errors.Wrapf(err, "failed to load suite statuses of run %d", runID)
	}
	return run, suites, nil
}

// CountTests returns the number of test records of a run.
func (s *Store) CountTests(ctx context.Context, runID int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Test{}).Where("test_run_id = ?", runID).Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "failed to count tests of run %d", runID)
	}
	return n, nil
}

// RecordedTest is a stored test with its suite slug.
type RecordedTest struct {
	Test
	Suite string
}

// Tests returns the test records of a run ordered by suite and name.
func (s *Store) Tests(ctx context.Context, runID int64) ([]RecordedTest, error) {
	var out []RecordedTest
	err := s.db.WithContext(ctx).Table("tests").
		Select("tests.*, suites.slug AS suite").
		Joins("JOIN suites ON suites.id = tests.suite_id").
		Where("tests.test_run_id = ?", runID).
		Order("suites.slug, tests.name").
		Scan(&out).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tests of run %d", runID)
	}
	return out, nil
}

// FailingTests returns the failed tests of a run.
func (s *Store) FailingTests(ctx context.Context, runID int64) ([]RecordedTest, error) {
	var out []RecordedTest
	err := s.db.WithContext(ctx).Table("tests").
		Select("tests.*, suites.slug AS suite").
		Joins("JOIN suites ON suites.id = tests.suite_id").
		Where("tests.test_run_id = ? AND tests.result = ?", runID, false).
		Order("tests.id").
		Scan(&out).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load failing tests of run %d", runID)
	}
	return out, nil
}

// UpdateTestLog sets the log of a test.
func (s *Store) UpdateTestLog(ctx context.Context, testID int64, log string) error {
	err := s.db.WithContext(ctx).Model(&Test{}).Where("id = ?", testID).Update("log", log).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update log of test %d", testID)
	}
	return nil
}
