package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureKnownIssue gets or creates the known issue titled title and adds
// environmentID to its environments. Repeated and concurrent calls leave
// exactly one issue per title.
func (s *Store) EnsureKnownIssue(ctx context.Context, title, testName string, environmentID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var issue KnownIssue
		err := getOrCreate(tx, &KnownIssue{Title: title, TestName: testName, Active: true},
			[]string{"title"}, &issue, "title = ?", title)
		if err != nil {
			return errors.Wrapf(err, "failed to ensure known issue %s", title)
		}

		link := &KnownIssueEnvironment{KnownIssueID: issue.ID, EnvironmentID: environmentID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
			return errors.Wrapf(err, "failed to link known issue %s to environment %d", title, environmentID)
		}
		return nil
	})
}

// activeKnownIssues maps each of testNames that has active known issues in
// the environment to their ids.
func activeKnownIssues(tx *gorm.DB, environmentID int64, testNames []string) (map[string][]int64, error) {
	out := make(map[string][]int64)
	for _, batch := range batches(testNames, queryBatchSize) {
		var rows []struct {
			ID       int64
			TestName string
		}
		err := tx.Table("known_issues").
			Select("known_issues.id, known_issues.test_name").
			Joins("JOIN known_issue_environments ON known_issue_environments.known_issue_id = known_issues.id").
			Where("known_issue_environments.environment_id = ? AND known_issues.active = ? AND known_issues.test_name IN ?",
				environmentID, true, batch).
			Scan(&rows).Error
		if err != nil {
			return nil, errors.Wrap(err, "failed to query known issues")
		}
		for _, r := range rows {
			out[r.TestName] = append(out[r.TestName], r.ID)
		}
	}
	return out, nil
}

// KnownIssuesFor returns the ids of the active known issues matching
// testName in the environment.
func (s *Store) KnownIssuesFor(ctx context.Context, environmentID int64, testName string) ([]int64, error) {
	m, err := activeKnownIssues(s.db.WithContext(ctx), environmentID, []string{testName})
	if err != nil {
		return nil, err
	}
	return m[testName], nil
}

// CountKnownIssues returns how many known issues carry title.
func (s *Store) CountKnownIssues(ctx context.Context, title string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&KnownIssue{}).Where("title = ?", title).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count known issues")
	}
	return n, nil
}

const queryBatchSize = 500

func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
