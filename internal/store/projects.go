package store

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// getOrCreate inserts row unless a row matching the unique columns exists,
// then loads the stored row into dest. Concurrent callers all observe the
// same row.
func getOrCreate(tx *gorm.DB, row any, columns []string, dest any, query string, args ...any) error {
	cols := make([]clause.Column, len(columns))
	for i, c := range columns {
		cols[i] = clause.Column{Name: c}
	}
	if err := tx.Clauses(clause.OnConflict{Columns: cols, DoNothing: true}).Create(row).Error; err != nil {
		return err
	}
	return tx.Where(query, args...).Take(dest).Error
}

// EnsureProject returns the project group/slug, creating it if needed.
func (s *Store) EnsureProject(ctx context.Context, group, slug string) (*Project, error) {
	var p Project
	err := getOrCreate(s.db.WithContext(ctx), &Project{GroupSlug: group, Slug: slug},
		[]string{"group_slug", "slug"}, &p, "group_slug = ? AND slug = ?", group, slug)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure project %s/%s", group, slug)
	}
	return &p, nil
}

// SetProjectSetting stores a per-project setting.
func (s *Store) SetProjectSetting(ctx context.Context, projectID int64, key string, value any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&p, projectID).Error; err != nil {
			return notFound(err, "failed to load project %d", projectID)
		}
		if p.Settings == nil {
			p.Settings = datatypes.JSONMap{}
		}
		p.Settings[key] = value
		if err := tx.Model(&Project{}).Where("id = ?", projectID).Update("settings", p.Settings).Error; err != nil {
			return errors.Wrapf(err, "failed to update settings of project %d", projectID)
		}
		return nil
	})
}

// ProjectSetting returns a per-project setting rendered as a string.
func (s *Store) ProjectSetting(ctx context.Context, projectID int64, key string) (string, bool, error) {
	var p Project
	if err := s.db.WithContext(ctx).Take(&p, projectID).Error; err != nil {
		return "", false, notFound(err, "failed to load project %d", projectID)
	}
	v, ok := p.Settings[key]
	if !ok || v == nil {
		return "", false, nil
	}
	return fmt.Sprint(v), true, nil
}

// EnsureEnvironment returns the environment slug of a project, creating it if needed.
func (s *Store) EnsureEnvironment(ctx context.Context, projectID int64, slug string) (*Environment, error) {
	var e Environment
	err := getOrCreate(s.db.WithContext(ctx), &Environment{ProjectID: projectID, Slug: slug},
		[]string{"project_id", "slug"}, &e, "project_id = ? AND slug = ?", projectID, slug)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure environment %s", slug)
	}
	return &e, nil
}

// EnsureBuild returns the build version of a project, creating it if needed.
func (s *Store) EnsureBuild(ctx context.Context, projectID int64, version string) (*Build, error) {
	var b Build
	err := getOrCreate(s.db.WithContext(ctx), &Build{ProjectID: projectID, Version: version},
		[]string{"project_id", "version"}, &b, "project_id = ? AND version = ?", projectID, version)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure build %s", version)
	}
	return &b, nil
}

// EnsureSuite returns the id of the suite slug within a project, creating it
// if needed. It is safe under concurrent and repeated calls.
func (s *Store) EnsureSuite(ctx context.Context, projectID int64, slug string) (int64, error) {
	var suite Suite
	err := getOrCreate(s.db.WithContext(ctx), &Suite{ProjectID: projectID, Slug: slug},
		[]string{"project_id", "slug"}, &suite, "project_id = ? AND slug = ?", projectID, slug)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to ensure suite %s", slug)
	}
	return suite.ID, nil
}

// CreateTestRun creates an empty run.
func (s *Store) CreateTestRun(ctx context.Context, buildID, environmentID int64) (*TestRun, error) {
	run := &TestRun{BuildID: buildID, EnvironmentID: environmentID, Metadata: datatypes.JSONMap{}}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create test run")
	}
	return run, nil
}

// TestRun loads a run.
func (s *Store) TestRun(ctx context.Context, id int64) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).Take(&run, id).Error; err != nil {
		return nil, notFound(err, "failed to load test run %d", id)
	}
	return &run, nil
}

// RunContext is a run together with the records it hangs off.
type RunContext struct {
	Run         TestRun
	Build       Build
	Environment Environment
	Project     Project
}

// LoadRunContext loads a run with its build, environment and project.
func (s *Store) LoadRunContext(ctx context.Context, runID int64) (*RunContext, error) {
	db := s.db.WithContext(ctx)
	var rc RunContext
	if err := db.Take(&rc.Run, runID).Error; err != nil {
		return nil, notFound(err, "failed to load test run %d", runID)
	}
	if err := db.Take(&rc.Build, rc.Run.BuildID).Error; err != nil {
		return nil, notFound(err, "failed to load build %d", rc.Run.BuildID)
	}
	if err := db.Take(&rc.Environment, rc.Run.EnvironmentID).Error; err != nil {
		return nil, notFound(err, "failed to load environment %d", rc.Run.EnvironmentID)
	}
	if err := db.Take(&rc.Project, rc.Build.ProjectID).Error; err != nil {
		return nil, notFound(err, "failed to load project %d", rc.Build.ProjectID)
	}
	return &rc, nil
}

// SetRunMetadata sets one metadata key of a run.
func (s *Store) SetRunMetadata(ctx context.Context, runID int64, key string, value any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run TestRun
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&run, runID).Error; err != nil {
			return notFound(err, "failed to load test run %d", runID)
		}
		if run.Metadata == nil {
			run.Metadata = datatypes.JSONMap{}
		}
		run.Metadata[key] = value
		if err := tx.Model(&TestRun{}).Where("id = ?", runID).Update("metadata", run.Metadata).Error; err != nil {
			return errors.Wrapf(err, "failed to update metadata of test run %d", runID)
		}
		return nil
	})
}
