// Package storetest opens throwaway SQLite stores for tests of the packages
// built on top of store.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// Fixture is a migrated store holding one project, environment, build and run.
type Fixture struct {
	Store       *store.Store
	Project     *store.Project
	Environment *store.Environment
	Build       *store.Build
	Run         *store.TestRun
}

// New opens a migrated SQLite store in a temporary directory.
func New(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "tradefed.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// Seed opens a store and creates the records a test run hangs off.
func Seed(t *testing.T) Fixture {
	t.Helper()
	ctx := context.Background()
	s := New(t)

	proj, err := s.EnsureProject(ctx, "lkft", "android")
	require.NoError(t, err)
	env, err := s.EnsureEnvironment(ctx, proj.ID, "hikey")
	require.NoError(t, err)
	build, err := s.EnsureBuild(ctx, proj.ID, "v1")
	require.NoError(t, err)
	run, err := s.CreateTestRun(ctx, build.ID, env.ID)
	require.NoError(t, err)

	return Fixture{Store: s, Project: proj, Environment: env, Build: build, Run: run}
}
