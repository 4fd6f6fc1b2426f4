package format

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store/storetest"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

func TestTextFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Format(sampleSummary(), &buf))

	expected := "Test run 3: lkft/android build v1 on hikey\n" +
		"\n" +
		"Suites:\n" +
		"  SUITE                                  PASS  FAIL  XFAIL  SKIP\n" +
		"  cts-lkft/arm64-v8a.CtsBionicTestCases  4     1     0      2\n" +
		"  cts-lkft/arm64-v8a.foo                 1     1     1      0\n" +
		"\n" +
		"Failures:\n" +
		"  cts-lkft/arm64-v8a.foo/Bar.t2\n" +
		"    boom at Bar.t2\n" +
		"  cts-lkft/arm64-v8a.CtsBionicTestCases/Stdio.printf\n" +
		"\n" +
		"Summary: 10 tests, 5 passed, 2 failed, 1 known failures, 2 skipped (50.0% pass rate)\n"
	assert.Equal(t, expected, buf.String())
}

func TestTextFormatter_EmptyRun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TextFormatter{}).Format(&Summary{RunID: 2, Project: "p/q", Build: "b", Environment: "e"}, &buf))
	assert.Equal(t, "Test run 2: p/q build b on e\n\nNo tests recorded\n", buf.String())
}

func TestNew(t *testing.T) {
	f, err := New("Text")
	require.NoError(t, err)
	assert.IsType(t, &TextFormatter{}, f)

	f, err = New("Markdown")
	require.NoError(t, err)
	assert.IsType(t, &MarkdownFormatter{}, f)

	_, err = New("GitHubAnnotations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	fx := storetest.Seed(t)

	suiteID, err := fx.Store.EnsureSuite(ctx, fx.Project.ID, "cts-lkft/arm64-v8a.foo")
	require.NoError(t, err)
	_, err = fx.Store.RecordChunk(ctx, store.ChunkWrite{
		RunID:         fx.Run.ID,
		SuiteID:       suiteID,
		Suite:         "cts-lkft/arm64-v8a.foo",
		EnvironmentID: fx.Environment.ID,
		HandoffID:     "h1",
		Tests: []store.TestWrite{
			{Name: "Bar.t1", Result: tradefed.ResultPass},
			{Name: "Bar.t2", Result: tradefed.ResultFail, Log: "boom at Bar.t2"},
			{Name: "Bar.t3", Result: tradefed.ResultAssumptionFailure},
		},
	})
	require.NoError(t, err)

	s, err := Load(ctx, fx.Store, fx.Run.ID)
	require.NoError(t, err)

	assert.Equal(t, "lkft/android", s.Project)
	assert.Equal(t, "v1", s.Build)
	assert.Equal(t, "hikey", s.Environment)
	assert.Equal(t, 3, s.Status.Total())
	require.Len(t, s.Suites, 1)
	assert.Equal(t, "cts-lkft/arm64-v8a.foo", s.Suites[0].Suite)
	require.Len(t, s.Failures, 2)
	assert.Equal(t, "Bar.t2", s.Failures[0].Name)
	assert.Equal(t, "Bar.t3", s.Failures[1].Name)
}
