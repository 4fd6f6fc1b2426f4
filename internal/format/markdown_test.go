package format

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

func sampleSummary() *Summary {
	return &Summary{
		RunID:       3,
		Project:     "lkft/android",
		Build:       "v1",
		Environment: "hikey",
		Status:      store.Status{TestsPass: 5, TestsFail: 2, TestsXFail: 1, TestsSkip: 2},
		Suites: []store.SuiteStatus{
			{Suite: "cts-lkft/arm64-v8a.CtsBionicTestCases", Status: store.Status{TestsPass: 4, TestsFail: 1, TestsSkip: 2}},
			{Suite: "cts-lkft/arm64-v8a.foo", Status: store.Status{TestsPass: 1, TestsFail: 1, TestsXFail: 1}},
		},
		Failures: []store.RecordedTest{
			{Suite: "cts-lkft/arm64-v8a.foo", Test: store.Test{Name: "Bar.t2", Log: "boom at Bar.t2\n\tat Bar.java:12"}},
			{Suite: "cts-lkft/arm64-v8a.CtsBionicTestCases", Test: store.Test{Name: "Stdio.printf"}},
		},
	}
}

func TestMarkdownFormatter_Format(t *testing.T) {
	tests := []struct {
		name     string
		summary  *Summary
		expected string
	}{
		{
			name:    "failures and suites",
			summary: sampleSummary(),
			expected: "## Test run 3\n" +
				"\n" +
				"lkft/android build `v1` on `hikey`\n" +
				"\n" +
				"| Suite | Pass | Fail | XFail | Skip |\n" +
				"|-------|------|------|-------|------|\n" +
				"| cts-lkft/arm64-v8a.CtsBionicTestCases | 4 | 1 | 0 | 2 |\n" +
				"| cts-lkft/arm64-v8a.foo | 1 | 1 | 1 | 0 |\n" +
				"\n" +
				"### Failures\n" +
				"\n" +
				"- `cts-lkft/arm64-v8a.foo/Bar.t2`: boom at Bar.t2\n" +
				"- `cts-lkft/arm64-v8a.CtsBionicTestCases/Stdio.printf`\n" +
				"\n" +
				"**Summary:** 10 tests, 5 passed, 2 failed, 1 known failures, 2 skipped (50.0% pass rate)\n",
		},
		{
			name: "no failures",
			summary: &Summary{
				RunID: 1, Project: "lkft/android", Build: "v2", Environment: "x15",
				Status: store.Status{TestsPass: 2},
				Suites: []store.SuiteStatus{{Suite: "vts/a|b", Status: store.Status{TestsPass: 2}}},
			},
			expected: "## Test run 1\n" +
				"\n" +
				"lkft/android build `v2` on `x15`\n" +
				"\n" +
				"| Suite | Pass | Fail | XFail | Skip |\n" +
				"|-------|------|------|-------|------|\n" +
				"| vts/a\\|b | 2 | 0 | 0 | 0 |\n" +
				"\n" +
				"**Summary:** 2 tests, 2 passed, 0 failed, 0 known failures, 0 skipped (100.0% pass rate)\n",
		},
		{
			name:    "empty run",
			summary: &Summary{RunID: 9, Project: "p/q", Build: "b", Environment: "e"},
			expected: "## Test run 9\n" +
				"\n" +
				"p/q build `b` on `e`\n" +
				"\n" +
				"No tests recorded\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, (&MarkdownFormatter{}).Format(tt.summary, &buf))
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestMarkdownFormatter_NilSummary(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, (&MarkdownFormatter{}).Format(nil, &buf))
}
