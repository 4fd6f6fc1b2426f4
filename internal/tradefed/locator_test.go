package tradefed

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lkftReport = `<?xml version='1.0' encoding='UTF-8' standalone='no' ?>
<Result suite_name="CTS" suite_plan="cts-lkft">
  <Module name="module_foo" abi="arm64-v8a" done="true">
    <TestCase name="TestCaseBar">
      <Test result="pass" name="test_bar1" />
      <Test result="fail" name="test_bar4">
        <Failure message="java.lang.Error">
          <StackTrace>java.lang.Error:
at org.junit.Assert.fail(Assert.java:88)
</StackTrace>
        </Failure>
      </Test>
      <Test result="fail" name="first_subname/second_subname.third_subname/test_bar5_64bit">
        <Failure message="java.lang.Error">
          <StackTrace>java.lang.Error: nested</StackTrace>
        </Failure>
      </Test>
      <Test result="fail" name="test_bar6.param" />
      <Test result="fail" name="test_bar7">
        <Failure message="empty"><StackTrace></StackTrace></Failure>
      </Test>
    </TestCase>
  </Module>
  <Module name="module_foo" abi="armeabi-v7a" done="true">
    <TestCase name="TestCaseBar">
      <Test result="fail" name="test_bar4">
        <Failure><StackTrace>32-bit trace</StackTrace></Failure>
      </Test>
    </TestCase>
  </Module>
  <Module name="module_plain" done="true">
    <TestCase name="Baz">
      <Test result="fail" name="check.sub">
        <Failure><StackTrace>joined trace</StackTrace></Failure>
      </Test>
    </TestCase>
  </Module>
</Result>
`

func locate(t *testing.T, report string, targets ...Target) map[int64]string {
	t.Helper()
	updated := make(map[int64]string)
	err := LocateLogs(context.Background(), strings.NewReader(report), targets, func(_ context.Context, target Target, log string) error {
		updated[target.ID] = log
		return nil
	})
	require.NoError(t, err)
	return updated
}

func TestLocateLogs_Heuristics(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantLog string
		found   bool
	}{
		{
			name:    "exact last segment",
			target:  Target{ID: 1, Suite: "cts-lkft/arm64-v8a.module_foo", Name: "TestCaseBar.test_bar4"},
			wantLog: "java.lang.Error:\nat org.junit.Assert.fail(Assert.java:88)\n",
			found:   true,
		},
		{
			name:    "abi selects module",
			target:  Target{ID: 2, Suite: "cts-lkft/armeabi-v7a.module_foo", Name: "TestCaseBar.test_bar4"},
			wantLog: "32-bit trace",
			found:   true,
		},
		{
			name:    "complex name from suite tail joined with slash",
			target:  Target{ID: 3, Suite: "cts-lkft/arm64-v8a.module_foo/TestCaseBar.first_subname/second_subname.third_subname", Name: "test_bar5_64bit"},
			wantLog: "java.lang.Error: nested",
			found:   true,
		},
		{
			name:    "last two segments joined",
			target:  Target{ID: 4, Suite: "vts/module_plain", Name: "Baz.check.sub"},
			wantLog: "joined trace",
			found:   true,
		},
		{
			name:   "suite without slash",
			target: Target{ID: 5, Suite: "cts-lkft.arm64-v8a.module_foo", Name: "TestCaseBar.test_bar4"},
		},
		{
			name:   "missing module",
			target: Target{ID: 6, Suite: "cts-lkft/arm64-v8a.module_foo1", Name: "TestCaseBar.test_bar5"},
		},
		{
			name:   "prefix of a longer test name does not match",
			target: Target{ID: 7, Suite: "cts-lkft/arm64-v8a.module_foo", Name: "TestCaseBar.test_bar5"},
		},
		{
			name:   "match without stack trace",
			target: Target{ID: 8, Suite: "cts-lkft/arm64-v8a.module_foo", Name: "TestCaseBar.test_bar6.param"},
		},
		{
			name:   "empty stack trace",
			target: Target{ID: 9, Suite: "cts-lkft/arm64-v8a.module_foo", Name: "TestCaseBar.test_bar7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := locate(t, lkftReport, tt.target)
			log, ok := updated[tt.target.ID]
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.wantLog, log)
			}
		})
	}
}

func TestLocateLogs_Scenario(t *testing.T) {
	updated := locate(t, scenarioReport,
		Target{ID: 1, Suite: "cts/arm64-v8a.foo", Name: "Bar.t2"},
		Target{ID: 2, Suite: "cts/arm64-v8a.foo", Name: "Bar.t4"},
	)
	assert.Equal(t, map[int64]string{1: "boom"}, updated)
}

func TestLocateLogs_NoTargets(t *testing.T) {
	r := strings.NewReader(lkftReport)
	err := LocateLogs(context.Background(), r, nil, func(context.Context, Target, string) error {
		t.Fatal("update must not be called")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(lkftReport), r.Len(), "report must not be read")
}

func TestLocateLogs_MalformedReport(t *testing.T) {
	called := false
	err := LocateLogs(context.Background(), strings.NewReader("<Result><Module"), []Target{{ID: 1, Suite: "a/b", Name: "c.d"}},
		func(context.Context, Target, string) error {
			called = true
			return nil
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedReport))
	assert.False(t, called)
}

func TestLocateLogs_UpdateError(t *testing.T) {
	err := LocateLogs(context.Background(), strings.NewReader(scenarioReport),
		[]Target{{ID: 1, Suite: "cts/arm64-v8a.foo", Name: "Bar.t2"}},
		func(context.Context, Target, string) error {
			return errors.New("write failed")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
}

// Every test the streaming decoder attaches a log to must be found by the
// locator under the same suite and qualified name.
func TestDecoderAndLocatorAgree(t *testing.T) {
	chunks, err := collect(t, NewDecoder(WithChunkSize(1)), lkftReport, "cts-lkft")
	require.NoError(t, err)

	var targets []Target
	want := make(map[int64]string)
	for _, c := range chunks {
		for _, tc := range c.Cases {
			for _, test := range tc.Tests {
				if test.Log == "" {
					continue
				}
				id := int64(len(targets) + 1)
				targets = append(targets, Target{ID: id, Suite: tc.Suite, Name: QualifiedName(tc.Name, test.Name)})
				want[id] = test.Log
			}
		}
	}
	require.NotEmpty(t, targets)

	updated := locate(t, lkftReport, targets...)
	for id, log := range want {
		assert.Equal(t, log, updated[id], targets[id-1].Name)
	}
}
