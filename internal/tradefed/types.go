// Package tradefed decodes Tradefed (CTS/VTS) test_result.xml reports.
//
// Two consumers share the same input: the streaming Decoder, which walks the
// report token by token and emits bounded chunks of test cases, and the
// Locator, which loads a full tree to find the stack traces of a handful of
// already recorded failures.
package tradefed

import (
	"unicode/utf8"
)

// MaxTestNameLength is the longest test name, in code points, that gets persisted.
// Longer names are truncated, never rejected.
const MaxTestNameLength = 256

// DefaultChunkSize is the number of test cases buffered before a chunk is emitted.
const DefaultChunkSize = 100

// knownIssuePrefix is prepended to the qualified name to build a known issue title.
const knownIssuePrefix = "Tradefed/"

// Test is a single atomic test inside a TestCase.
type Test struct {
	Name   string `json:"name"`
	Result Result `json:"result"`
	Log    string `json:"log,omitempty"`
}

// TestCase groups the atomic tests of one <TestCase> element.
type TestCase struct {
	Name  string `json:"name"`
	Suite string `json:"suite"`
	Tests []Test `json:"tests"`
}

// Chunk is a bounded, ordered batch of test cases belonging to one suite.
type Chunk struct {
	Suite   string     `json:"suite"`
	SuiteID int64      `json:"suite_id"`
	Cases   []TestCase `json:"cases"`
}

// NumTests returns the number of atomic tests across all test cases in the chunk.
func (c Chunk) NumTests() int {
	n := 0
	for _, tc := range c.Cases {
		n += len(tc.Tests)
	}
	return n
}

// ModuleID returns "{abi}.{name}" when abi is set, otherwise name.
func ModuleID(name, abi string) string {
	if abi == "" {
		return name
	}
	return abi + "." + name
}

// SuiteSlug returns the external suite key "{prefix}/{moduleID}".
func SuiteSlug(prefix, moduleID string) string {
	return prefix + "/" + moduleID
}

// Truncate shortens name to MaxTestNameLength code points.
func Truncate(name string) string {
	if utf8.RuneCountInString(name) <= MaxTestNameLength {
		return name
	}

	n := 0
	for i := range name {
		if n == MaxTestNameLength {
			return name[:i]
		}
		n++
	}
	return name
}

// QualifiedName returns the persisted test name "{case}.{test}", truncated.
func QualifiedName(caseName, testName string) string {
	return Truncate(caseName + "." + testName)
}

// FullName joins a suite slug and a qualified test name the way known issues
// reference tests: "{suite}/{case}.{test}".
func FullName(suite, qualifiedName string) string {
	return suite + "/" + qualifiedName
}

// KnownIssueTitle returns the unique title of the known issue tracking fullName.
func KnownIssueTitle(fullName string) string {
	return knownIssuePrefix + fullName
}
