package tradefed

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Result is the outcome Tradefed reports for a single atomic test.
type Result int

const (
	ResultSkip Result = iota
	ResultPass
	ResultFail
	ResultAssumptionFailure
)

// Raw values as they appear in the result attribute of a <Test> element.
const (
	rawPass              = "pass"
	rawFail              = "fail"
	rawSkip              = "skip"
	rawAssumptionFailure = "ASSUMPTION_FAILURE"
)

// ParseResult maps the result and skipped attributes of a <Test> element to a Result.
// Unknown values are treated as skips, the same as an explicit skipped="true".
func ParseResult(raw string, skipped bool) Result {
	if skipped {
		return ResultSkip
	}

	switch raw {
	case rawPass:
		return ResultPass
	case rawFail:
		return ResultFail
	case rawAssumptionFailure:
		return ResultAssumptionFailure
	default:
		return ResultSkip
	}
}

// String returns the Tradefed spelling of the result.
func (r Result) String() string {
	switch r {
	case ResultPass:
		return rawPass
	case ResultFail:
		return rawFail
	case ResultAssumptionFailure:
		return rawAssumptionFailure
	default:
		return rawSkip
	}
}

// MarshalText encodes the result using its Tradefed spelling.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a Tradefed result spelling.
func (r *Result) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case rawPass:
		*r = ResultPass
	case rawFail:
		*r = ResultFail
	case rawAssumptionFailure:
		*r = ResultAssumptionFailure
	case rawSkip, "":
		*r = ResultSkip
	default:
		return errors.Newf("unknown test result %q", s)
	}
	return nil
}

// Outcome is how a recorded test counts towards run and suite statuses.
type Outcome int

const (
	OutcomeSkip Outcome = iota
	OutcomePass
	OutcomeFail
	OutcomeXFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeXFail:
		return "xfail"
	default:
		return "skip"
	}
}

// Classify decides the outcome of a test. Failures and assumption failures
// become expected failures when a known issue matches them.
func Classify(r Result, hasKnownIssues bool) Outcome {
	switch r {
	case ResultPass:
		return OutcomePass
	case ResultFail, ResultAssumptionFailure:
		if hasKnownIssues {
			return OutcomeXFail
		}
		return OutcomeFail
	case ResultSkip:
		return OutcomeSkip
	default:
		return OutcomeSkip
	}
}

// Passed returns the tri-state persisted result: true for pass, false for
// any failure and nil for skips.
func (r Result) Passed() *bool {
	var v bool
	switch r {
	case ResultPass:
		v = true
	case ResultFail, ResultAssumptionFailure:
		v = false
	case ResultSkip:
		return nil
	default:
		return nil
	}
	return &v
}

// IsFailure reports whether the result can be matched against known issues.
func (r Result) IsFailure() bool {
	return r == ResultFail || r == ResultAssumptionFailure
}

// normalizeRaw trims stray whitespace producers leave around attribute values.
func normalizeRaw(s string) string {
	return strings.TrimSpace(s)
}
