package format

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
)

// TextFormatter formats a run summary as plain text for console output.
type TextFormatter struct{}

// Format formats the summary as plain text.
func (f *TextFormatter) Format(s *Summary, w io.Writer) error {
	if s == nil {
		return errors.New("summary is nil")
	}

	fmt.Fprintf(w, "Test run %d: %s build %s on %s\n", s.RunID, s.Project, s.Build, s.Environment)
	fmt.Fprintln(w)

	if s.Status.Total() == 0 {
		fmt.Fprintln(w, "No tests recorded")
		return nil
	}

	fmt.Fprintln(w, "Suites:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  SUITE\tPASS\tFAIL\tXFAIL\tSKIP")
	for _, suite := range s.Suites {
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\n",
			suite.Suite, suite.TestsPass, suite.TestsFail, suite.TestsXFail, suite.TestsSkip)
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "failed to write suite table")
	}
	fmt.Fprintln(w)

	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "Failures:")
		for _, t := range s.Failures {
			fmt.Fprintf(w, "  %s/%s\n", t.Suite, t.Name)
			if line := firstLine(t.Log); line != "" {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary: %d tests, %d passed, %d failed, %d known failures, %d skipped (%.1f%% pass rate)\n",
		s.Status.Total(), s.Status.TestsPass, s.Status.TestsFail, s.Status.TestsXFail, s.Status.TestsSkip,
		passRate(s.Status))

	return nil
}
