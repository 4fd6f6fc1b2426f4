package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// MarkdownFormatter formats a run summary as Markdown, with a table of
// suites and a list of failing tests.
type MarkdownFormatter struct{}

// Format formats the summary as Markdown.
func (f *MarkdownFormatter) Format(s *Summary, w io.Writer) error {
	if s == nil {
		return errors.New("summary is nil")
	}

	fmt.Fprintf(w, "## Test run %d\n", s.RunID)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s build `%s` on `%s`\n", s.Project, s.Build, s.Environment)
	fmt.Fprintln(w)

	if s.Status.Total() == 0 {
		fmt.Fprintln(w, "No tests recorded")
		return nil
	}

	fmt.Fprintln(w, "| Suite | Pass | Fail | XFail | Skip |")
	fmt.Fprintln(w, "|-------|------|------|-------|------|")
	for _, suite := range s.Suites {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d |\n",
			escapeCell(suite.Suite), suite.TestsPass, suite.TestsFail, suite.TestsXFail, suite.TestsSkip)
	}
	fmt.Fprintln(w)

	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "### Failures")
		fmt.Fprintln(w)
		for _, t := range s.Failures {
			if line := firstLine(t.Log); line != "" {
				fmt.Fprintf(w, "- `%s/%s`: %s\n", t.Suite, t.Name, line)
			} else {
				fmt.Fprintf(w, "- `%s/%s`\n", t.Suite, t.Name)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "**Summary:** %d tests, %d passed, %d failed, %d known failures, %d skipped (%.1f%% pass rate)\n",
		s.Status.Total(), s.Status.TestsPass, s.Status.TestsFail, s.Status.TestsXFail, s.Status.TestsSkip,
		passRate(s.Status))

	return nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
