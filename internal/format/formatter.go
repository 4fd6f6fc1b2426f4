// Package format renders the outcome of an ingested test run for humans.
package format

import (
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// Summary is everything a formatter prints about one test run.
type Summary struct {
	RunID       int64
	Project     string
	Build       string
	Environment string

	Status   store.Status
	Suites   []store.SuiteStatus
	Failures []store.RecordedTest
}

// Formatter writes a run summary.
type Formatter interface {
	Format(s *Summary, w io.Writer) error
}

// New creates a formatter based on the specified format type.
// Supported formats: "Text", "Markdown"
func New(format string) (Formatter, error) {
	switch format {
	case "Text":
		return &TextFormatter{}, nil
	case "Markdown":
		return &MarkdownFormatter{}, nil
	default:
		return nil, errors.Newf("unknown format: %s (supported: Text, Markdown)", format)
	}
}

// Load collects the summary of a run from the store.
func Load(ctx context.Context, s *store.Store, runID int64) (*Summary, error) {
	rc, err := s.LoadRunContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	status, suites, err := s.RunStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	failures, err := s.FailingTests(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		RunID:       runID,
		Project:     rc.Project.GroupSlug + "/" + rc.Project.Slug,
		Build:       rc.Build.Version,
		Environment: rc.Environment.Slug,
		Status:      status,
		Suites:      suites,
		Failures:    failures,
	}, nil
}

func passRate(s store.Status) float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.TestsPass) / float64(s.Total()) * 100
}

// firstLine returns the head of a failure log, which is usually the
// exception message.
func firstLine(log string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(log), "\n")
	return strings.TrimSpace(line)
}
