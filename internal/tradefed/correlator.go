package tradefed

import (
	"context"
	"log/slog"
)

// KnownIssueStore persists known issues keyed by title.
type KnownIssueStore interface {
	// EnsureKnownIssue creates the issue if no issue with title exists and
	// registers environmentID on it. Repeated calls are no-ops.
	EnsureKnownIssue(ctx context.Context, title, testName string, environmentID int64) error
}

// KnownIssueCorrelator registers assumption failures as known issues of one environment.
type KnownIssueCorrelator struct {
	store         KnownIssueStore
	environmentID int64
	logger        *slog.Logger
}

// NewKnownIssueCorrelator creates a correlator bound to an environment.
func NewKnownIssueCorrelator(store KnownIssueStore, environmentID int64, logger *slog.Logger) *KnownIssueCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnownIssueCorrelator{
		store:         store,
		environmentID: environmentID,
		logger:        logger,
	}
}

// Correlate implements Correlator.
func (c *KnownIssueCorrelator) Correlate(ctx context.Context, fullName string) error {
	c.logger.Debug("registering known issue", "test", fullName, "environment_id", c.environmentID)
	return c.store.EnsureKnownIssue(ctx, KnownIssueTitle(fullName), fullName, c.environmentID)
}
