package store

import (
	"time"

	"gorm.io/datatypes"
)

// Project groups builds and suites. Settings holds per-project switches
// such as PLUGINS_TRADEFED_EXTRACT_AGGREGATED.
type Project struct {
	ID        int64             `gorm:"primaryKey"`
	GroupSlug string            `gorm:"size:100;uniqueIndex:idx_project_group_slug"`
	Slug      string            `gorm:"size:100;uniqueIndex:idx_project_group_slug"`
	Settings  datatypes.JSONMap `gorm:"type:json"`
}

type Environment struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"uniqueIndex:idx_environment_project_slug"`
	Slug      string `gorm:"size:100;uniqueIndex:idx_environment_project_slug"`
}

type Build struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"uniqueIndex:idx_build_project_version"`
	Version   string `gorm:"size:100;uniqueIndex:idx_build_project_version"`
}

// Suite is a Tradefed module scoped to a project; Slug is
// "{report_prefix}/{module_id}".
type Suite struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"uniqueIndex:idx_suite_project_slug"`
	Slug      string `gorm:"size:256;uniqueIndex:idx_suite_project_slug"`
}

// TestRun is the unit statuses are aggregated for.
type TestRun struct {
	ID             int64 `gorm:"primaryKey"`
	BuildID        int64 `gorm:"index"`
	EnvironmentID  int64 `gorm:"index"`
	StatusRecorded bool
	Metadata       datatypes.JSONMap `gorm:"type:json"`
	CreatedAt      time.Time
}

// Test is one atomic test result. Result is nil for skipped tests.
type Test struct {
	ID             int64  `gorm:"primaryKey"`
	TestRunID      int64  `gorm:"uniqueIndex:idx_test_run_suite_name"`
	SuiteID        int64  `gorm:"uniqueIndex:idx_test_run_suite_name"`
	Name           string `gorm:"size:256;uniqueIndex:idx_test_run_suite_name"`
	Result         *bool
	Log            string `gorm:"type:text"`
	HasKnownIssues bool
}

type KnownIssue struct {
	ID       int64  `gorm:"primaryKey"`
	Title    string `gorm:"size:1024;uniqueIndex"`
	TestName string `gorm:"size:1024;index"`
	Active   bool   `gorm:"default:true"`
}

type KnownIssueEnvironment struct {
	KnownIssueID  int64 `gorm:"primaryKey;autoIncrement:false"`
	EnvironmentID int64 `gorm:"primaryKey;autoIncrement:false"`
}

type TestKnownIssue struct {
	TestID       int64 `gorm:"primaryKey;autoIncrement:false"`
	KnownIssueID int64 `gorm:"primaryKey;autoIncrement:false"`
}

// Status holds the tallies of a run (SuiteID == RunStatusSuite) or of one
// suite within it.
type Status struct {
	ID         int64 `gorm:"primaryKey"`
	TestRunID  int64 `gorm:"uniqueIndex:idx_status_run_suite"`
	SuiteID    int64 `gorm:"uniqueIndex:idx_status_run_suite"`
	TestsPass  int
	TestsFail  int
	TestsXFail int `gorm:"column:tests_x_fail"`
	TestsSkip  int
}

// RunStatusSuite is the SuiteID of the run-level Status row.
const RunStatusSuite = 0

// Total returns the number of tests counted.
func (s Status) Total() int {
	return s.TestsPass + s.TestsFail + s.TestsXFail + s.TestsSkip
}

type Attachment struct {
	ID         int64  `gorm:"primaryKey"`
	TestRunID  int64  `gorm:"uniqueIndex:idx_attachment_run_filename"`
	Filename   string `gorm:"size:256;uniqueIndex:idx_attachment_run_filename"`
	MimeType   string `gorm:"size:100"`
	Length     int64
	StorageKey string `gorm:"size:512"`
}

// Handoff is a serialized chunk waiting for a worker.
type Handoff struct {
	ID        string `gorm:"primaryKey;size:64"`
	TestRunID int64  `gorm:"index"`
	Payload   []byte
	CreatedAt time.Time
}

// ChunkReceipt records that a chunk was applied (or given up on) so that a
// redelivered task does not count twice.
type ChunkReceipt struct {
	HandoffID  string `gorm:"primaryKey;size:64"`
	TestRunID  int64  `gorm:"index"`
	Generation int64
	Failed     bool
	CreatedAt  time.Time
}

// Barrier states.
const (
	BarrierDispatching = "dispatching"
	BarrierSealed      = "sealed"
	BarrierFired       = "fired"
	BarrierDone        = "done"
)

// RunBarrier is the countdown latch gating status recomputation of a run.
// Each ingestion of the run opens a new Generation.
type RunBarrier struct {
	TestRunID  int64 `gorm:"primaryKey;autoIncrement:false"`
	JobID      int64
	Generation int64
	State      string `gorm:"size:20"`
	Expected   int
	Completed  int
	Failed     int
	UpdatedAt  time.Time
}

type Backend struct {
	ID                 int64  `gorm:"primaryKey"`
	Name               string `gorm:"size:128;uniqueIndex"`
	ImplementationType string `gorm:"size:64"`
	URL                string `gorm:"size:512"`
	Token              string `gorm:"size:256"`
	UseXMLRPC          bool   `gorm:"column:use_xml_rpc"`
}

// TestJob is a job executed by a backend whose results are post-processed
// into TestRunID.
type TestJob struct {
	ID         int64  `gorm:"primaryKey"`
	BackendID  int64  `gorm:"index"`
	TargetID   int64  `gorm:"index"`
	JobID      string `gorm:"size:128"`
	TestRunID  *int64
	Definition string `gorm:"type:text"`
	Fetched    bool
	FetchedAt  *time.Time
	Failure    string `gorm:"type:text"`
}

func models() []any {
	return []any{
		&Project{},
		&Environment{},
		&Build{},
		&Suite{},
		&TestRun{},
		&Test{},
		&KnownIssue{},
		&KnownIssueEnvironment{},
		&TestKnownIssue{},
		&Status{},
		&Attachment{},
		&Handoff{},
		&ChunkReceipt{},
		&RunBarrier{},
		&Backend{},
		&TestJob{},
	}
}
