package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm/clause"
)

// EnsureBackend returns the backend name, creating it from b if needed.
func (s *Store) EnsureBackend(ctx context.Context, b Backend) (*Backend, error) {
	var out Backend
	err := getOrCreate(s.db.WithContext(ctx), &b, []string{"name"}, &out, "name = ?", b.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to ensure backend %s", b.Name)
	}
	return &out, nil
}

// CreateTestJob stores a new test job.
func (s *Store) CreateTestJob(ctx context.Context, job *TestJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return errors.Wrap(err, "failed to create test job")
	}
	return nil
}

// TestJobWithBackend is a test job joined with its backend.
type TestJobWithBackend struct {
	Job     TestJob
	Backend Backend
}

// LoadTestJob loads a test job and its backend.
func (s *Store) LoadTestJob(ctx context.Context, id int64) (*TestJobWithBackend, error) {
	db := s.db.WithContext(ctx)
	var out TestJobWithBackend
	if err := db.Take(&out.Job, id).Error; err != nil {
		return nil, notFound(err, "failed to load test job %d", id)
	}
	if err := db.Take(&out.Backend, out.Job.BackendID).Error; err != nil {
		return nil, notFound(err, "failed to load backend %d", out.Job.BackendID)
	}
	return &out, nil
}

// FinishJob records the terminal status of a test job. An empty failure
// means success.
func (s *Store) FinishJob(ctx context.Context, jobID int64, failure string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&TestJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"fetched":    true,
		"fetched_at": now,
		"failure":    failure,
	}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to finish test job %d", jobID)
	}
	s.logger.Info("test job finished", "job_id", jobID, "failed", failure != "")
	return nil
}

// SaveAttachment stores or replaces the attachment a.Filename of a run.
func (s *Store) SaveAttachment(ctx context.Context, a *Attachment) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "test_run_id"}, {Name: "filename"}},
		DoUpdates: clause.AssignmentColumns([]string{"mime_type", "length", "storage_key"}),
	}).Create(a).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save attachment %s", a.Filename)
	}
	return nil
}

// LoadAttachment loads the attachment filename of a run.
func (s *Store) LoadAttachment(ctx context.Context, runID int64, filename string) (*Attachment, error) {
	var a Attachment
	err := s.db.WithContext(ctx).Where("test_run_id = ? AND filename = ?", runID, filename).Take(&a).Error
	if err != nil {
		return nil, notFound(err, "failed to load attachment %s of run %d", filename, runID)
	}
	return &a, nil
}

// Attachments lists the attachments of a run.
func (s *Store) Attachments(ctx context.Context, runID int64) ([]Attachment, error) {
	var out []Attachment
	if err := s.db.WithContext(ctx).Where("test_run_id = ?", runID).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list attachments of run %d", runID)
	}
	return out, nil
}

// SaveHandoff stores a serialized chunk.
func (s *Store) SaveHandoff(ctx context.Context, h *Handoff) error {
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return errors.Wrapf(err, "failed to save handoff %s", h.ID)
	}
	return nil
}

// LoadHandoff loads a serialized chunk.
func (s *Store) LoadHandoff(ctx context.Context, id string) (*Handoff, error) {
	var h Handoff
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&h).Error; err != nil {
		return nil, notFound(err, "failed to load handoff %s", id)
	}
	return &h, nil
}

// DeleteHandoff removes a serialized chunk. Deleting a missing handoff is
// not an error.
func (s *Store) DeleteHandoff(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Handoff{}).Error; err != nil {
		return errors.Wrapf(err, "failed to delete handoff %s", id)
	}
	return nil
}

// CountHandoffs returns the number of handoffs left for a run.
func (s *Store) CountHandoffs(ctx context.Context, runID int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Handoff{}).Where("test_run_id = ?", runID).Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "failed to count handoffs of run %d", runID)
	}
	return n, nil
}

// PurgeHandoffs removes every handoff left for a run and returns how many
// there were.
func (s *Store) PurgeHandoffs(ctx context.Context, runID int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("test_run_id = ?", runID).Delete(&Handoff{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "failed to purge handoffs of run %d", runID)
	}
	return res.RowsAffected, nil
}
