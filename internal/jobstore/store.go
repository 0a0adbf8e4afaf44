package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kakiokoshi/internal/models"

	"gorm.io/gorm"
)

// Sentinel errors returned by store operations.
var (
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrNotFound          = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store provides atomic persistence of job rows. All mutating
// operations are serialized per job id.
type Store struct {
	db *gorm.DB

	// locks serializes mutations for one job id.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store over an opened database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one job id.
func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *Store) releaseLock(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, jobID)
}

// Insert commits a new job row. Returns ErrDuplicateID when the id is
// already present.
func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	l := s.lockFor(job.ID)
	l.Lock()
	defer l.Unlock()

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check job id: %w", err)
	}
	if count > 0 {
		return ErrDuplicateID
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get returns the job row or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status models.JobStatus // empty matches all statuses
	Offset int
	Limit  int
}

// List returns jobs ordered by created_at desc, with the total count
// for pagination.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]models.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var jobs []models.Job
	err := q.Order("created_at desc").Offset(filter.Offset).Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, total, nil
}

// ProgressExtras carries optional fields written together with a
// progress update.
type ProgressExtras struct {
	DurationSeconds *float64
}

// UpdateProgress moves a job to (status, stage, progress). The new
// status must be reachable from the current one, and progress never
// decreases within a stage.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, status models.JobStatus, stage string, progress int, extras *ProgressExtras) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if !models.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, status)
	}
	if status == job.Status && progress < job.Progress {
		// Progress is monotone within a stage; stale updates are dropped.
		return nil
	}

	updates := map[string]interface{}{
		"status":     status,
		"stage":      stage,
		"progress":   progress,
		"updated_at": time.Now(),
	}
	if extras != nil && extras.DurationSeconds != nil {
		updates["duration_seconds"] = *extras.DurationSeconds
	}

	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkCompleted sets the terminal completed state. A second call on an
// already-completed job is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, durationSeconds float64, formats []string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCompleted {
		return nil
	}
	if !models.CanTransition(job.Status, models.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, models.StatusCompleted)
	}

	now := time.Now()
	result := models.Job{}
	result.SetFormats(formats)
	updates := map[string]interface{}{
		"status":           models.StatusCompleted,
		"stage":            string(models.StatusCompleted),
		"progress":         100,
		"completed_at":     now,
		"updated_at":       now,
		"duration_seconds": durationSeconds,
		"result_formats":   result.ResultFormats,
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return nil
}

// MarkFailed sets the terminal failed state. A second call on an
// already-failed job is a no-op.
func (s *Store) MarkFailed(ctx context.Context, jobID string, jobErr models.JobError) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusFailed {
		return nil
	}
	if !models.CanTransition(job.Status, models.StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, models.StatusFailed)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":        models.StatusFailed,
		"stage":         string(models.StatusFailed),
		"failed_at":     now,
		"updated_at":    now,
		"error_type":    jobErr.Type,
		"error_message": jobErr.Message,
		"error_details": jobErr.Details,
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// Delete removes the job row. Directory deletion is the caller's
// responsibility and happens before row deletion in the normal flow.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer func() {
		l.Unlock()
		s.releaseLock(jobID)
	}()

	result := s.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", jobID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Expired returns ids of jobs whose expires_at is before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("expires_at < ?", now).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}
	return ids, nil
}

// NonTerminal returns all jobs still in a pre-terminal state, oldest
// first; used by the startup sweep.
func (s *Store) NonTerminal(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []models.JobStatus{models.StatusCompleted, models.StatusFailed}).
		Order("created_at asc").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
