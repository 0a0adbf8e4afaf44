// Package admission is the boundary at which an external request
// becomes a job row plus an enqueue. It is the only creator of new
// jobs; the directory tree exists before the row commits, and a
// rejected enqueue leaves neither behind.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"kakiokoshi/internal/config"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/media"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/processor"
	"kakiokoshi/pkg/logger"
)

// Service creates jobs for the API surfaces and the dropzone.
type Service struct {
	cfg   *config.Config
	store *jobstore.Store
	proc  *processor.Processor
}

// New wires the admission service.
func New(cfg *config.Config, store *jobstore.Store, proc *processor.Processor) *Service {
	return &Service{cfg: cfg, store: store, proc: proc}
}

// Request describes one job to admit.
type Request struct {
	SourceKind models.SourceKind
	SourceRef  string
	WebhookURL string

	// Upload is the streamed body for upload-kind jobs; it is consumed
	// before the row commits.
	Upload         io.Reader
	UploadFilename string

	// Language, Translate and Temperature are set by the compatible
	// surface only.
	Language    string
	Translate   bool
	Temperature *float64
}

// Admit creates the job directory, stages the upload if any, commits
// the row and enqueues the id. Failures at any step tear down what was
// already created so a rejected admission leaves no residue.
func (s *Service) Admit(ctx context.Context, req Request) (*models.Job, error) {
	job, err := s.newRow(ctx, req)
	if err != nil {
		return nil, err
	}

	tree := jobfs.New(s.cfg.JobDir(job.ID))
	if err := tree.Create(); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	if req.SourceKind == models.SourceUpload {
		acquirer := &media.Acquirer{MaxSizeBytes: s.cfg.MaxUploadBytes()}
		if _, err := acquirer.SaveUpload(tree, req.Upload, req.UploadFilename); err != nil {
			_ = tree.Remove()
			return nil, err
		}
	}

	if err := s.store.Insert(ctx, job); err != nil {
		_ = tree.Remove()
		return nil, err
	}

	if err := s.proc.Enqueue(job.ID); err != nil {
		// queue_full admissions must leave no job row behind.
		_ = s.store.Delete(ctx, job.ID)
		_ = tree.Remove()
		return nil, err
	}

	logger.Info("Job admitted", "job_id", job.ID, "source", job.SourceKind)
	return job, nil
}

// newRow builds the job row. Id generation retries on the unlikely
// collision with an existing row; the upload body must not be consumed
// before the id is settled, so the check happens here rather than at
// insert.
func (s *Service) newRow(ctx context.Context, req Request) (*models.Job, error) {
	var id string
	for attempt := 0; ; attempt++ {
		candidate, err := models.NewJobID()
		if err != nil {
			return nil, err
		}
		if _, err := s.store.Get(ctx, candidate); errors.Is(err, jobstore.ErrNotFound) {
			id = candidate
			break
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("could not generate a fresh job id")
		}
	}
	now := time.Now()
	return &models.Job{
		ID:          id,
		SourceKind:  req.SourceKind,
		SourceRef:   req.SourceRef,
		WebhookURL:  req.WebhookURL,
		Status:      models.StatusQueued,
		Stage:       string(models.StatusQueued),
		Progress:    0,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RetentionPeriod()),
		Language:    req.Language,
		Translate:   req.Translate,
		Temperature: req.Temperature,
	}, nil
}
