// Package processor drives the transcription pipeline. Exactly one
// worker runs per process; it drains the admission queue in FIFO order
// and is the only writer of job progress and terminal states.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"kakiokoshi/internal/config"
	"kakiokoshi/internal/format"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/media"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/transcriber"
	"kakiokoshi/internal/webhook"
	"kakiokoshi/pkg/logger"
)

// ErrQueueFull is returned when the bounded admission queue is
// saturated; no job row may exist for a rejected enqueue.
var ErrQueueFull = errors.New("job queue is full")

// Processor owns the in-memory queue and the single worker loop.
type Processor struct {
	cfg         *config.Config
	store       *jobstore.Store
	acquirer    *media.Acquirer
	extractor   *media.Extractor
	transcriber *transcriber.Transcriber
	webhooks    *webhook.Service

	queue chan string

	mu      sync.Mutex
	current string
	waiters map[string][]chan models.JobStatus
}

// New wires the processor. The queue capacity provides admission
// back-pressure.
func New(cfg *config.Config, store *jobstore.Store, mgr *modelmanager.Manager, webhooks *webhook.Service) *Processor {
	return &Processor{
		cfg:         cfg,
		store:       store,
		acquirer:    &media.Acquirer{MaxSizeBytes: cfg.MaxUploadBytes()},
		extractor:   &media.Extractor{},
		transcriber: transcriber.New(mgr),
		webhooks:    webhooks,
		queue:       make(chan string, cfg.QueueCapacity),
		waiters:     make(map[string][]chan models.JobStatus),
	}
}

// Enqueue adds a job id to the queue without blocking. Returns
// ErrQueueFull when saturated.
func (p *Processor) Enqueue(jobID string) error {
	select {
	case p.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth returns the number of queued job ids.
func (p *Processor) QueueDepth() int { return len(p.queue) }

// QueueCapacity returns the queue bound.
func (p *Processor) QueueCapacity() int { return cap(p.queue) }

// CurrentJob returns the id being processed, or empty.
func (p *Processor) CurrentJob() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// WaitForTerminal blocks until the job reaches a terminal state or ctx
// expires. A job already terminal returns immediately.
func (p *Processor) WaitForTerminal(ctx context.Context, jobID string) (models.JobStatus, error) {
	ch := make(chan models.JobStatus, 1)
	p.mu.Lock()
	p.waiters[jobID] = append(p.waiters[jobID], ch)
	p.mu.Unlock()

	// The job may have gone terminal before the waiter registered.
	if job, err := p.store.Get(ctx, jobID); err == nil && job.Status.Terminal() {
		p.removeWaiter(jobID, ch)
		return job.Status, nil
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		p.removeWaiter(jobID, ch)
		return "", ctx.Err()
	}
}

func (p *Processor) removeWaiter(jobID string, ch chan models.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.waiters[jobID]
	for i, w := range waiters {
		if w == ch {
			p.waiters[jobID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters[jobID]) == 0 {
		delete(p.waiters, jobID)
	}
}

// publishTerminal wakes every waiter for the job.
func (p *Processor) publishTerminal(jobID string, status models.JobStatus) {
	p.mu.Lock()
	waiters := p.waiters[jobID]
	delete(p.waiters, jobID)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- status
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	logger.Info("Job processor started", "queue_capacity", cap(p.queue))
	for {
		select {
		case jobID := <-p.queue:
			p.mu.Lock()
			p.current = jobID
			p.mu.Unlock()

			p.process(ctx, jobID)

			p.mu.Lock()
			p.current = ""
			p.mu.Unlock()
		case <-ctx.Done():
			logger.Info("Job processor stopped")
			return
		}
	}
}

// StartupSweep reconciles rows left non-terminal by a previous process.
// Rows whose directory is gone are failed with stale_storage; the rest
// are re-queued for resumption from their last committed stage.
func (p *Processor) StartupSweep(ctx context.Context) error {
	jobs, err := p.store.NonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		tree := jobfs.New(p.cfg.JobDir(job.ID))
		if !tree.Exists() {
			logger.Warn("Job row has no directory, marking failed", "job_id", job.ID)
			_ = p.store.MarkFailed(ctx, job.ID, models.JobError{
				Type:    models.ErrStaleStorage,
				Message: "job directory missing after restart",
			})
			continue
		}
		if err := p.Enqueue(job.ID); err != nil {
			logger.Warn("Could not requeue job after restart", "job_id", job.ID, "error", err)
		} else {
			logger.Info("Requeued job after restart", "job_id", job.ID, "status", job.Status)
		}
	}
	return nil
}

// process drives one job through the pipeline. Every stage transition
// is committed before the stage does work, so a crash leaves the row
// pointing at the stage to re-run.
func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		// Deleted while queued.
		return
	}
	if err != nil {
		logger.Error("Failed to load job", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	tree := jobfs.New(p.cfg.JobDir(jobID))
	if !tree.Exists() {
		_ = p.store.MarkFailed(ctx, jobID, models.JobError{
			Type:    models.ErrStaleStorage,
			Message: "job directory missing",
		})
		p.publishTerminal(jobID, models.StatusFailed)
		return
	}

	logger.JobStarted(jobID, string(job.SourceKind), job.SourceRef)
	tree.AppendLog(fmt.Sprintf("%s processing started (status=%s)", time.Now().Format(time.RFC3339), job.Status))
	started := time.Now()

	// A restarted job re-enters at its last committed stage; earlier
	// stages are skipped, and any of their artifacts found missing are
	// re-derived inside the committed stage.
	rank := stageRank(job.Status)

	// Stage 1: acquire source media.
	if rank <= rankDownloading {
		if jobErr := p.advance(ctx, job, models.StatusDownloading, 0); jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		if _, jobErr := p.ensureSource(ctx, job, tree); jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		_ = p.store.UpdateProgress(ctx, jobID, models.StatusDownloading, "downloading", 100, nil)
	}
	if p.abandoned(ctx, jobID, tree) {
		return
	}

	// Stage 2: extract canonical audio.
	var duration float64
	if rank <= rankExtracting {
		if jobErr := p.advance(ctx, job, models.StatusExtracting, 0); jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		var jobErr *models.JobError
		duration, jobErr = p.ensureAudio(ctx, job, tree)
		if jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		_ = p.store.UpdateProgress(ctx, jobID, models.StatusExtracting, "extracting", 100,
			&jobstore.ProgressExtras{DurationSeconds: &duration})
	} else if job.DurationSeconds != nil {
		duration = *job.DurationSeconds
	}
	if p.abandoned(ctx, jobID, tree) {
		return
	}

	// Stage 3: transcribe.
	var transcript *models.Transcript
	if rank <= rankTranscribing {
		if jobErr := p.advance(ctx, job, models.StatusTranscribing, 0); jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		var jobErr *models.JobError
		transcript, jobErr = p.ensureTranscript(ctx, job, tree, &duration)
		if jobErr != nil {
			p.fail(ctx, job, tree, *jobErr)
			return
		}
		_ = p.store.UpdateProgress(ctx, jobID, models.StatusTranscribing, "transcribing", 100, nil)
	} else {
		var err error
		transcript, err = transcriber.ReadTranscript(tree)
		if err != nil {
			// The formatting-stage crash lost the transcript; re-derive
			// it without leaving the committed stage.
			var jobErr *models.JobError
			transcript, jobErr = p.ensureTranscript(ctx, job, tree, &duration)
			if jobErr != nil {
				p.fail(ctx, job, tree, *jobErr)
				return
			}
		}
	}
	if p.abandoned(ctx, jobID, tree) {
		return
	}

	// Stage 4: format artifacts.
	if jobErr := p.advance(ctx, job, models.StatusFormatting, 0); jobErr != nil {
		p.fail(ctx, job, tree, *jobErr)
		return
	}
	formats, err := format.WriteAll(tree, transcript)
	if err != nil {
		p.fail(ctx, job, tree, models.JobError{Type: models.ErrFormat, Message: err.Error()})
		return
	}
	_ = p.store.UpdateProgress(ctx, jobID, models.StatusFormatting, "formatting", 100, nil)

	// The extracted audio is an intermediate; the original source is
	// kept only when configured.
	os.Remove(tree.AudioPath())
	if !p.cfg.KeepSourceMedia {
		if source, err := tree.FindSource(); err == nil {
			os.Remove(source)
		}
	}

	if err := p.store.MarkCompleted(ctx, jobID, duration, formats); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return
		}
		logger.Error("Failed to mark job completed", "job_id", jobID, "error", err)
		return
	}

	tree.AppendLog(fmt.Sprintf("%s processing completed in %s", time.Now().Format(time.RFC3339), time.Since(started)))
	logger.JobCompleted(jobID, time.Since(started), duration)

	job.SetFormats(formats)
	p.webhooks.NotifyCompleted(job, tree, DownloadURLs(job.ID, formats))
	p.publishTerminal(jobID, models.StatusCompleted)
}

// Stage ranks order the pipeline for resume decisions.
const (
	rankQueued = iota
	rankDownloading
	rankExtracting
	rankTranscribing
	rankFormatting
)

func stageRank(status models.JobStatus) int {
	switch status {
	case models.StatusDownloading:
		return rankDownloading
	case models.StatusExtracting:
		return rankExtracting
	case models.StatusTranscribing:
		return rankTranscribing
	case models.StatusFormatting:
		return rankFormatting
	default:
		return rankQueued
	}
}

// ensureSource produces input/source.* if it is not already on disk.
// It performs only the work; the caller owns the stage transition.
func (p *Processor) ensureSource(ctx context.Context, job *models.Job, tree jobfs.Tree) (string, *models.JobError) {
	if source, err := tree.FindSource(); err == nil {
		return source, nil
	}

	if job.SourceKind == models.SourceUpload {
		// Admission staged the upload before the row committed, so a
		// missing file means the directory was tampered with.
		return "", &models.JobError{
			Type:    models.ErrDownload,
			Message: "uploaded source file missing from job directory",
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	source, err := p.acquirer.FetchURL(stageCtx, tree, job.SourceRef)
	if err != nil {
		return "", classify(err, models.ErrDownload)
	}
	tree.AppendLog(fmt.Sprintf("%s source media acquired: %s", time.Now().Format(time.RFC3339), source))
	return source, nil
}

// ensureAudio produces input/audio.wav and its duration. A file already
// on disk is only re-probed.
func (p *Processor) ensureAudio(ctx context.Context, job *models.Job, tree jobfs.Tree) (float64, *models.JobError) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	if _, statErr := os.Stat(tree.AudioPath()); statErr == nil {
		duration, err := p.extractor.ProbeDuration(stageCtx, tree.AudioPath())
		if err != nil {
			return 0, classify(err, models.ErrExtract)
		}
		return duration, nil
	}

	source, jobErr := p.ensureSource(ctx, job, tree)
	if jobErr != nil {
		return 0, jobErr
	}

	duration, err := p.extractor.Extract(stageCtx, tree, source)
	if err != nil {
		return 0, classify(err, models.ErrExtract)
	}
	tree.AppendLog(fmt.Sprintf("%s audio extracted, duration %.2fs", time.Now().Format(time.RFC3339), duration))
	return duration, nil
}

// ensureTranscript runs inference and writes transcript.json. When the
// canonical audio vanished (a crash between stages), the earlier work
// re-runs first without touching the committed stage.
func (p *Processor) ensureTranscript(ctx context.Context, job *models.Job, tree jobfs.Tree, duration *float64) (*models.Transcript, *models.JobError) {
	if _, statErr := os.Stat(tree.AudioPath()); statErr != nil || *duration == 0 {
		d, jobErr := p.ensureAudio(ctx, job, tree)
		if jobErr != nil {
			return nil, jobErr
		}
		*duration = d
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.TranscribeTimeout)
	defer cancel()

	opts := transcriber.Options{
		Language:    job.Language,
		Translate:   job.Translate,
		Temperature: -1,
	}
	if job.Temperature != nil {
		opts.Temperature = *job.Temperature
	}
	opts.Progress = func(percent int) {
		if percent > 0 && percent < 100 {
			_ = p.store.UpdateProgress(ctx, job.ID, models.StatusTranscribing, "transcribing", percent, nil)
		}
	}

	transcript, err := p.transcriber.Transcribe(stageCtx, tree, *duration, opts)
	if err != nil {
		return nil, classify(err, models.ErrTranscription)
	}

	tree.AppendLog(fmt.Sprintf("%s transcription produced %d segments", time.Now().Format(time.RFC3339), len(transcript.Segments)))
	return transcript, nil
}

// advance commits a stage transition before the stage runs. A row that
// vanished (deleted mid-flight) surfaces as the abandoned sentinel so
// the caller abandons without further writes; a transition the status
// DAG rejects is logged and returned as illegal_transition.
func (p *Processor) advance(ctx context.Context, job *models.Job, status models.JobStatus, progress int) *models.JobError {
	err := p.store.UpdateProgress(ctx, job.ID, status, string(status), progress, nil)
	if errors.Is(err, jobstore.ErrNotFound) {
		return &models.JobError{Type: abandonedSentinel}
	}
	if errors.Is(err, jobstore.ErrIllegalTransition) {
		// A guard trip here is a bug; log and fail the job.
		logger.Error("Illegal transition", "job_id", job.ID, "to", status, "error", err)
		return &models.JobError{Type: models.ErrIllegalTransition, Message: err.Error()}
	}
	if err != nil {
		return &models.JobError{Type: models.ErrInternal, Message: err.Error()}
	}
	return nil
}

// abandoned reports whether the job vanished mid-pipeline (cooperative
// cancellation): the row or its directory was deleted.
func (p *Processor) abandoned(ctx context.Context, jobID string, tree jobfs.Tree) bool {
	if !tree.Exists() {
		return true
	}
	if _, err := p.store.Get(ctx, jobID); errors.Is(err, jobstore.ErrNotFound) {
		return true
	}
	return false
}

// abandonedSentinel marks a pseudo-error used internally to unwind when
// the job was deleted; it never reaches the store.
const abandonedSentinel = "abandoned"

// fail writes the terminal failure, logs it, and notifies the webhook.
func (p *Processor) fail(ctx context.Context, job *models.Job, tree jobfs.Tree, jobErr models.JobError) {
	if jobErr.Type == abandonedSentinel {
		return
	}

	tree.AppendLog(fmt.Sprintf("%s processing failed: [%s] %s", time.Now().Format(time.RFC3339), jobErr.Type, jobErr.Message))
	logger.JobFailed(job.ID, jobErr.Type, errors.New(jobErr.Message))

	if err := p.store.MarkFailed(ctx, job.ID, jobErr); err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			logger.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	p.webhooks.NotifyFailed(job, tree, jobErr)
	p.publishTerminal(job.ID, models.StatusFailed)
}

// classify maps a stage error to its taxonomy entry.
func classify(err error, defaultType string) *models.JobError {
	var acquireErr *media.AcquireError
	if errors.As(err, &acquireErr) {
		return &models.JobError{Type: defaultType, Message: acquireErr.Message, Details: acquireErr.Details}
	}
	var extractErr *media.ExtractError
	if errors.As(err, &extractErr) {
		return &models.JobError{Type: defaultType, Message: extractErr.Message, Details: extractErr.Details}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.JobError{Type: models.ErrTimeout, Message: "stage exceeded its time budget"}
	}
	if errors.Is(err, modelmanager.ErrUnavailable) {
		return &models.JobError{Type: models.ErrModelUnavailable, Message: err.Error()}
	}
	return &models.JobError{Type: defaultType, Message: err.Error()}
}

// DownloadURLs builds the artifact URL map advertised to clients and
// webhooks.
func DownloadURLs(jobID string, formats []string) map[string]string {
	urls := make(map[string]string, len(formats))
	for _, f := range formats {
		urls[f] = fmt.Sprintf("/api/jobs/%s/download?format=%s", jobID, f)
	}
	return urls
}
