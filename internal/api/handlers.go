// Package api exposes the two HTTP surfaces: the native asynchronous
// job API and the OpenAI-compatible inline one. Both share the same
// execution path beneath the handler boundary.
package api

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"kakiokoshi/internal/admission"
	"kakiokoshi/internal/config"
	"kakiokoshi/internal/format"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/media"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/processor"
	"kakiokoshi/internal/retention"

	"github.com/gin-gonic/gin"
)

// Handler holds the wired collaborators for all HTTP endpoints.
type Handler struct {
	cfg      *config.Config
	store    *jobstore.Store
	proc     *processor.Processor
	admitter *admission.Service
	manager  *modelmanager.Manager
	sweeper  *retention.Sweeper
}

// NewHandler wires the handler.
func NewHandler(cfg *config.Config, store *jobstore.Store, proc *processor.Processor, admitter *admission.Service, manager *modelmanager.Manager, sweeper *retention.Sweeper) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		proc:     proc,
		admitter: admitter,
		manager:  manager,
		sweeper:  sweeper,
	}
}

// apiError writes the native error body.
func apiError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"type": errType, "message": message}})
}

// CreateJob admits a new transcription job from a URL or an uploaded
// file; exactly one of the two must be present.
func (h *Handler) CreateJob(c *gin.Context) {
	// The body cap aborts oversize uploads while they stream, before
	// any job row exists.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes()+1024*1024)

	sourceURL := c.PostForm("url")
	webhookURL := c.PostForm("webhook_url")
	fileHeader, fileErr := c.FormFile("file")

	var maxBytesErr *http.MaxBytesError
	if errors.As(fileErr, &maxBytesErr) {
		apiError(c, http.StatusRequestEntityTooLarge, models.ErrPayloadTooLarge, "upload exceeds configured maximum size")
		return
	}

	hasURL := sourceURL != ""
	hasFile := fileErr == nil && fileHeader != nil
	if hasURL == hasFile {
		apiError(c, http.StatusBadRequest, models.ErrValidation, "exactly one of url or file is required")
		return
	}

	if webhookURL != "" && !validWebhookURL(webhookURL) {
		apiError(c, http.StatusBadRequest, models.ErrValidation, "webhook_url must be an absolute http(s) URL")
		return
	}

	req := admission.Request{WebhookURL: webhookURL}
	if hasURL {
		if !validSourceURL(sourceURL) {
			apiError(c, http.StatusBadRequest, models.ErrValidation, "url must be an absolute http(s) URL")
			return
		}
		req.SourceKind = models.SourceURL
		req.SourceRef = sourceURL
	} else {
		if fileHeader.Size > h.cfg.MaxUploadBytes() {
			apiError(c, http.StatusRequestEntityTooLarge, models.ErrPayloadTooLarge, "upload exceeds configured maximum size")
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			apiError(c, http.StatusInternalServerError, models.ErrInternal, "failed to read upload")
			return
		}
		defer file.Close()
		req.SourceKind = models.SourceUpload
		req.SourceRef = fileHeader.Filename
		req.Upload = file
		req.UploadFilename = fileHeader.Filename
	}

	job, err := h.admitter.Admit(c.Request.Context(), req)
	if err != nil {
		h.admissionError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"expires_at": job.ExpiresAt,
	})
}

// admissionError maps admission failures onto the status code table.
func (h *Handler) admissionError(c *gin.Context, err error) {
	var acquireErr *media.AcquireError
	switch {
	case errors.Is(err, processor.ErrQueueFull):
		apiError(c, http.StatusTooManyRequests, models.ErrQueueFull, "job queue is full, retry later")
	case errors.Is(err, jobstore.ErrDuplicateID):
		apiError(c, http.StatusConflict, models.ErrDuplicateID, "job id collision, retry")
	case errors.As(err, &acquireErr) && strings.Contains(acquireErr.Message, "maximum size"):
		apiError(c, http.StatusRequestEntityTooLarge, models.ErrPayloadTooLarge, acquireErr.Message)
	case errors.As(err, &acquireErr):
		apiError(c, http.StatusBadRequest, models.ErrValidation, acquireErr.Message)
	default:
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apiError(c, http.StatusRequestEntityTooLarge, models.ErrPayloadTooLarge, "upload exceeds configured maximum size")
			return
		}
		apiError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
	}
}

// GetJob returns the current job row, including download URLs once
// completed.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		apiError(c, http.StatusNotFound, models.ErrNotFound, "unknown job id")
		return
	}
	if err != nil {
		apiError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

// jobResponse shapes one job row for the native surface.
func jobResponse(job *models.Job) gin.H {
	resp := gin.H{
		"job_id":      job.ID,
		"source_kind": job.SourceKind,
		"source_ref":  job.SourceRef,
		"status":      job.Status,
		"stage":       job.Stage,
		"progress":    job.Progress,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
		"expires_at":  job.ExpiresAt,
	}
	if job.WebhookURL != "" {
		resp["webhook_url"] = job.WebhookURL
	}
	if job.DurationSeconds != nil {
		resp["duration_seconds"] = *job.DurationSeconds
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = *job.CompletedAt
	}
	if job.FailedAt != nil {
		resp["failed_at"] = *job.FailedAt
	}
	if jobErr := job.ErrorInfo(); jobErr != nil {
		resp["error"] = jobErr
	}
	if job.Status == models.StatusCompleted {
		formats := job.Formats()
		resp["result_formats"] = formats
		resp["download_urls"] = processor.DownloadURLs(job.ID, formats)
	}
	return resp
}

// DownloadArtifact streams one formatted artifact.
func (h *Handler) DownloadArtifact(c *gin.Context) {
	jobID := c.Param("id")
	requested := c.Query("format")
	if requested == "" {
		apiError(c, http.StatusBadRequest, models.ErrValidation, "format query parameter is required")
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		apiError(c, http.StatusNotFound, models.ErrNotFound, "unknown job id")
		return
	}
	if err != nil {
		apiError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
		return
	}

	if job.Status != models.StatusCompleted || !job.HasFormat(requested) {
		apiError(c, http.StatusNotFound, models.ErrNotFound, "artifact not available")
		return
	}

	path := jobfs.New(h.cfg.JobDir(jobID)).ArtifactPath(requested)
	if _, err := os.Stat(path); err != nil {
		apiError(c, http.StatusNotFound, models.ErrNotFound, "artifact not available")
		return
	}

	c.Header("Content-Type", format.ContentType(requested))
	c.File(path)
}

// DeleteJob removes the directory tree then the row, regardless of
// status. A job mid-pipeline is abandoned cooperatively by the worker.
func (h *Handler) DeleteJob(c *gin.Context) {
	jobID := c.Param("id")

	if _, err := h.store.Get(c.Request.Context(), jobID); errors.Is(err, jobstore.ErrNotFound) {
		apiError(c, http.StatusNotFound, models.ErrNotFound, "unknown job id")
		return
	}

	if err := jobfs.New(h.cfg.JobDir(jobID)).Remove(); err != nil {
		apiError(c, http.StatusInternalServerError, models.ErrInternal, "failed to remove job directory")
		return
	}
	if err := h.store.Delete(c.Request.Context(), jobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		apiError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": jobID})
}

// ListJobs returns a page of jobs, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	filter := jobstore.ListFilter{
		Status: models.JobStatus(c.Query("status")),
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	jobs, total, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		apiError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
		return
	}

	items := make([]gin.H, len(jobs))
	for i := range jobs {
		items[i] = jobResponse(&jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   items,
		"total":  total,
		"offset": filter.Offset,
	})
}

// HealthCheck reports process liveness plus model state, queue depth
// and GPU presence.
func (h *Handler) HealthCheck(c *gin.Context) {
	snap := h.manager.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"model":  snap,
		"queue": gin.H{
			"depth":    h.proc.QueueDepth(),
			"capacity": h.proc.QueueCapacity(),
			"current":  h.proc.CurrentJob(),
		},
		"gpu_available": modelmanager.GPUAvailable(),
	})
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validSourceURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
