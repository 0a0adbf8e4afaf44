package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"kakiokoshi/internal/admission"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/processor"
	"kakiokoshi/internal/transcriber"

	"github.com/gin-gonic/gin"
)

// openAIError writes the error body in the shape compatible clients
// expect.
func openAIError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"type": errType, "message": message}})
}

// CreateTranscription implements POST /v1/audio/transcriptions: a
// transient job runs the full pipeline within the request and the
// formatted body is returned directly.
func (h *Handler) CreateTranscription(c *gin.Context) {
	h.runInline(c, false)
}

// CreateTranslation implements POST /v1/audio/translations. Identical
// to transcription except decoding is constrained to English output.
func (h *Handler) CreateTranslation(c *gin.Context) {
	h.runInline(c, true)
}

// ListAudioModels returns the fixed model list.
func (h *Handler) ListAudioModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{
			{"id": "whisper-1", "object": "model", "owned_by": "kakiokoshi"},
			{"id": h.cfg.WhisperModel, "object": "model", "owned_by": "kakiokoshi"},
		},
	})
}

func (h *Handler) runInline(c *gin.Context, translate bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes()+1024*1024)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			openAIError(c, http.StatusRequestEntityTooLarge, models.ErrPayloadTooLarge, "file exceeds configured maximum size")
			return
		}
		openAIError(c, http.StatusBadRequest, "invalid_request_error", "file is required")
		return
	}

	responseFormat := c.DefaultPostForm("response_format", "json")
	switch responseFormat {
	case "json", "text", "srt", "vtt", "verbose_json":
	default:
		openAIError(c, http.StatusBadRequest, "invalid_request_error", "unsupported response_format")
		return
	}

	// The model field is accepted for compatibility; the server always
	// uses its configured model.
	_ = c.PostForm("model")

	req := admission.Request{
		SourceKind:     models.SourceUpload,
		SourceRef:      fileHeader.Filename,
		UploadFilename: fileHeader.Filename,
		Language:       c.PostForm("language"),
		Translate:      translate,
	}

	if v := c.PostForm("temperature"); v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil || temp < 0 || temp > 1 {
			openAIError(c, http.StatusBadRequest, "invalid_request_error", "temperature must be a number between 0 and 1")
			return
		}
		req.Temperature = &temp
	}

	file, err := fileHeader.Open()
	if err != nil {
		openAIError(c, http.StatusInternalServerError, models.ErrInternal, "failed to read upload")
		return
	}
	defer file.Close()
	req.Upload = file

	job, err := h.admitter.Admit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, processor.ErrQueueFull) {
			openAIError(c, http.StatusTooManyRequests, models.ErrQueueFull, "server is overloaded, retry later")
			return
		}
		openAIError(c, http.StatusInternalServerError, models.ErrInternal, err.Error())
		return
	}

	// Wait for the shared worker, bounded by the request deadline. On
	// timeout the job keeps running; the caller just loses the
	// synchronous response.
	status, err := h.proc.WaitForTerminal(c.Request.Context(), job.ID)
	if err != nil {
		openAIError(c, http.StatusGatewayTimeout, models.ErrTimeout, "transcription did not finish within the request deadline")
		return
	}

	if status == models.StatusFailed {
		failed, getErr := h.store.Get(c.Request.Context(), job.ID)
		message := "transcription failed"
		errType := models.ErrTranscription
		if getErr == nil {
			if jobErr := failed.ErrorInfo(); jobErr != nil {
				message = jobErr.Message
				errType = jobErr.Type
			}
		}
		openAIError(c, http.StatusInternalServerError, errType, message)
		return
	}

	h.writeInlineResult(c, job.ID, responseFormat, translate)
}

// writeInlineResult reads the finished job's artifacts and renders the
// requested response shape.
func (h *Handler) writeInlineResult(c *gin.Context, jobID, responseFormat string, translate bool) {
	tree := jobfs.New(h.cfg.JobDir(jobID))

	transcript, err := transcriber.ReadTranscript(tree)
	if err != nil {
		openAIError(c, http.StatusInternalServerError, models.ErrInternal, "transcript unavailable")
		return
	}

	switch responseFormat {
	case "json":
		c.JSON(http.StatusOK, gin.H{"text": transcript.Text})
	case "verbose_json":
		segments := make([]gin.H, len(transcript.Segments))
		for i, seg := range transcript.Segments {
			segments[i] = gin.H{
				"id":    seg.ID,
				"start": seg.Start,
				"end":   seg.End,
				"text":  seg.Text,
			}
		}
		task := "transcribe"
		if translate {
			task = "translate"
		}
		c.JSON(http.StatusOK, gin.H{
			"task":     task,
			"language": transcript.Language,
			"duration": transcript.Duration,
			"text":     transcript.Text,
			"segments": segments,
		})
	case "text":
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(transcript.Text+"\n"))
	case "srt", "vtt":
		data, err := os.ReadFile(tree.ArtifactPath(responseFormat))
		if err != nil {
			openAIError(c, http.StatusInternalServerError, models.ErrInternal, "artifact unavailable")
			return
		}
		contentType := "text/plain; charset=utf-8"
		if responseFormat == "vtt" {
			contentType = "text/vtt; charset=utf-8"
		}
		c.Data(http.StatusOK, contentType, data)
	}
}
