package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"kakiokoshi/internal/admission"
	"kakiokoshi/internal/config"
	"kakiokoshi/internal/database"
	"kakiokoshi/internal/format"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/processor"
	"kakiokoshi/internal/retention"
	"kakiokoshi/internal/transcriber"
	"kakiokoshi/internal/webhook"
	"kakiokoshi/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	store  *jobstore.Store
	cfg    *config.Config
}

func newTestServer(t *testing.T, queueCapacity int, apiKey string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	store := jobstore.New(db)

	cfg := &config.Config{
		DataDir:            t.TempDir(),
		AdminPassword:      "topsecret",
		APIKey:             apiKey,
		WhisperModel:       "base",
		ModelUnloadMinutes: 5,
		JobRetentionDays:   7,
		MaxUploadSizeMB:    4,
		QueueCapacity:      queueCapacity,
		DownloadTimeout:    time.Minute,
		ExtractTimeout:     time.Minute,
		TranscribeTimeout:  time.Minute,
	}

	mgr := modelmanager.New(modelmanager.Config{
		Model:         cfg.WhisperModel,
		ModelsDir:     cfg.ModelsDir(),
		IdleThreshold: cfg.IdleUnloadThreshold(),
	})
	proc := processor.New(cfg, store, mgr, webhook.NewService())
	admitter := admission.New(cfg, store, proc)
	sweeper := retention.New(cfg, store)

	adminAuth, err := middleware.NewAdminAuth(cfg.AdminPassword)
	require.NoError(t, err)

	handler := NewHandler(cfg, store, proc, admitter, mgr, sweeper)
	return &testServer{
		router: SetupRoutes(handler, adminAuth, cfg.APIKey),
		store:  store,
		cfg:    cfg,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, fields map[string]string, fileField, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func submitUpload(t *testing.T, ts *testServer) string {
	t.Helper()
	body, contentType := multipartUpload(t, nil, "file", "clip.wav", "RIFFfakeaudio")
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := ts.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.JobID
}

func TestCreateJobValidation(t *testing.T) {
	ts := newTestServer(t, 10, "")

	t.Run("NeitherInput", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "", "", "")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BothInputs", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"url": "https://example.invalid/a.mp4"}, "file", "a.wav", "x")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BadWebhookURL", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{
			"url":         "https://example.invalid/a.mp4",
			"webhook_url": "not-a-url",
		}, "", "", "")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("RelativeSourceURL", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"url": "/etc/passwd"}, "", "", "")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateJobUpload(t *testing.T) {
	ts := newTestServer(t, 10, "")
	jobID := submitUpload(t, ts)

	assert.Regexp(t, `^JOB-[A-Z0-9]{6}$`, jobID)

	job, err := ts.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.SourceUpload, job.SourceKind)

	source, err := jobfs.New(ts.cfg.JobDir(jobID)).FindSource()
	require.NoError(t, err)
	assert.FileExists(t, source)
}

func TestCreateJobURL(t *testing.T) {
	ts := newTestServer(t, 10, "")

	form := url.Values{"url": {"https://example.invalid/clip.mp4"}}
	req := httptest.NewRequest("POST", "/api/jobs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
}

func TestQueueFull(t *testing.T) {
	ts := newTestServer(t, 1, "")

	submitUpload(t, ts)

	body, contentType := multipartUpload(t, nil, "file", "second.wav", "RIFFmore")
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := ts.do(req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// The rejected admission must leave exactly one job behind.
	_, total, err := ts.store.List(context.Background(), jobstore.ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t, 10, "")
	jobID := submitUpload(t, ts)

	t.Run("Found", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, jobID, resp["job_id"])
		assert.Equal(t, "queued", resp["status"])
		assert.NotContains(t, resp, "download_urls")
	})

	t.Run("Unknown", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/JOB-ZZZZZZ", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// completeJob pushes a job through the store and writes real artifacts,
// standing in for the worker.
func completeJob(t *testing.T, ts *testServer, jobID string) {
	t.Helper()
	ctx := context.Background()
	tree := jobfs.New(ts.cfg.JobDir(jobID))

	transcript := &models.Transcript{
		Language: "ja",
		Duration: 3,
		Segments: []models.Segment{{ID: 0, Start: 0, End: 3, Text: "テスト"}},
		Text:     "テスト",
	}
	require.NoError(t, transcriber.WriteTranscript(tree, transcript))
	formats, err := format.WriteAll(tree, transcript)
	require.NoError(t, err)

	for _, status := range []models.JobStatus{models.StatusDownloading, models.StatusExtracting, models.StatusTranscribing, models.StatusFormatting} {
		require.NoError(t, ts.store.UpdateProgress(ctx, jobID, status, string(status), 100, nil))
	}
	require.NoError(t, ts.store.MarkCompleted(ctx, jobID, 3, formats))
}

func TestDownloadArtifact(t *testing.T) {
	ts := newTestServer(t, 10, "")
	jobID := submitUpload(t, ts)

	t.Run("NotCompletedYet", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID+"/download?format=srt", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	completeJob(t, ts, jobID)

	t.Run("SRTFirstLineIsCueNumber", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID+"/download?format=srt", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", strings.SplitN(w.Body.String(), "\n", 2)[0])
	})

	t.Run("DownloadURLsAdvertised", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			DownloadURLs map[string]string `json:"download_urls"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, f := range []string{"json", "txt", "srt", "vtt", "md"} {
			assert.Contains(t, resp.DownloadURLs, f)
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID+"/download?format=pdf", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("MissingFormatParam", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs/"+jobID+"/download", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeleteJob(t *testing.T) {
	ts := newTestServer(t, 10, "")
	jobID := submitUpload(t, ts)

	w := ts.do(httptest.NewRequest("DELETE", "/api/jobs/"+jobID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("FilesystemClean", func(t *testing.T) {
		_, err := os.Stat(ts.cfg.JobDir(jobID))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("SecondDeleteIsNotFound", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("DELETE", "/api/jobs/"+jobID, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, 10, "")
	submitUpload(t, ts)
	submitUpload(t, ts)

	w := ts.do(httptest.NewRequest("GET", "/api/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs  []map[string]interface{} `json:"jobs"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Jobs, 2)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, 10, "")

	w := ts.do(httptest.NewRequest("GET", "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Model  struct {
			State string `json:"state"`
		} `json:"model"`
		Queue struct {
			Depth    int `json:"depth"`
			Capacity int `json:"capacity"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "unloaded", resp.Model.State)
	assert.Equal(t, 10, resp.Queue.Capacity)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, 10, "")

	t.Run("MissingPassword", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/admin/stats", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/stats", nil)
		req.Header.Set("X-Admin-Password", "nope")
		w := ts.do(req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("CorrectPassword", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/stats", nil)
		req.Header.Set("X-Admin-Password", "topsecret")
		w := ts.do(req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAdminCleanup(t *testing.T) {
	ts := newTestServer(t, 10, "")
	submitUpload(t, ts)

	req := httptest.NewRequest("POST", "/api/admin/cleanup", nil)
	req.Header.Set("X-Admin-Password", "topsecret")
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Removed, "unexpired jobs must survive a sweep")
}

func TestAPIKeyGating(t *testing.T) {
	ts := newTestServer(t, 10, "sk-kakiokoshi-test")

	t.Run("WriteWithoutKeyRejected", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "file", "clip.wav", "RIFF")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("WriteWithHeaderKey", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "file", "clip.wav", "RIFF")
		req := httptest.NewRequest("POST", "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-API-Key", "sk-kakiokoshi-test")
		w := ts.do(req)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("WriteWithBearerKey", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "file", "clip.wav", "RIFF")
		req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer sk-kakiokoshi-test")
		// The request will block on the worker; a cancelled context
		// exercises only the auth layer.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := ts.do(req.WithContext(ctx))
		assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("ReadsStayOpen", func(t *testing.T) {
		w := ts.do(httptest.NewRequest("GET", "/api/jobs", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestOpenAIModels(t *testing.T) {
	ts := newTestServer(t, 10, "")

	w := ts.do(httptest.NewRequest("GET", "/v1/audio/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, "whisper-1", resp.Data[0].ID)
}

func TestOpenAITranscriptionValidation(t *testing.T) {
	ts := newTestServer(t, 10, "")

	t.Run("MissingFile", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"model": "whisper-1"}, "", "", "")
		req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BadResponseFormat", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"response_format": "yaml"}, "file", "clip.wav", "RIFF")
		req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BadTemperature", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"temperature": "9"}, "file", "clip.wav", "RIFF")
		req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		w := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
