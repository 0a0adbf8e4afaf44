package admission

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"kakiokoshi/internal/config"
	"kakiokoshi/internal/database"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/models"
	"kakiokoshi/internal/processor"
	"kakiokoshi/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, queueCapacity int) (*Service, *jobstore.Store, *config.Config) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	store := jobstore.New(db)

	cfg := &config.Config{
		DataDir:          t.TempDir(),
		JobRetentionDays: 7,
		MaxUploadSizeMB:  1,
		QueueCapacity:    queueCapacity,
	}
	mgr := modelmanager.New(modelmanager.Config{Model: "base", IdleThreshold: time.Minute})
	proc := processor.New(cfg, store, mgr, webhook.NewService())
	return New(cfg, store, proc), store, cfg
}

func TestAdmitUpload(t *testing.T) {
	svc, store, cfg := newTestService(t, 10)
	ctx := context.Background()

	job, err := svc.Admit(ctx, Request{
		SourceKind:     models.SourceUpload,
		SourceRef:      "clip.wav",
		Upload:         strings.NewReader("RIFFfakeaudio"),
		UploadFilename: "clip.wav",
		WebhookURL:     "https://hooks.example.com/done",
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^JOB-[A-Z0-9]{6}$`), job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), job.ExpiresAt, time.Minute)

	t.Run("RowCommitted", func(t *testing.T) {
		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://hooks.example.com/done", stored.WebhookURL)
	})

	t.Run("SourceStaged", func(t *testing.T) {
		source, err := jobfs.New(cfg.JobDir(job.ID)).FindSource()
		require.NoError(t, err)
		data, err := os.ReadFile(source)
		require.NoError(t, err)
		assert.Equal(t, "RIFFfakeaudio", string(data))
	})
}

func TestAdmitURL(t *testing.T) {
	svc, _, cfg := newTestService(t, 10)

	job, err := svc.Admit(context.Background(), Request{
		SourceKind: models.SourceURL,
		SourceRef:  "https://example.invalid/clip.mp4",
	})
	require.NoError(t, err)

	// The tree exists synchronously even though nothing is fetched yet.
	assert.True(t, jobfs.New(cfg.JobDir(job.ID)).Exists())
}

func TestQueueFullLeavesNoResidue(t *testing.T) {
	svc, store, cfg := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.Admit(ctx, Request{SourceKind: models.SourceURL, SourceRef: "https://example.invalid/a.mp4"})
	require.NoError(t, err)

	_, err = svc.Admit(ctx, Request{SourceKind: models.SourceURL, SourceRef: "https://example.invalid/b.mp4"})
	assert.ErrorIs(t, err, processor.ErrQueueFull)

	t.Run("NoRowWritten", func(t *testing.T) {
		_, total, err := store.List(ctx, jobstore.ListFilter{})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
	})

	t.Run("NoDirectoryLeft", func(t *testing.T) {
		entries, err := os.ReadDir(cfg.JobsDir())
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestOversizeUploadRejected(t *testing.T) {
	svc, store, cfg := newTestService(t, 10)
	ctx := context.Background()

	// 2 MiB body against a 1 MiB cap.
	big := strings.NewReader(strings.Repeat("x", 2*1024*1024))
	_, err := svc.Admit(ctx, Request{
		SourceKind:     models.SourceUpload,
		SourceRef:      "big.wav",
		Upload:         big,
		UploadFilename: "big.wav",
	})
	require.Error(t, err)

	_, total, listErr := store.List(ctx, jobstore.ListFilter{})
	require.NoError(t, listErr)
	assert.EqualValues(t, 0, total, "no job row may exist after a rejected upload")

	entries, readErr := os.ReadDir(cfg.JobsDir())
	if readErr == nil {
		assert.Empty(t, entries, "no files may remain under the data root")
	}
}
