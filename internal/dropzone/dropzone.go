// Package dropzone turns media files dropped into a watched directory
// into regular upload-kind jobs.
package dropzone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kakiokoshi/internal/admission"
	"kakiokoshi/internal/config"
	"kakiokoshi/internal/models"
	"kakiokoshi/pkg/logger"

	"github.com/fsnotify/fsnotify"
)

// Service monitors the dropzone directory.
type Service struct {
	cfg       *config.Config
	admitter  *admission.Service
	watcher   *fsnotify.Watcher
	settleFor time.Duration
}

// NewService creates a dropzone service.
func NewService(cfg *config.Config, admitter *admission.Service) *Service {
	return &Service{
		cfg:       cfg,
		admitter:  admitter,
		settleFor: 2 * time.Second,
	}
}

// Start creates the dropzone directory, ingests any files already
// present, and begins watching for new ones.
func (s *Service) Start(ctx context.Context) error {
	dir := s.cfg.DropzoneDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dropzone directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch dropzone: %w", err)
	}
	s.watcher = watcher

	s.ingestExisting(ctx, dir)
	go s.watch(ctx)

	logger.Info("Dropzone watching", "dir", dir)
	return nil
}

// Stop closes the watcher.
func (s *Service) Stop() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Service) ingestExisting(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("Could not read dropzone directory", "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			s.ingest(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

func (s *Service) watch(ctx context.Context) {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				s.ingest(ctx, event.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Dropzone watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// ingest admits one dropped file as an upload-kind job and removes the
// original on success.
func (s *Service) ingest(ctx context.Context, path string) {
	filename := filepath.Base(path)
	if !isMediaFile(filename) {
		logger.Debug("Skipping non-media file in dropzone", "file", filename)
		return
	}

	if !s.waitSettled(path) {
		logger.Warn("Dropped file never settled", "file", filename)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("Could not open dropped file", "file", filename, "error", err)
		return
	}
	defer f.Close()

	job, err := s.admitter.Admit(ctx, admission.Request{
		SourceKind:     models.SourceUpload,
		SourceRef:      filename,
		Upload:         f,
		UploadFilename: filename,
	})
	if err != nil {
		logger.Warn("Failed to admit dropped file", "file", filename, "error", err)
		return
	}

	if err := os.Remove(path); err != nil {
		logger.Warn("Could not remove ingested file from dropzone", "file", filename, "error", err)
	}
	logger.Info("Dropzone file ingested", "file", filename, "job_id", job.ID)
}

// waitSettled waits until the file size stops changing, so a file
// still being copied in is not ingested half-written.
func (s *Service) waitSettled(path string) bool {
	var lastSize int64 = -1
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return true
		}
		lastSize = info.Size()
		time.Sleep(s.settleFor)
	}
	return false
}

func isMediaFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	mediaExtensions := []string{
		".mp3", ".wav", ".flac", ".m4a", ".aac", ".ogg",
		".wma", ".mp4", ".avi", ".mov", ".mkv", ".webm",
	}
	for _, validExt := range mediaExtensions {
		if ext == validExt {
			return true
		}
	}
	return false
}
