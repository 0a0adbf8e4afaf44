package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"kakiokoshi/pkg/logger"
)

// DownloadFile downloads a file from a URL to a destination path. The
// body streams into a .tmp sibling which is renamed on success, so a
// partial download never shadows a complete file.
func DownloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempDest := dest + ".tmp"
	out, err := os.Create(tempDest)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tracker := &progressTracker{
		Total:    resp.ContentLength,
		Filename: filepath.Base(dest),
		LastLog:  time.Now(),
	}

	if _, err = io.Copy(out, io.TeeReader(resp.Body, tracker)); err != nil {
		os.Remove(tempDest)
		return fmt.Errorf("failed to save file: %w", err)
	}

	out.Close()

	if err := os.Rename(tempDest, dest); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

type progressTracker struct {
	Total       int64
	Current     int64
	Filename    string
	LastLog     time.Time
	LastPercent int
}

func (pt *progressTracker) Write(p []byte) (int, error) {
	n := len(p)
	pt.Current += int64(n)
	pt.logProgress()
	return n, nil
}

func (pt *progressTracker) logProgress() {
	if pt.Total <= 0 {
		return
	}
	percent := int(float64(pt.Current) / float64(pt.Total) * 100)
	if percent != pt.LastPercent && percent%10 == 0 && time.Since(pt.LastLog) > time.Second {
		pt.LastPercent = percent
		pt.LastLog = time.Now()
		logger.Info("Downloading", "file", pt.Filename, "percent", percent,
			"received", formatBytes(pt.Current), "total", formatBytes(pt.Total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
