// Package media produces and normalizes the input files the pipeline
// consumes: acquiring source media from a URL or an upload, and
// extracting the canonical audio form from it.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/pkg/binaries"
	"kakiokoshi/pkg/logger"
)

// AcquireError carries the short operator message plus the underlying
// tool's last stderr output.
type AcquireError struct {
	Message string
	Details string
}

func (e *AcquireError) Error() string { return e.Message }

// Acquirer produces input/source.{ext} for a job.
type Acquirer struct {
	// MaxSizeBytes caps both uploads and URL downloads.
	MaxSizeBytes int64
}

// FetchURL downloads the media behind url into the job's input
// directory using yt-dlp, with a size cap, fragment retries and resume
// of partial downloads.
func (a *Acquirer) FetchURL(ctx context.Context, tree jobfs.Tree, url string) (string, error) {
	outputTemplate := filepath.Join(tree.InputDir(), "source.%(ext)s")

	args := []string{
		"--no-playlist",
		"--retries", "3",
		"--fragment-retries", "10",
		"--continue",
		"-f", "bestaudio/best",
		"-o", outputTemplate,
	}
	if a.MaxSizeBytes > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%d", a.MaxSizeBytes))
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, binaries.YtDLP(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Info("Fetching source media", "url", url)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ctx.Err()
		}
		return "", &AcquireError{
			Message: fmt.Sprintf("failed to download media: %v", err),
			Details: lastStderrLine(stderr.String()),
		}
	}

	source, err := tree.FindSource()
	if err != nil {
		return "", &AcquireError{Message: "downloaded file not found"}
	}
	if info, err := os.Stat(source); err != nil || info.Size() == 0 {
		return "", &AcquireError{Message: "downloaded file is empty"}
	}
	return source, nil
}

// SaveUpload streams an upload body to the job's input directory
// without buffering the payload. The caller is expected to have already
// wrapped the reader with the request-level size cap; the acquirer
// re-checks as a backstop.
func (a *Acquirer) SaveUpload(tree jobfs.Tree, body io.Reader, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	dest := tree.SourcePath(ext)

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create source file: %w", err)
	}
	defer out.Close()

	reader := body
	if a.MaxSizeBytes > 0 {
		reader = io.LimitReader(body, a.MaxSizeBytes+1)
	}

	written, err := io.Copy(out, reader)
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to save upload: %w", err)
	}
	if a.MaxSizeBytes > 0 && written > a.MaxSizeBytes {
		os.Remove(dest)
		return "", &AcquireError{Message: "upload exceeds configured maximum size"}
	}
	if written == 0 {
		os.Remove(dest)
		return "", &AcquireError{Message: "upload is empty"}
	}
	return dest, nil
}

// lastStderrLine returns the final non-empty stderr line, bounded to a
// length fit for an error payload.
func lastStderrLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 500 {
			line = line[:500]
		}
		return line
	}
	return ""
}
