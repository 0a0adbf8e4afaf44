// Package jobfs owns the per-job directory tree under the data root.
// The layout is part of the external contract; tooling may read these
// files but only this process writes them.
package jobfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tree resolves paths inside one job's directory:
//
//	{root}/jobs/{id}/input/source.{ext}
//	{root}/jobs/{id}/input/audio.wav
//	{root}/jobs/{id}/output/transcript.json
//	{root}/jobs/{id}/output/result.{format}
//	{root}/jobs/{id}/logs/process.log
type Tree struct {
	dir string
}

// New returns the tree rooted at jobDir without touching the disk.
func New(jobDir string) Tree {
	return Tree{dir: jobDir}
}

// Create makes the input/output/logs skeleton.
func (t Tree) Create() error {
	for _, sub := range []string{"input", "output", "logs"} {
		if err := os.MkdirAll(filepath.Join(t.dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create job directory: %w", err)
		}
	}
	return nil
}

// Remove deletes the whole job directory.
func (t Tree) Remove() error {
	return os.RemoveAll(t.dir)
}

// Exists reports whether the job directory is present on disk.
func (t Tree) Exists() bool {
	info, err := os.Stat(t.dir)
	return err == nil && info.IsDir()
}

// Dir returns the job directory.
func (t Tree) Dir() string { return t.dir }

// InputDir returns the input subdirectory.
func (t Tree) InputDir() string { return filepath.Join(t.dir, "input") }

// OutputDir returns the output subdirectory.
func (t Tree) OutputDir() string { return filepath.Join(t.dir, "output") }

// SourcePath returns the path for a source file with the given
// extension (with or without a leading dot).
func (t Tree) SourcePath(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(t.dir, "input", "source."+ext)
}

// FindSource locates the input/source.* file, whatever its extension.
func (t Tree) FindSource() (string, error) {
	matches, err := filepath.Glob(filepath.Join(t.dir, "input", "source.*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") && !strings.HasSuffix(m, ".ytdl") {
			return m, nil
		}
	}
	return "", os.ErrNotExist
}

// AudioPath returns the canonical extracted audio file.
func (t Tree) AudioPath() string {
	return filepath.Join(t.dir, "input", "audio.wav")
}

// TranscriptPath returns the canonical transcript location.
func (t Tree) TranscriptPath() string {
	return filepath.Join(t.dir, "output", "transcript.json")
}

// ArtifactPath returns the path of one formatted artifact. The json
// artifact is the transcript itself.
func (t Tree) ArtifactPath(format string) string {
	if format == "json" {
		return t.TranscriptPath()
	}
	return filepath.Join(t.dir, "output", "result."+format)
}

// ProcessLogPath returns the per-job processing log.
func (t Tree) ProcessLogPath() string {
	return filepath.Join(t.dir, "logs", "process.log")
}

// AppendLog appends one line to the per-job processing log. Failures
// are swallowed; job logging never gates the pipeline.
func (t Tree) AppendLog(line string) {
	f, err := os.OpenFile(t.ProcessLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}
