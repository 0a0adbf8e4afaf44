package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/pkg/binaries"
	"kakiokoshi/pkg/logger"

	"github.com/go-audio/wav"
)

// ExtractError carries the short operator message plus the tail of the
// tool's stderr output.
type ExtractError struct {
	Message string
	Details string
}

func (e *ExtractError) Error() string { return e.Message }

// Extractor converts any source container into the canonical audio
// form: single channel, 16 kHz, 16-bit signed PCM little-endian.
type Extractor struct{}

// Extract produces input/audio.wav from the job's source file and
// returns the audio duration in seconds.
func (e *Extractor) Extract(ctx context.Context, tree jobfs.Tree, sourcePath string) (float64, error) {
	audioPath := tree.AudioPath()

	cmd := exec.CommandContext(ctx, binaries.FFmpeg(),
		"-i", sourcePath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		audioPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("Extracting audio", "source", sourcePath)
	if err := cmd.Run(); err != nil {
		os.Remove(audioPath)
		if ctx.Err() == context.DeadlineExceeded {
			return 0, ctx.Err()
		}
		return 0, &ExtractError{
			Message: fmt.Sprintf("failed to extract audio: %v", err),
			Details: stderrTail(stderr.String()),
		}
	}

	if err := validateCanonicalWAV(audioPath); err != nil {
		os.Remove(audioPath)
		return 0, &ExtractError{Message: err.Error()}
	}

	duration, err := e.ProbeDuration(ctx, audioPath)
	if err != nil {
		return 0, &ExtractError{Message: fmt.Sprintf("failed to probe duration: %v", err)}
	}
	return duration, nil
}

// ProbeDuration reads a media file's duration in seconds via ffprobe.
func (e *Extractor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, binaries.FFprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	val := strings.TrimSpace(string(out))
	if val == "" {
		return 0, errors.New("empty duration response")
	}
	dur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration from ffprobe: %w", err)
	}
	return dur, nil
}

// validateCanonicalWAV checks the produced file's header matches the
// form the model expects.
func validateCanonicalWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("extracted audio missing: %v", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return errors.New("extracted audio is not a valid WAV file")
	}
	if decoder.SampleRate != 16000 {
		return fmt.Errorf("extracted audio has sample rate %d, want 16000", decoder.SampleRate)
	}
	if decoder.NumChans != 1 {
		return fmt.Errorf("extracted audio has %d channels, want 1", decoder.NumChans)
	}
	return nil
}

// stderrTail returns the last chunk of a stderr dump, bounded for
// storage in the job row.
func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > 1000 {
		stderr = stderr[len(stderr)-1000:]
	}
	return stderr
}
