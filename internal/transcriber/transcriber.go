// Package transcriber adapts the model manager's raw engine output to
// the canonical transcript schema and persists it.
package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/modelmanager"
	"kakiokoshi/internal/models"
)

// Japanese decode tuning. The bundle is owned here and opaque to the
// rest of the pipeline.
const (
	japaneseInitialPrompt = "以下は、日本語の音声を書き起こしたものです。句読点を含む自然な文章で記述します。"
	defaultTemperature    = 0.0
	defaultBeamSize       = 5
)

// Transcriber runs the model on canonical audio and writes
// output/transcript.json.
type Transcriber struct {
	manager *modelmanager.Manager
}

// New creates a transcriber over the shared model manager.
func New(manager *modelmanager.Manager) *Transcriber {
	return &Transcriber{manager: manager}
}

// Options selects the decoding task for one job.
type Options struct {
	// Language is an ISO code; empty selects Japanese.
	Language string
	// Translate constrains decoding to English output.
	Translate bool
	// Temperature overrides the tuned default when >= 0; pass a
	// negative value to keep the default.
	Temperature float64
	// Progress, when non-nil, receives percent updates derived from
	// processed audio seconds over total seconds.
	Progress func(percent int)
}

// Transcribe runs inference on the job's audio.wav, maps the engine
// segments into the canonical schema and writes transcript.json. The
// returned transcript covers [0, duration] with monotone starts.
func (t *Transcriber) Transcribe(ctx context.Context, tree jobfs.Tree, durationSeconds float64, opts Options) (*models.Transcript, error) {
	language := opts.Language
	if language == "" {
		language = "ja"
	}

	engineOpts := modelmanager.TranscribeOptions{
		Language:    language,
		Translate:   opts.Translate,
		Temperature: defaultTemperature,
		BeamSize:    defaultBeamSize,
		Progress:    opts.Progress,
	}
	if opts.Temperature >= 0 {
		engineOpts.Temperature = opts.Temperature
	}
	if language == "ja" && !opts.Translate {
		engineOpts.InitialPrompt = japaneseInitialPrompt
	}

	result, err := t.manager.Transcribe(ctx, tree.AudioPath(), engineOpts)
	if err != nil {
		return nil, err
	}

	transcript := mapResult(result, language, durationSeconds)
	if err := WriteTranscript(tree, transcript); err != nil {
		return nil, err
	}
	return transcript, nil
}

// mapResult converts engine segments into the canonical transcript.
// Out-of-order segments are clamped so starts stay monotone.
func mapResult(result *modelmanager.EngineResult, language string, durationSeconds float64) *models.Transcript {
	if result.Language != "" && result.Language != "auto" {
		language = result.Language
	}

	segments := make([]models.Segment, 0, len(result.Segments))
	var lastStart float64
	for _, seg := range result.Segments {
		start := seg.Start.Seconds()
		end := seg.End.Seconds()
		if start < lastStart {
			start = lastStart
		}
		if end <= start {
			continue
		}
		segments = append(segments, models.Segment{
			ID:    len(segments),
			Start: start,
			End:   end,
			Text:  seg.Text,
		})
		lastStart = start
	}

	// Japanese text reads naturally without separators between segments.
	separator := " "
	if language == "ja" {
		separator = ""
	}
	parts := make([]string, len(segments))
	for i, seg := range segments {
		parts[i] = seg.Text
	}

	return &models.Transcript{
		Language: language,
		Duration: durationSeconds,
		Segments: segments,
		Text:     strings.Join(parts, separator),
	}
}

// WriteTranscript persists the canonical transcript.json.
func WriteTranscript(tree jobfs.Tree, transcript *models.Transcript) error {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	if err := os.WriteFile(tree.TranscriptPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// ReadTranscript loads a previously written transcript.json.
func ReadTranscript(tree jobfs.Tree) (*models.Transcript, error) {
	data, err := os.ReadFile(tree.TranscriptPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var transcript models.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return &transcript, nil
}
