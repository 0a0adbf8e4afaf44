//go:build cgo

package modelmanager

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/go-audio/wav"
)

// whisperEngine holds an in-process whisper.cpp model. Loading it
// allocates the full model on the GPU; Close releases it.
type whisperEngine struct {
	model whisper.Model
}

func newEngine(modelPath string) (engine, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("whisper model not found: %s", modelPath)
	}
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load whisper model: %w", err)
	}
	return &whisperEngine{model: model}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) (*EngineResult, error) {
	samples, err := readAudioSamples(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper context: %w", err)
	}

	if opts.Language != "" && opts.Language != "auto" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return nil, fmt.Errorf("failed to set language: %w", err)
		}
	}
	wctx.SetTranslate(opts.Translate)
	if opts.Temperature >= 0 {
		wctx.SetTemperature(float32(opts.Temperature))
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}

	var progressCb whisper.ProgressCallback
	if opts.Progress != nil {
		progressCb = func(percent int) {
			opts.Progress(percent)
		}
	}

	if err := wctx.Process(samples, nil, nil, progressCb); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to process audio: %w", err)
	}

	var segments []EngineSegment
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		segments = append(segments, EngineSegment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}

	return &EngineResult{
		Language: wctx.Language(),
		Segments: segments,
	}, nil
}

func (e *whisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// readAudioSamples decodes a 16-bit PCM WAV file into normalized
// float32 samples as expected by whisper.cpp.
func readAudioSamples(wavPath string) ([]float32, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV: %w", err)
	}

	const maxInt16 = 32768.0
	samples := make([]float32, len(buf.Data))
	for i, sample := range buf.Data {
		samples[i] = float32(sample) / maxInt16
	}
	return samples, nil
}
