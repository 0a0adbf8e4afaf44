package modelmanager

import (
	"context"
	"time"
)

// TranscribeOptions is the decode parameter bundle for one inference.
type TranscribeOptions struct {
	// Language is an ISO code, or "auto" for detection.
	Language string
	// Translate constrains decoding to English output.
	Translate bool
	// Temperature overrides the decoder temperature when >= 0.
	Temperature float64
	// InitialPrompt biases the decoder vocabulary.
	InitialPrompt string
	// BeamSize overrides the beam width when > 0.
	BeamSize int
	// Progress, when non-nil, receives coarse percent updates.
	Progress func(percent int)
}

// EngineSegment is one decoded span as reported by the engine.
type EngineSegment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// EngineResult is the raw engine output before canonical mapping.
type EngineResult struct {
	Language string
	Segments []EngineSegment
}

// engine abstracts the loaded whisper model. The cgo build drives the
// whisper.cpp bindings in-process; the pure-Go build shells out to
// whisper-cli. Close releases the model's memory.
type engine interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) (*EngineResult, error)
	Close() error
}
