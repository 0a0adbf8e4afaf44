package modelmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kakiokoshi/pkg/downloader"
	"kakiokoshi/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// State is the model slot's lifecycle state.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateUnloading State = "unloading"
)

// Sentinel errors returned by slot operations.
var (
	ErrBusy        = errors.New("model is busy")
	ErrUnavailable = errors.New("model unavailable")
)

const ggmlRegistryURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Config configures the manager.
type Config struct {
	// Model is the model identifier, e.g. "large-v3", or a path to a
	// ggml file.
	Model string
	// ModelsDir is the local ggml cache; missing models are fetched
	// into it before first load.
	ModelsDir string
	// IdleThreshold is how long the slot may sit ready and unused
	// before VRAM is released.
	IdleThreshold time.Duration
	// LoadTimeout bounds one load attempt, separately from inference.
	LoadTimeout time.Duration
}

// Manager owns the single transcription model instance: its load and
// unload lifecycle, the idle timer, and mutual exclusion of inference.
type Manager struct {
	cfg     Config
	factory func(modelPath string) (engine, error)

	mu       sync.Mutex
	state    State
	eng      engine
	lastUsed time.Time
	refCount int

	inferMu   sync.Mutex
	loadGroup singleflight.Group

	// kick wakes the idle loop early after a state change.
	kick chan struct{}
	// tick is the idle loop's observation interval.
	tick time.Duration
}

// Snapshot is a point-in-time view of the slot.
type Snapshot struct {
	State      State      `json:"state"`
	Model      string     `json:"model"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// New creates a manager with the slot in the unloaded state.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		factory: newEngine,
		state:   StateUnloaded,
		kick:    make(chan struct{}, 1),
		tick:    30 * time.Second,
	}
}

// Status returns a snapshot of the slot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Model: m.cfg.Model}
	if !m.lastUsed.IsZero() {
		t := m.lastUsed
		snap.LastUsedAt = &t
	}
	return snap
}

// Transcribe waits for the slot to be ready (loading on demand),
// serializes against other inference callers, and runs the model on
// the given canonical audio file. A failed load is retried once before
// the error surfaces.
func (m *Manager) Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) (*EngineResult, error) {
	m.inferMu.Lock()
	defer m.inferMu.Unlock()

	if err := m.Load(ctx); err != nil {
		logger.Warn("Model load failed, retrying once", "error", err)
		if err = m.Load(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: slot is %s", ErrUnavailable, m.state)
	}
	m.state = StateBusy
	m.refCount = 1
	eng := m.eng
	m.mu.Unlock()

	result, err := eng.Transcribe(ctx, audioPath, opts)

	m.mu.Lock()
	m.state = StateReady
	m.refCount = 0
	m.lastUsed = time.Now()
	m.mu.Unlock()
	m.kickIdle()

	return result, err
}

// Load brings the slot to ready. Concurrent callers share one in-flight
// load; a load that is already ready is a no-op.
func (m *Manager) Load(ctx context.Context) error {
	_, err, _ := m.loadGroup.Do("load", func() (interface{}, error) {
		m.mu.Lock()
		switch m.state {
		case StateReady, StateBusy:
			m.mu.Unlock()
			return nil, nil
		case StateUnloading:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: slot is unloading", ErrUnavailable)
		}
		m.state = StateLoading
		m.mu.Unlock()

		modelPath, err := m.ensureModelFile(ctx)
		if err != nil {
			m.setState(StateUnloaded)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		logger.Info("Loading transcription model", "model", m.cfg.Model)
		start := time.Now()

		type loadResult struct {
			eng engine
			err error
		}
		ch := make(chan loadResult, 1)
		go func() {
			eng, err := m.factory(modelPath)
			ch <- loadResult{eng, err}
		}()

		loadCtx := ctx
		if m.cfg.LoadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
			defer cancel()
		}

		select {
		case r := <-ch:
			if r.err != nil {
				m.setState(StateUnloaded)
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
			}
			m.mu.Lock()
			m.eng = r.eng
			m.state = StateReady
			m.lastUsed = time.Now()
			m.mu.Unlock()
			m.kickIdle()
			logger.Info("Model loaded", "model", m.cfg.Model, "duration", time.Since(start).String())
			return nil, nil
		case <-loadCtx.Done():
			// The load cannot be interrupted; discard its result when
			// it eventually finishes.
			go func() {
				if r := <-ch; r.eng != nil {
					_ = r.eng.Close()
				}
			}()
			m.setState(StateUnloaded)
			return nil, fmt.Errorf("%w: load timed out", ErrUnavailable)
		}
	})
	return err
}

// Unload releases the model's memory. Fails with ErrBusy while an
// inference is in flight; unloading an unloaded slot is a no-op.
func (m *Manager) Unload() error {
	m.mu.Lock()
	if m.refCount > 0 || m.state == StateBusy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state != StateReady {
		m.mu.Unlock()
		return nil
	}
	m.state = StateUnloading
	eng := m.eng
	m.eng = nil
	m.mu.Unlock()

	logger.Info("Unloading transcription model", "model", m.cfg.Model)
	if err := eng.Close(); err != nil {
		logger.Error("Model close reported error", "error", err)
	}

	m.setState(StateUnloaded)
	return nil
}

// Run drives the idle-unload policy until ctx is cancelled. It observes
// the slot on a coarse tick and whenever an inference completes, and
// unloads after the idle threshold. A busy slot is simply rechecked on
// the next tick.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.kick:
		case <-ctx.Done():
			m.shutdown()
			return
		}

		m.mu.Lock()
		idle := m.state == StateReady && time.Since(m.lastUsed) > m.cfg.IdleThreshold
		m.mu.Unlock()

		if idle {
			if err := m.Unload(); err != nil && !errors.Is(err, ErrBusy) {
				logger.Error("Idle unload failed", "error", err)
			}
		}
	}
}

// shutdown releases the model at process exit.
func (m *Manager) shutdown() {
	for {
		err := m.Unload()
		if !errors.Is(err, ErrBusy) {
			return
		}
		time.Sleep(time.Second)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) kickIdle() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ensureModelFile resolves the configured model to a local ggml file,
// fetching it from the public registry when absent.
func (m *Manager) ensureModelFile(ctx context.Context) (string, error) {
	if strings.HasSuffix(m.cfg.Model, ".bin") {
		if filepath.IsAbs(m.cfg.Model) {
			return m.cfg.Model, nil
		}
		return filepath.Join(m.cfg.ModelsDir, m.cfg.Model), nil
	}

	filename := "ggml-" + m.cfg.Model + ".bin"
	modelPath := filepath.Join(m.cfg.ModelsDir, filename)
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	}

	url := fmt.Sprintf("%s/%s", ggmlRegistryURL, filename)
	logger.Info("Fetching model file", "model", m.cfg.Model, "url", url)
	if err := downloader.DownloadFile(ctx, url, modelPath); err != nil {
		return "", fmt.Errorf("failed to fetch model %s: %w", m.cfg.Model, err)
	}
	return modelPath, nil
}

// GPUAvailable probes for an NVIDIA GPU via nvidia-smi.
func GPUAvailable() bool {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return false
	}
	return exec.Command(path, "-L").Run() == nil
}
