package modelmanager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine counts concurrent inferences and can be slowed down to
// exercise exclusion.
type fakeEngine struct {
	inflight  int32
	maxSeen   int32
	calls     int32
	closed    int32
	sleep     time.Duration
	closeOnce sync.Once
}

func (f *fakeEngine) Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) (*EngineResult, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	atomic.AddInt32(&f.calls, 1)
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	return &EngineResult{
		Language: "ja",
		Segments: []EngineSegment{{Start: 0, End: time.Second, Text: "テスト"}},
	}, nil
}

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() { atomic.StoreInt32(&f.closed, 1) })
	return nil
}

// newTestManager builds a manager whose factory hands out the given
// engine and whose model file already exists on disk.
func newTestManager(t *testing.T, eng *fakeEngine, idle time.Duration) *Manager {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "ggml-test.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("weights"), 0644))

	m := New(Config{
		Model:         modelPath,
		IdleThreshold: idle,
		LoadTimeout:   5 * time.Second,
	})
	m.factory = func(string) (engine, error) { return eng, nil }
	m.tick = 20 * time.Millisecond
	return m
}

func TestInitialState(t *testing.T) {
	m := newTestManager(t, &fakeEngine{}, time.Minute)
	snap := m.Status()
	assert.Equal(t, StateUnloaded, snap.State)
	assert.Nil(t, snap.LastUsedAt)
}

func TestLoadIsIdempotent(t *testing.T) {
	loads := int32(0)
	m := newTestManager(t, &fakeEngine{}, time.Minute)
	m.factory = func(string) (engine, error) {
		atomic.AddInt32(&loads, 1)
		return &fakeEngine{}, nil
	}

	ctx := context.Background()
	require.NoError(t, m.Load(ctx))
	require.NoError(t, m.Load(ctx))
	require.NoError(t, m.Load(ctx))

	assert.EqualValues(t, 1, atomic.LoadInt32(&loads))
	assert.Equal(t, StateReady, m.Status().State)
}

func TestTranscribeLoadsOnDemand(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng, time.Minute)

	result, err := m.Transcribe(context.Background(), "audio.wav", TranscribeOptions{Language: "ja"})
	require.NoError(t, err)
	require.Len(t, result.Segments, 1)

	snap := m.Status()
	assert.Equal(t, StateReady, snap.State)
	require.NotNil(t, snap.LastUsedAt)
}

func TestInferenceIsSerialized(t *testing.T) {
	eng := &fakeEngine{sleep: 30 * time.Millisecond}
	m := newTestManager(t, eng, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transcribe(context.Background(), "audio.wav", TranscribeOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, atomic.LoadInt32(&eng.calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.maxSeen), "two inferences must never overlap")
}

func TestUnload(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng, time.Minute)
	require.NoError(t, m.Load(context.Background()))

	require.NoError(t, m.Unload())
	assert.Equal(t, StateUnloaded, m.Status().State)
	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.closed))

	t.Run("UnloadedIsNoop", func(t *testing.T) {
		assert.NoError(t, m.Unload())
	})
}

func TestUnloadWhileBusy(t *testing.T) {
	eng := &fakeEngine{sleep: 200 * time.Millisecond}
	m := newTestManager(t, eng, time.Minute)

	done := make(chan struct{})
	go func() {
		_, _ = m.Transcribe(context.Background(), "audio.wav", TranscribeOptions{})
		close(done)
	}()

	// Wait until the slot reports busy.
	require.Eventually(t, func() bool {
		return m.Status().State == StateBusy
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Unload(), ErrBusy)
	<-done
	assert.Equal(t, StateReady, m.Status().State)
}

func TestFailedLoadReturnsToUnloaded(t *testing.T) {
	m := newTestManager(t, &fakeEngine{}, time.Minute)
	m.factory = func(string) (engine, error) {
		return nil, errors.New("out of VRAM")
	}

	err := m.Load(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateUnloaded, m.Status().State)
}

func TestTranscribeRetriesFailedLoadOnce(t *testing.T) {
	attempts := int32(0)
	eng := &fakeEngine{}
	m := newTestManager(t, eng, time.Minute)
	m.factory = func(string) (engine, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("transient driver error")
		}
		return eng, nil
	}

	result, err := m.Transcribe(context.Background(), "audio.wav", TranscribeOptions{})
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestIdleUnload(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, eng, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	_, err := m.Transcribe(ctx, "audio.wav", TranscribeOptions{})
	require.NoError(t, err)

	// After the idle threshold the slot must release the model within
	// one observation tick.
	require.Eventually(t, func() bool {
		return m.Status().State == StateUnloaded
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.closed))
}
