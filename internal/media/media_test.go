package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kakiokoshi/internal/jobfs"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) jobfs.Tree {
	t.Helper()
	tree := jobfs.New(filepath.Join(t.TempDir(), "JOB-MEDIA1"))
	require.NoError(t, tree.Create())
	return tree
}

func TestSaveUpload(t *testing.T) {
	acquirer := &Acquirer{MaxSizeBytes: 1024}

	t.Run("StreamsToSourceFile", func(t *testing.T) {
		tree := newTestTree(t)
		path, err := acquirer.SaveUpload(tree, strings.NewReader("RIFFdata"), "clip.MP3")
		require.NoError(t, err)
		assert.Equal(t, tree.SourcePath("mp3"), path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "RIFFdata", string(data))
	})

	t.Run("RejectsOversize", func(t *testing.T) {
		tree := newTestTree(t)
		_, err := acquirer.SaveUpload(tree, strings.NewReader(strings.Repeat("x", 2048)), "big.wav")
		require.Error(t, err)

		var acquireErr *AcquireError
		assert.ErrorAs(t, err, &acquireErr)

		// Nothing may remain on disk after a rejected upload.
		_, statErr := os.Stat(tree.SourcePath("wav"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("RejectsEmpty", func(t *testing.T) {
		tree := newTestTree(t)
		_, err := acquirer.SaveUpload(tree, strings.NewReader(""), "empty.wav")
		assert.Error(t, err)
	})

	t.Run("ExtensionlessFallsBack", func(t *testing.T) {
		tree := newTestTree(t)
		path, err := acquirer.SaveUpload(tree, strings.NewReader("data"), "noext")
		require.NoError(t, err)
		assert.Equal(t, tree.SourcePath("bin"), path)
	})
}

func TestLastStderrLine(t *testing.T) {
	assert.Equal(t, "ERROR: video unavailable",
		lastStderrLine("warn: something\nERROR: video unavailable\n"))
	assert.Equal(t, "", lastStderrLine(""))
	assert.Equal(t, "only line", lastStderrLine("only line"))

	long := strings.Repeat("e", 600)
	assert.Len(t, lastStderrLine(long), 500)
}

func TestStderrTail(t *testing.T) {
	assert.Equal(t, "short", stderrTail("short\n"))
	long := strings.Repeat("x", 1500)
	tail := stderrTail(long)
	assert.Len(t, tail, 1000)
}

// writeWAV produces a small PCM file through the same library the
// validator uses.
func writeWAV(t *testing.T, path string, sampleRate, channels int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	encoder := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, sampleRate/10*channels),
		SourceBitDepth: 16,
	}
	require.NoError(t, encoder.Write(buf))
	require.NoError(t, encoder.Close())
}

func TestValidateCanonicalWAV(t *testing.T) {
	dir := t.TempDir()

	t.Run("CanonicalPasses", func(t *testing.T) {
		path := filepath.Join(dir, "good.wav")
		writeWAV(t, path, 16000, 1)
		assert.NoError(t, validateCanonicalWAV(path))
	})

	t.Run("WrongSampleRate", func(t *testing.T) {
		path := filepath.Join(dir, "rate.wav")
		writeWAV(t, path, 44100, 1)
		assert.Error(t, validateCanonicalWAV(path))
	})

	t.Run("WrongChannelCount", func(t *testing.T) {
		path := filepath.Join(dir, "stereo.wav")
		writeWAV(t, path, 16000, 2)
		assert.Error(t, validateCanonicalWAV(path))
	})

	t.Run("NotAWAV", func(t *testing.T) {
		path := filepath.Join(dir, "junk.wav")
		require.NoError(t, os.WriteFile(path, []byte("not audio"), 0644))
		assert.Error(t, validateCanonicalWAV(path))
	})
}
