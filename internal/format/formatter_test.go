package format

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() *models.Transcript {
	return &models.Transcript{
		Language: "ja",
		Duration: 7.5,
		Segments: []models.Segment{
			{ID: 0, Start: 0, End: 2.5, Text: "こんにちは。"},
			{ID: 1, Start: 2.5, End: 5.0, Text: "今日は良い天気ですね。"},
			{ID: 2, Start: 5.0, End: 7.5, Text: "さようなら。"},
		},
		Text: "こんにちは。今日は良い天気ですね。さようなら。",
	}
}

func TestText(t *testing.T) {
	out := Text(sampleTranscript())
	assert.Equal(t, "こんにちは。\n今日は良い天気ですね。\nさようなら。\n", out)
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestSRT(t *testing.T) {
	out := SRT(sampleTranscript())
	lines := strings.Split(out, "\n")

	assert.Equal(t, "1", lines[0])
	assert.Equal(t, "00:00:00,000 --> 00:00:02,500", lines[1])
	assert.Equal(t, "こんにちは。", lines[2])
	assert.Equal(t, "", lines[3])
	assert.Equal(t, "2", lines[4])
}

func TestVTT(t *testing.T) {
	out := VTT(sampleTranscript())
	lines := strings.Split(out, "\n")

	assert.Equal(t, "WEBVTT", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "00:00:00.000 --> 00:00:02.500", lines[2])
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleTranscript())
	assert.True(t, strings.HasPrefix(out, "# "))
	assert.Contains(t, out, "セグメント数: 3")
	assert.Contains(t, out, "こんにちは。")
}

func TestTimecodeTruncation(t *testing.T) {
	// 3661.9999s is 01:01:01.999 truncated, never rounded up to 01:01:02.
	assert.Equal(t, "01:01:01,999", srtTimecode(3661.9999))
	assert.Equal(t, "01:01:01.999", vttTimecode(3661.9999))
	assert.Equal(t, "00:00:00,000", srtTimecode(0))
	assert.Equal(t, "00:00:00,000", srtTimecode(-1))
}

func TestRenderingIsPure(t *testing.T) {
	transcript := sampleTranscript()
	for name, render := range map[string]func(*models.Transcript) string{
		"txt": Text, "srt": SRT, "vtt": VTT, "md": Markdown,
	} {
		first := render(transcript)
		second := render(transcript)
		assert.Equal(t, first, second, "%s must be byte-identical across runs", name)
	}
}

func TestWriteAll(t *testing.T) {
	tree := jobfs.New(filepath.Join(t.TempDir(), "JOB-TTTTTT"))
	require.NoError(t, tree.Create())

	formats, err := WriteAll(tree, sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, []string{"json", "txt", "srt", "vtt", "md"}, formats)

	for _, f := range []string{"txt", "srt", "vtt", "md"} {
		data, err := os.ReadFile(tree.ArtifactPath(f))
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	// No stray files beyond the four artifacts in output/.
	entries, err := os.ReadDir(tree.OutputDir())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}
