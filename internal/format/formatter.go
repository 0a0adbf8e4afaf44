// Package format renders the canonical transcript into the output
// artifacts. Every renderer is a pure function of the transcript, so a
// re-run produces byte-identical files.
package format

import (
	"fmt"
	"os"
	"strings"

	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/models"
)

// WriteAll renders every artifact into the job's output directory and
// returns the formats produced, in canonical order. transcript.json is
// already on disk and counts as the json format.
func WriteAll(tree jobfs.Tree, transcript *models.Transcript) ([]string, error) {
	renderers := map[string]func(*models.Transcript) string{
		models.FormatTXT: Text,
		models.FormatSRT: SRT,
		models.FormatVTT: VTT,
		models.FormatMD:  Markdown,
	}

	formats := []string{models.FormatJSON}
	for _, format := range models.AllFormats() {
		render, ok := renderers[format]
		if !ok {
			continue
		}
		path := tree.ArtifactPath(format)
		if err := os.WriteFile(path, []byte(render(transcript)), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s artifact: %w", format, err)
		}
		formats = append(formats, format)
	}
	return formats, nil
}

// ContentType returns the response content type for one artifact format.
func ContentType(format string) string {
	switch format {
	case models.FormatJSON:
		return "application/json; charset=utf-8"
	case models.FormatSRT:
		return "text/plain; charset=utf-8"
	case models.FormatVTT:
		return "text/vtt; charset=utf-8"
	case models.FormatMD:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Text renders segment texts separated by single newlines with a
// trailing newline.
func Text(t *models.Transcript) string {
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// SRT renders numbered cues with comma-millisecond timecodes.
func SRT(t *models.Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimecode(seg.Start), srtTimecode(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// VTT renders a WEBVTT document with dot-millisecond timecodes.
func VTT(t *models.Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", vttTimecode(seg.Start), vttTimecode(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Markdown renders a short structured document: a title, a metadata
// block, and the full text as paragraphs.
func Markdown(t *models.Transcript) string {
	var b strings.Builder
	b.WriteString("# 文字起こし結果\n\n")
	fmt.Fprintf(&b, "- 言語: %s\n", t.Language)
	fmt.Fprintf(&b, "- 長さ: %s\n", mdDuration(t.Duration))
	fmt.Fprintf(&b, "- セグメント数: %d\n\n", len(t.Segments))
	b.WriteString("## 本文\n\n")
	for _, seg := range t.Segments {
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// timecodeParts splits seconds into components, truncating (not
// rounding) to millisecond resolution.
func timecodeParts(seconds float64) (h, m, s, ms int) {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int(seconds * 1000)
	h = totalMs / 3600000
	m = totalMs % 3600000 / 60000
	s = totalMs % 60000 / 1000
	ms = totalMs % 1000
	return
}

func srtTimecode(seconds float64) string {
	h, m, s, ms := timecodeParts(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTimecode(seconds float64) string {
	h, m, s, ms := timecodeParts(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func mdDuration(seconds float64) string {
	h, m, s, _ := timecodeParts(seconds)
	if h > 0 {
		return fmt.Sprintf("%d時間%d分%d秒", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%d分%d秒", m, s)
	}
	return fmt.Sprintf("%d秒", s)
}
