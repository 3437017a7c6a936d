package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Format selects a sidecar report encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// FormatOf picks a format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("report: unknown format for %q", path)
}

// Write encodes entries and their summary in the given format.
func Write(w io.Writer, f Format, entries []Entry) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, entries)
	case FormatMarkdown:
		return WriteMarkdown(w, entries)
	case FormatHTML:
		return WriteHTML(w, entries)
	}
	return fmt.Errorf("report: unknown format %q", f)
}

func WriteJSON(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary Summary `json:"summary"`
		Files   []Entry `json:"files"`
	}{Summarize(entries), entries})
}

func WriteMarkdown(w io.Writer, entries []Entry) error {
	_, err := io.WriteString(w, markdown(entries))
	return err
}

// WriteHTML renders the Markdown report as an HTML fragment.
func WriteHTML(w io.Writer, entries []Entry) error {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown(entries)), &buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func markdown(entries []Entry) string {
	s := Summarize(entries)
	var b strings.Builder
	b.WriteString("# Compression report\n\n")
	fmt.Fprintf(&b, "%d files, %d succeeded, %d failed, %d warnings.\n\n", s.Files, s.Succeeded, s.Failed, s.Warnings)
	if s.Succeeded > 0 {
		fmt.Fprintf(&b, "Total: %.1f KB to %.1f KB (%.1f%% reduction).\n\n", s.Sizes.OriginalKB, s.Sizes.CompressedKB, s.Sizes.PercentReduction)
	}
	if len(entries) == 0 {
		return b.String()
	}
	b.WriteString("| File | Mode | Original KB | Compressed KB | Reduction | Status |\n")
	b.WriteString("|---|---|---:|---:|---:|---|\n")
	for _, e := range entries {
		name := cell(filepath.Base(e.Input))
		if e.Failed() {
			fmt.Fprintf(&b, "| %s | %s | | | | failed: %s |\n", name, e.Mode, cell(e.Error))
			continue
		}
		status := "ok"
		if n := len(e.Warnings); n > 0 {
			status = fmt.Sprintf("%d warnings", n)
		}
		fmt.Fprintf(&b, "| %s | %s | %.1f | %.1f | %.1f%% | %s |\n",
			name, e.Mode, e.Sizes.OriginalKB, e.Sizes.CompressedKB, e.Sizes.PercentReduction, status)
	}
	var warned []Entry
	for _, e := range entries {
		if len(e.Warnings) > 0 {
			warned = append(warned, e)
		}
	}
	if len(warned) > 0 {
		b.WriteString("\n## Warnings\n")
		for _, e := range warned {
			fmt.Fprintf(&b, "\n### %s\n\n", filepath.Base(e.Input))
			for _, w := range e.Warnings {
				fmt.Fprintf(&b, "- %s\n", w)
			}
		}
	}
	return b.String()
}

// cell escapes text for a table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
