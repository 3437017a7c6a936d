// Package report computes size reductions and writes batch reports.
package report

import "time"

// Sizes is the outcome of comparing an input file with its output.
type Sizes struct {
	OriginalKB   float64 `json:"original_kb"`
	CompressedKB float64 `json:"compressed_kb"`
	// PercentReduction is negative when the output grew.
	PercentReduction float64 `json:"percent_reduction"`
}

// Report compares two byte counts. The reduction is 0 when original is 0.
func Report(original, compressed int64) Sizes {
	s := Sizes{
		OriginalKB:   float64(original) / 1024,
		CompressedKB: float64(compressed) / 1024,
	}
	if original != 0 {
		s.PercentReduction = (1 - float64(compressed)/float64(original)) * 100
	}
	return s
}

// Entry is one processed file.
type Entry struct {
	Input      string        `json:"input"`
	Output     string        `json:"output,omitempty"`
	Mode       string        `json:"mode"`
	Quality    int           `json:"quality"`
	Resolution int           `json:"resolution"`
	Sizes      Sizes         `json:"sizes"`
	Warnings   []string      `json:"warnings,omitempty"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Failed reports whether the file produced no output.
func (e Entry) Failed() bool { return e.Error != "" }

// Summary aggregates a batch.
type Summary struct {
	Files     int   `json:"files"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Warnings  int   `json:"warnings"`
	Sizes     Sizes `json:"sizes"`
}

// Summarize totals the entries; sizes only count successful files.
func Summarize(entries []Entry) Summary {
	var s Summary
	var orig, comp float64
	for _, e := range entries {
		s.Files++
		s.Warnings += len(e.Warnings)
		if e.Failed() {
			s.Failed++
			continue
		}
		s.Succeeded++
		orig += e.Sizes.OriginalKB
		comp += e.Sizes.CompressedKB
	}
	s.Sizes = Sizes{OriginalKB: orig, CompressedKB: comp}
	if orig != 0 {
		s.Sizes.PercentReduction = (1 - comp/orig) * 100
	}
	return s
}
