// Package batch compresses every PDF of a directory, several files at a
// time, without letting one bad file stop the rest.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wudi/pdfshrink/compress"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/report"
)

// DefaultOutputDir is the subdirectory of the input directory used when
// no output directory is given.
const DefaultOutputDir = "compressed_pdfs"

type Options struct {
	// OutputDir receives the compressed files and is created if missing.
	OutputDir string
	// Workers bounds concurrent files. Zero means runtime.NumCPU().
	Workers int
	// Report, when set, is the sidecar report path. The format follows
	// the extension (.json, .md, .html).
	Report string
	Logger observability.Logger
}

// Result lists one entry per input file in name order.
type Result struct {
	Entries []report.Entry
	Summary report.Summary
}

// OutputName is the file name for input compressed at quality.
func OutputName(input string, quality int) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_compressed_q%d.pdf", base, quality)
}

// outputNames maps inputs to output names that differ even when compared
// without case, so a.pdf and a.PDF never share an output file. Later
// inputs in the list get a numeric suffix.
func outputNames(files []string, quality int) []string {
	names := make([]string, len(files))
	used := make(map[string]bool, len(files))
	for i, in := range files {
		name := OutputName(in, quality)
		stem := strings.TrimSuffix(name, ".pdf")
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d.pdf", stem, n)
		}
		used[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

// Enumerate returns the regular files of dir whose extension is .pdf in
// any case, sorted by name. Subdirectories are not searched.
func Enumerate(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Run compresses every PDF in inputDir with c. Per-file failures become
// failed entries; the returned error covers only problems with the batch
// itself (unreadable input directory, output directory, report file) and
// cancellation.
func Run(ctx context.Context, c *compress.Compressor, inputDir string, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Join(inputDir, DefaultOutputDir)
	}

	files, err := Enumerate(inputDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", inputDir, err)
	}
	names := outputNames(files, c.Config().Quality)
	res := &Result{Entries: make([]report.Entry, len(files))}
	if len(files) > 0 {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	opts.Logger.Info("batch started",
		observability.Int("files", len(files)),
		observability.Int("workers", workers),
		observability.String("config", c.Config().String()))

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, in := range files {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				res.Entries[i] = failed(c, in, ctx.Err(), 0)
				return
			}
			defer func() { <-sem }()
			res.Entries[i] = compressOne(ctx, c, in, filepath.Join(outDir, names[i]), opts.Logger)
		}(i, in)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Summary = report.Summarize(res.Entries)
	opts.Logger.Info("batch finished",
		observability.Int("succeeded", res.Summary.Succeeded),
		observability.Int("failed", res.Summary.Failed),
		observability.Float64("reduction_pct", res.Summary.Sizes.PercentReduction))

	if opts.Report != "" {
		if err := writeReport(opts.Report, res.Entries); err != nil {
			return res, err
		}
	}
	return res, nil
}

func compressOne(ctx context.Context, c *compress.Compressor, in, out string, log observability.Logger) report.Entry {
	start := time.Now()
	r, err := c.CompressFile(ctx, in, out)
	if err != nil {
		log.Warn("file failed", observability.String("file", in), observability.Error("error", err))
		return failed(c, in, err, time.Since(start))
	}
	return r.Entry()
}

func failed(c *compress.Compressor, in string, err error, elapsed time.Duration) report.Entry {
	cfg := c.Config()
	return report.Entry{
		Input:      in,
		Mode:       string(cfg.Mode),
		Quality:    cfg.Quality,
		Resolution: cfg.Resolution,
		Error:      err.Error(),
		Elapsed:    elapsed,
	}
}

func writeReport(path string, entries []report.Entry) error {
	format, err := report.FormatOf(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, format, entries); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
