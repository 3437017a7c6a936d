// Package compress runs one document through a compression pipeline:
// load, rasterize pages or re-encode images, save, and store the result
// atomically.
package compress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/optimize"
	"github.com/wudi/pdfshrink/pagetree"
	"github.com/wudi/pdfshrink/parser"
	"github.com/wudi/pdfshrink/rasterize"
	"github.com/wudi/pdfshrink/recovery"
	"github.com/wudi/pdfshrink/render"
	"github.com/wudi/pdfshrink/report"
	"github.com/wudi/pdfshrink/writer"
)

// Verifier checks a serialized output before it is stored.
type Verifier interface {
	Verify(ctx context.Context, data []byte, wantPages int) error
}

// Options are the knobs beyond Config. Use DefaultOptions as a base.
type Options struct {
	Save writer.Config
	// Container loads and saves documents. Nil uses NativeContainer with
	// repair enabled; repaired problems are reported as warnings.
	Container PdfContainer
	// Strict disables repair in the default container.
	Strict   bool
	Renderer render.PageRenderer
	Codec    codec.ImageCodec
	Policy   optimize.Policy
	// RecompressStreams re-deflates LZW, ASCII and RunLength streams in
	// reencode mode.
	RecompressStreams bool
	// DetectGray stores neutral rasterized pages as grayscale.
	DetectGray bool
	Limits     filters.Limits
	Verifier   Verifier
	// Retries is the number of extra attempts for moving the finished
	// output into place.
	Retries    int
	RetryDelay time.Duration
	Logger     observability.Logger
	Tracer     observability.Tracer
}

// DefaultSave garbage collects and deflates, as the original tool saved
// with garbage collection and deflate enabled.
func DefaultSave() writer.Config {
	return writer.Config{
		RemoveUnreferenced:    true,
		CompressStreams:       true,
		CompressionLevel:      9,
		Sanitize:              true,
		MergeDuplicateStreams: true,
	}
}

func DefaultOptions() Options {
	return Options{
		Save:       DefaultSave(),
		Policy:     optimize.DefaultPolicy(),
		DetectGray: true,
		Retries:    3,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Result describes one successful run.
type Result struct {
	Input           string
	Output          string
	Config          Config
	Pages           int
	OriginalBytes   int64
	CompressedBytes int64
	Sizes           report.Sizes
	// Images is set in reencode mode, Raster in rasterize mode.
	Images   *optimize.Result
	Raster   *rasterize.Result
	Warnings []Warning
	Elapsed  time.Duration
}

// Entry converts the result into a report row.
func (r *Result) Entry() report.Entry {
	e := report.Entry{
		Input:      r.Input,
		Output:     r.Output,
		Mode:       string(r.Config.Mode),
		Quality:    r.Config.Quality,
		Resolution: r.Config.Resolution,
		Sizes:      r.Sizes,
		Elapsed:    r.Elapsed,
	}
	for _, w := range r.Warnings {
		e.Warnings = append(e.Warnings, w.String())
	}
	return e
}

// Compressor applies one validated Config. It holds no per-document
// state and may be shared by concurrent runs when its Renderer and Codec
// are safe for concurrent use (the defaults are).
type Compressor struct {
	cfg  Config
	opts Options
}

// New validates cfg before anything else happens.
func New(cfg Config, opts Options) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Retries < 0 {
		return nil, &ConfigError{Field: "retries", Value: opts.Retries, Reason: "must not be negative"}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NopTracer()
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(opts.Limits)
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New(render.Options{Limits: opts.Limits, Logger: opts.Logger})
	}
	if opts.Save.Logger == nil {
		opts.Save.Logger = opts.Logger
	}
	return &Compressor{cfg: cfg, opts: opts}, nil
}

func (c *Compressor) Config() Config { return c.cfg }

// CompressBytes runs the pipeline on an in-memory document and returns
// the serialized output.
func (c *Compressor) CompressBytes(ctx context.Context, data []byte) (*Result, []byte, error) {
	return c.run(ctx, "", data)
}

// CompressFile reads input, compresses it and stores the result at output
// through a temporary file renamed into place. Nothing is left at output
// unless the run succeeds.
func (c *Compressor) CompressFile(ctx context.Context, input, output string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", input, err)
	}
	res, out, err := c.run(ctx, input, data)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(ctx, output, out, c.opts.Retries, c.opts.RetryDelay); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &WriteError{Path: output, Err: err}
	}
	res.Output = output
	c.opts.Logger.Info("compressed",
		observability.String("input", input),
		observability.String("output", output),
		observability.Int64(observability.MetricBytesIn, res.OriginalBytes),
		observability.Int64(observability.MetricBytesOut, res.CompressedBytes),
		observability.Float64("reduction_pct", res.Sizes.PercentReduction),
		observability.Int("warnings", len(res.Warnings)))
	return res, nil
}

func (c *Compressor) run(ctx context.Context, path string, data []byte) (_ *Result, _ []byte, err error) {
	ctx, span := c.opts.Tracer.StartSpan(ctx, "compress.document")
	span.SetTag("mode", string(c.cfg.Mode))
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
	}()
	log := c.opts.Logger
	if path != "" {
		log = log.With(observability.String("file", path))
	}
	start := time.Now()

	container, save, lenient := c.container(log)
	doc, err := container.Load(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &ParseError{Path: path, Err: err}
	}
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return nil, nil, &ParseError{Path: path, Err: err}
	}
	log.Debug("loaded",
		observability.Int(observability.MetricPageCount, len(pages)),
		observability.Int(observability.MetricObjectCount, len(doc.Objects)),
		observability.Duration(observability.MetricParseTime, time.Since(start)))

	res := &Result{Input: path, Config: c.cfg, Pages: len(pages), OriginalBytes: int64(len(data))}
	switch c.cfg.Mode {
	case ModeReencode:
		err = c.reencode(ctx, doc, res, log)
	case ModeRasterize:
		res.Raster, err = c.rasterize(ctx, doc, log)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		var encErr *EncodeError
		if errors.As(err, &encErr) {
			return nil, nil, err
		}
		if errors.Is(err, rasterize.ErrNoPages) {
			return nil, nil, &ParseError{Path: path, Err: err}
		}
		return nil, nil, fmt.Errorf("%s: %w", name(path), err)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	writeStart := time.Now()
	out, err := container.Save(ctx, doc, save)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &WriteError{Path: path, Err: err}
	}
	log.Debug("saved", observability.Duration(observability.MetricWriteTime, time.Since(writeStart)))
	if c.opts.Verifier != nil {
		if err := c.opts.Verifier.Verify(ctx, out, len(pages)); err != nil {
			return nil, nil, &WriteError{Path: path, Err: fmt.Errorf("verify: %w", err)}
		}
	}
	if lenient != nil {
		for _, p := range lenient.Problems() {
			res.Warnings = append(res.Warnings, Warning{Err: p})
		}
	}

	res.CompressedBytes = int64(len(out))
	res.Sizes = report.Report(res.OriginalBytes, res.CompressedBytes)
	res.Elapsed = time.Since(start)
	return res, out, nil
}

// container returns the container and save config for one run. The
// default container gets a fresh lenient strategy so problems are
// attributed to this document only.
func (c *Compressor) container(log observability.Logger) (PdfContainer, writer.Config, *recovery.LenientStrategy) {
	save := c.opts.Save
	save.Logger = log
	if c.opts.Container != nil {
		return c.opts.Container, save, nil
	}
	if c.opts.Strict {
		return NativeContainer{Parser: parser.Config{Limits: c.opts.Limits, Logger: log}}, save, nil
	}
	lenient := recovery.NewLenientStrategy()
	if save.Recovery == nil {
		save.Recovery = lenient
	}
	native := NativeContainer{Parser: parser.Config{
		Recovery: lenient,
		Repair:   true,
		Limits:   c.opts.Limits,
		Logger:   log,
	}}
	return native, save, lenient
}

func (c *Compressor) reencode(ctx context.Context, doc *raw.Document, res *Result, log observability.Logger) error {
	opt := optimize.New(optimize.Config{
		Quality:           c.cfg.Quality,
		Resolution:        float64(c.cfg.Resolution),
		Policy:            c.opts.Policy,
		RecompressStreams: c.opts.RecompressStreams,
		Codec:             c.opts.Codec,
		Limits:            c.opts.Limits,
		Logger:            log,
	})
	images, err := opt.Optimize(ctx, doc)
	if err != nil {
		return err
	}
	res.Images = images
	for _, f := range images.Failures {
		res.Warnings = append(res.Warnings, imageWarning(f))
	}
	log.Debug("images processed",
		observability.Int(observability.MetricImagesFound, images.Images),
		observability.Int(observability.MetricImagesReencoded, images.Reencoded),
		observability.Int(observability.MetricImagesFailed, len(images.Failures)))
	return nil
}

func (c *Compressor) rasterize(ctx context.Context, doc *raw.Document, log observability.Logger) (*rasterize.Result, error) {
	res, err := rasterize.Rasterize(ctx, doc, rasterize.Config{
		Quality:    c.cfg.Quality,
		Resolution: float64(c.cfg.Resolution),
		Renderer:   c.opts.Renderer,
		Codec:      c.opts.Codec,
		DetectGray: c.opts.DetectGray,
		Logger:     log,
	})
	var perr *rasterize.PageError
	if errors.As(err, &perr) && errors.Is(err, codec.ErrEncode) {
		return nil, &EncodeError{Page: perr.Index + 1, Err: perr.Err}
	}
	return res, err
}
