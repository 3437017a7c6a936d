// Package render rasterizes PDF pages in pure Go. It covers filled and
// stroked paths, clipping, image XObjects, inline images, shadings and
// text drawn with embedded TrueType programs or Go font substitutes.
// Even-odd fills are exact; non-zero fills use coverage accumulation.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/pagetree"
)

// ErrPageTooLarge is returned when the requested bitmap exceeds MaxPixels.
var ErrPageTooLarge = errors.New("rendered page exceeds pixel limit")

// PageRenderer draws one page into an RGBA bitmap covering its media box
// at dpi dots per inch.
type PageRenderer interface {
	RenderPage(ctx context.Context, doc *raw.Document, page *pagetree.Page, dpi float64) (*image.RGBA, error)
}

// ImageDecoder decodes image XObjects and inline images.
type ImageDecoder interface {
	DecodeImage(ctx context.Context, doc *raw.Document, resources, dict *raw.DictObj, data []byte) (*codec.PixelBuffer, error)
}

type Options struct {
	Limits  filters.Limits
	Decoder ImageDecoder
	// MaxPixels bounds width*height of a page bitmap. Zero means 1e8.
	MaxPixels int
	// MaxFormDepth bounds nested form XObjects. Zero means 12.
	MaxFormDepth int
	// SkipAnnotations leaves annotation appearance streams undrawn.
	SkipAnnotations bool
	Logger          observability.Logger
}

type Renderer struct {
	opts     Options
	pipeline *filters.Pipeline
}

var _ PageRenderer = (*Renderer)(nil)

func New(opts Options) *Renderer {
	if opts.Decoder == nil {
		opts.Decoder = codec.New(opts.Limits)
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = 100_000_000
	}
	if opts.MaxFormDepth <= 0 {
		opts.MaxFormDepth = 12
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	return &Renderer{opts: opts, pipeline: filters.NewDefaultPipeline(opts.Limits)}
}

// PixelSize returns the bitmap size for box at dpi.
func PixelSize(box raw.Rect, dpi float64) (int, int) {
	box = box.Normalize()
	w := int(math.Ceil(box.Width()*dpi/72 - 1e-6))
	h := int(math.Ceil(box.Height()*dpi/72 - 1e-6))
	return max(w, 1), max(h, 1)
}

// DeviceMatrix maps default user space onto a bitmap of height h pixels
// whose top-left corner is the top-left corner of box.
func DeviceMatrix(box raw.Rect, dpi float64, h int) coords.Matrix {
	box = box.Normalize()
	s := dpi / 72
	return coords.Translate(-box.LLX, -box.LLY).
		Multiply(coords.Scale(s, -s)).
		Multiply(coords.Translate(0, float64(h)))
}

// RenderPage renders the page contents and, unless disabled, visible
// annotation appearances. The rotation entry is not applied.
func (r *Renderer) RenderPage(ctx context.Context, doc *raw.Document, page *pagetree.Page, dpi float64) (*image.RGBA, error) {
	if dpi <= 0 {
		return nil, fmt.Errorf("render: invalid resolution %v", dpi)
	}
	w, h := PixelSize(page.MediaBox, dpi)
	if w*h > r.opts.MaxPixels || w > 1<<16 || h > 1<<16 {
		return nil, fmt.Errorf("%w: %dx%d", ErrPageTooLarge, w, h)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	dev := &device{
		r:      r,
		ctx:    ctx,
		doc:    doc,
		canvas: canvas,
		active: make(map[raw.ObjectRef]bool),
		fonts:  newFontCache(ctx, doc, r.pipeline),
		colors: codec.NewProfileCache(),
		logger: r.opts.Logger.With(observability.Int("page", page.Index)),
	}
	base := DeviceMatrix(page.MediaBox, dpi, h)

	data, err := page.Contents(ctx, doc, r.pipeline)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dev.logger.Debug("page contents partially unreadable", observability.Error("error", err))
	}
	if err := dev.runStream(data, page.Resources, base, 0); err != nil {
		return nil, err
	}
	if !r.opts.SkipAnnotations {
		if err := dev.drawAnnotations(page, base); err != nil {
			return nil, err
		}
	}
	return canvas, nil
}

// device is the drawing state of one page render.
type device struct {
	r      *Renderer
	ctx    context.Context
	doc    *raw.Document
	canvas *image.RGBA
	logger observability.Logger

	// clip is nil when nothing is clipped. The stack mirrors q/Q.
	clip      *image.Alpha
	clipStack []*image.Alpha

	path        path
	pendingClip fillRule
	// base is the initial matrix of the current stream, the default
	// pattern space.
	base coords.Matrix

	active map[raw.ObjectRef]bool
	fonts  *fontCache
	colors *codec.ProfileCache
}

// runStream interprets one content stream. Parse errors truncate the
// stream; cancellation aborts it.
func (d *device) runStream(data []byte, resources *raw.DictObj, ctm coords.Matrix, depth int) error {
	ops, err := contentstream.Parse(data)
	if err != nil {
		d.logger.Debug("content stream truncated", observability.Error("error", err))
	}
	if len(ops) == 0 {
		return nil
	}
	ec := contentstream.NewExecutionContext(d.doc, resources, ctm)

	// Restore the clip state on exit even if the stream leaves q unbalanced.
	savedClip, savedDepth := d.clip, len(d.clipStack)
	savedPath, savedPending, savedBase := d.path, d.pendingClip, d.base
	d.path, d.pendingClip, d.base = path{}, noClip, ctm
	defer func() {
		d.clip, d.clipStack = savedClip, d.clipStack[:savedDepth]
		d.path, d.pendingClip, d.base = savedPath, savedPending, savedBase
	}()

	p := contentstream.NewProcessor()
	d.registerState(p, savedDepth)
	d.registerPaths(p)
	d.registerImages(p, depth)
	d.registerText(p)
	d.registerShading(p)
	err = p.Run(d.ctx, ops, ec)
	if err != nil && d.ctx.Err() != nil {
		return d.ctx.Err()
	}
	if err != nil {
		d.logger.Debug("content stream aborted", observability.Error("error", err))
	}
	return nil
}

// registerState keeps the clip stack in step with q/Q. Q never pops below
// base, the depth the current stream started at.
func (d *device) registerState(p contentstream.Processor, base int) {
	p.RegisterHandler("q", contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		d.clipStack = append(d.clipStack, d.clip)
		return nil
	}))
	p.RegisterHandler("Q", contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		if n := len(d.clipStack); n > base {
			d.clip = d.clipStack[n-1]
			d.clipStack = d.clipStack[:n-1]
		}
		return nil
	}))
}

// fillColor resolves the current fill colour. Colour spaces the codec
// cannot model are shown as a gray derived from the first component.
func (d *device) fillColor(ec *contentstream.ExecutionContext) color.NRGBA {
	gs := ec.GraphicsState
	return d.resolveColor(ec, gs.FillSpace, gs.FillColor, gs.FillAlpha)
}

func (d *device) strokeColor(ec *contentstream.ExecutionContext) color.NRGBA {
	gs := ec.GraphicsState
	return d.resolveColor(ec, gs.StrokeSpace, gs.StrokeColor, gs.StrokeAlpha)
}

func (d *device) resolveColor(ec *contentstream.ExecutionContext, space string, comps []float64, alpha float64) color.NRGBA {
	a := uint8(math.Round(math.Max(0, math.Min(1, alpha)) * 255))
	c, err := d.colors.ColorRGB(d.doc, ec.Resources, space, comps)
	if err != nil {
		// Separation and DeviceN tints: 0 is no ink.
		v := 0.0
		if len(comps) > 0 {
			v = comps[0]
		}
		g := uint8(math.Round((1 - math.Max(0, math.Min(1, v))) * 255))
		return color.NRGBA{R: g, G: g, B: g, A: a}
	}
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: a}
}

// composite paints src through mask, whose origin sits at r.Min, honouring
// the current clip. mask is modified.
func (d *device) composite(r image.Rectangle, mask *image.Alpha, src image.Image) {
	off := r.Min
	r = r.Intersect(d.canvas.Bounds())
	if r.Empty() {
		return
	}
	if d.clip != nil {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			mrow := mask.Pix[(y-off.Y)*mask.Stride:]
			crow := d.clip.Pix[y*d.clip.Stride:]
			for x := r.Min.X; x < r.Max.X; x++ {
				m := &mrow[x-off.X]
				if *m != 0 {
					*m = uint8(uint16(*m) * uint16(crow[x]) / 255)
				}
			}
		}
	}
	draw.DrawMask(d.canvas, r, src, r.Min, mask, r.Min.Sub(off), draw.Over)
}
