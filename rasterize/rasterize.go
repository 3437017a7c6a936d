// Package rasterize replaces every page of a document with a single
// full-page JPEG rendering of it. Text and vector content are lost; the
// page count, media boxes and rotation are kept.
package rasterize

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/pagetree"
	"github.com/wudi/pdfshrink/render"
)

// imageName is the resource name of the page image on every new page.
const imageName = "Im0"

// catalogPageRefs are catalog entries that point into the old pages and
// would dangle once the page tree is replaced.
var catalogPageRefs = []string{"Outlines", "Dests", "OpenAction", "StructTreeRoot", "MarkInfo", "AcroForm", "Names", "Threads"}

type Config struct {
	Quality    int
	Resolution float64
	Renderer   render.PageRenderer
	Codec      codec.ImageCodec
	// DetectGray encodes pages without any coloured pixel as single
	// channel JPEG.
	DetectGray bool
	Logger     observability.Logger
}

// Result describes one rasterization run.
type Result struct {
	Pages      int
	ImageBytes int64
	Elapsed    time.Duration
}

// ErrNoPages is returned for a document whose page tree is empty.
var ErrNoPages = errors.New("rasterize: document has no pages")

// PageError names the page that failed to render or encode.
type PageError struct {
	Index int
	Err   error
}

func (e *PageError) Error() string { return fmt.Sprintf("page %d: %v", e.Index+1, e.Err) }
func (e *PageError) Unwrap() error { return e.Err }

// Rasterize renders each page of doc at cfg.Resolution, encodes it at
// cfg.Quality and installs a new page tree of image-only pages in the
// original order. The document is modified in place; objects of the old
// pages become unreachable and are dropped by a garbage-collecting save.
// Any page failure aborts the run, since a partial page set would change
// the page count.
func Rasterize(ctx context.Context, doc *raw.Document, cfg Config) (*Result, error) {
	if cfg.Resolution <= 0 {
		return nil, fmt.Errorf("rasterize: invalid resolution %v", cfg.Resolution)
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New(render.Options{Logger: cfg.Logger})
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(filters.Limits{})
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	start := time.Now()
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	res := &Result{}
	newPages := make([]*raw.DictObj, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dict, n, err := rasterizePage(ctx, doc, page, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &PageError{Index: page.Index, Err: err}
		}
		newPages = append(newPages, dict)
		res.ImageBytes += int64(n)
		cfg.Logger.Debug("page rasterized", observability.Int("page", page.Index+1), observability.Int("bytes", n))
	}

	if _, err := pagetree.Replace(doc, newPages); err != nil {
		return nil, err
	}
	if catalog, ok := doc.Catalog(); ok {
		for _, key := range catalogPageRefs {
			catalog.Delete(key)
		}
	}
	res.Pages = len(newPages)
	res.Elapsed = time.Since(start)
	cfg.Logger.Info("pages rasterized",
		observability.Int("pages", res.Pages),
		observability.Int64("image_bytes", res.ImageBytes),
		observability.Duration(observability.MetricRasterizeTime, res.Elapsed))
	return res, nil
}

func rasterizePage(ctx context.Context, doc *raw.Document, page *pagetree.Page, cfg Config) (*raw.DictObj, int, error) {
	img, err := cfg.Renderer.RenderPage(ctx, doc, page, cfg.Resolution)
	if err != nil {
		return nil, 0, fmt.Errorf("render: %w", err)
	}
	buf := codec.Flatten(img)
	if cfg.DetectGray {
		if gray, ok := grayscale(img); ok {
			buf = &codec.PixelBuffer{Image: gray, Channels: 1, Family: "DeviceGray"}
		}
	}
	enc, err := cfg.Codec.Encode(buf, cfg.Quality)
	if err != nil {
		return nil, 0, err
	}
	imageRef := doc.Add(imageStream(enc))

	box := page.MediaBox.Normalize()
	content := []byte("q " + num(box.Width()) + " 0 0 " + num(box.Height()) + " " +
		num(box.LLX) + " " + num(box.LLY) + " cm /" + imageName + " Do Q")
	contentRef := doc.Add(raw.NewStream(raw.Dict(), content))

	xobjects := raw.Dict()
	xobjects.Set(imageName, raw.RefObj{R: imageRef})
	resources := raw.Dict()
	resources.Set("XObject", xobjects)

	dict := raw.Dict()
	dict.Set("MediaBox", page.MediaBox.Array())
	dict.Set("Resources", resources)
	dict.Set("Contents", raw.RefObj{R: contentRef})
	if page.Rotate != 0 {
		dict.Set("Rotate", raw.NumberInt(int64(page.Rotate)))
	}
	if uu, ok := page.Dict.Get("UserUnit"); ok {
		dict.Set("UserUnit", doc.Resolve(uu))
	}
	return dict, len(enc.Data), nil
}

func imageStream(enc *codec.Encoded) *raw.StreamObj {
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("XObject"))
	d.Set("Subtype", raw.NameLiteral("Image"))
	d.Set("Width", raw.NumberInt(int64(enc.Width)))
	d.Set("Height", raw.NumberInt(int64(enc.Height)))
	d.Set("ColorSpace", raw.NameLiteral(enc.ColorSpace))
	d.Set("BitsPerComponent", raw.NumberInt(int64(enc.BitsPerComponent)))
	d.Set("Filter", raw.NameLiteral(enc.Filter))
	return raw.NewStream(d, enc.Data)
}

// grayscale reports whether every pixel of img is neutral and returns the
// single channel copy when it is.
func grayscale(img *image.RGBA) (*image.Gray, bool) {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		dst := gray.Pix[y*gray.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := src[x*4], src[x*4+1], src[x*4+2]
			if r != g || g != bl {
				return nil, false
			}
			dst[x] = r
		}
	}
	return gray, true
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
