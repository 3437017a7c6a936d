package optimize

import (
	"context"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/pagetree"
)

// resampleThreshold lets images exceed the target resolution by 20%
// before they are resampled.
const resampleThreshold = 1.2

type imageUsage struct {
	maxWidth  float64 // in points
	maxHeight float64 // in points
}

// collectImageUsage records the largest displayed size of every image
// XObject. Pages whose content cannot be decoded or traced are skipped.
func (o *Optimizer) collectImageUsage(ctx context.Context, doc *raw.Document, pages []*pagetree.Page) (map[raw.ObjectRef]imageUsage, error) {
	usage := make(map[raw.ObjectRef]imageUsage)
	tracer := contentstream.NewTracer(o.pipeline)

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := page.Contents(ctx, doc, o.pipeline)
		if err != nil {
			o.config.Logger.Debug("page contents unreadable",
				observability.Int("page", page.Index), observability.Error("error", err))
		}
		if len(data) == 0 {
			continue
		}
		ops, err := contentstream.Parse(data)
		if err != nil {
			o.config.Logger.Debug("page contents truncated",
				observability.Int("page", page.Index), observability.Error("error", err))
		}
		ec := contentstream.NewExecutionContext(doc, page.Resources, coords.Identity())
		traced, err := tracer.Trace(ctx, ec, ops)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, placed := range traced.Images {
			if placed.Inline || placed.Ref.Num == 0 {
				continue
			}
			w, h := math.Abs(placed.Width), math.Abs(placed.Height)
			curr := usage[placed.Ref]
			if w > curr.maxWidth {
				curr.maxWidth = w
			}
			if h > curr.maxHeight {
				curr.maxHeight = h
			}
			usage[placed.Ref] = curr
		}
	}
	return usage, nil
}

// targetSize returns the resampled pixel size of an image, or ok=false when
// the image is within resolution.
func (o *Optimizer) targetSize(width, height int, usage imageUsage) (int, int, bool) {
	if o.config.Resolution <= 0 || width <= 0 || height <= 0 {
		return width, height, false
	}
	// PPI = pixels / (points / 72)
	maxW := o.config.Resolution * usage.maxWidth / 72.0
	maxH := o.config.Resolution * usage.maxHeight / 72.0
	if maxW <= 0 || maxH <= 0 {
		return width, height, false
	}
	if float64(width) <= maxW*resampleThreshold && float64(height) <= maxH*resampleThreshold {
		return width, height, false
	}
	scale := math.Min(maxW/float64(width), maxH/float64(height))
	tw := int(math.Round(float64(width) * scale))
	th := int(math.Round(float64(height) * scale))
	return max(tw, 1), max(th, 1), true
}

func (o *Optimizer) processImage(ctx context.Context, doc *raw.Document, ref raw.ObjectRef, usage imageUsage, res *Result) {
	st, ok := doc.Objects[ref].(*raw.StreamObj)
	if !ok {
		return
	}
	logger := o.config.Logger.With(observability.String("image", ref.String()))

	if _, isArray := doc.Resolve(valueOf(st.Dict, "Mask")).(*raw.ArrayObj); isArray {
		// Colour key masks select exact sample values, which lossy data
		// cannot reproduce.
		logger.Debug("color key masked image kept")
		return
	}

	width, _ := doc.IntOf(valueOf(st.Dict, "Width"))
	height, _ := doc.IntOf(valueOf(st.Dict, "Height"))
	tw, th, resize := o.targetSize(int(width), int(height), usage)

	specs := filters.ExtractFilters(st.Dict, doc)
	isJPEG := len(specs) > 0 && specs[len(specs)-1].Name == "DCTDecode"
	if isJPEG && !resize && !o.config.Policy.RecompressJPEG {
		return
	}

	buf, err := o.config.Codec.Decode(ctx, doc, st)
	if err != nil {
		o.fail(res, logger, ref, err)
		return
	}
	if resize {
		buf = resample(buf, tw, th)
	}
	enc, err := o.config.Codec.Encode(buf, o.config.Quality)
	if err != nil {
		o.fail(res, logger, ref, err)
		return
	}
	if o.config.Policy.KeepIfLarger && len(enc.Data) >= len(st.Data) {
		res.Kept++
		logger.Debug("re-encoded image not smaller, original kept",
			observability.Int("original", len(st.Data)), observability.Int("encoded", len(enc.Data)))
		return
	}

	res.BytesBefore += int64(len(st.Data))
	res.BytesAfter += int64(len(enc.Data))
	res.Reencoded++
	if resize {
		res.Downsampled++
	}
	doc.Objects[ref] = substitute(st, enc)
	logger.Debug("image re-encoded",
		observability.Int("width", enc.Width), observability.Int("height", enc.Height),
		observability.Int("original", len(st.Data)), observability.Int("encoded", len(enc.Data)))
}

func (o *Optimizer) fail(res *Result, logger observability.Logger, ref raw.ObjectRef, err error) {
	res.Failures = append(res.Failures, Failure{Ref: ref, Err: err})
	logger.Warn("image left unmodified", observability.Error("error", err))
}

// substitute builds the replacement stream. The dictionary keeps every
// entry that still applies, such as SMask, Interpolate and Intent.
func substitute(st *raw.StreamObj, enc *codec.Encoded) *raw.StreamObj {
	dict := st.Dict.Clone()
	for _, key := range []string{"DecodeParms", "Decode", "Length", "F", "FDecodeParms", "FFilter"} {
		dict.Delete(key)
	}
	dict.Set("Filter", raw.NameLiteral(enc.Filter))
	dict.Set("ColorSpace", raw.NameLiteral(enc.ColorSpace))
	dict.Set("BitsPerComponent", raw.NumberInt(int64(enc.BitsPerComponent)))
	dict.Set("Width", raw.NumberInt(int64(enc.Width)))
	dict.Set("Height", raw.NumberInt(int64(enc.Height)))
	return raw.NewStream(dict, enc.Data)
}

func resample(buf *codec.PixelBuffer, w, h int) *codec.PixelBuffer {
	var dst draw.Image
	if buf.Channels == 1 {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), buf.Image, buf.Image.Bounds(), draw.Src, nil)
	out := *buf
	out.Image = dst
	return &out
}

func valueOf(d *raw.DictObj, key string) raw.Object {
	v, _ := d.Get(key)
	return v
}
