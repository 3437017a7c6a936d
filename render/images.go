package render

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
)

func (d *device) registerImages(p contentstream.Processor, depth int) {
	p.RegisterHandler("Do", contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		if len(op.Operands) != 1 {
			return nil
		}
		name, ok := raw.AsName(op.Operands[0])
		if !ok {
			return nil
		}
		obj, ok := ec.Resource("XObject", name)
		if !ok {
			return nil
		}
		st, ok := d.doc.StreamOf(obj)
		if !ok {
			return nil
		}
		var ref raw.ObjectRef
		if r, ok := obj.(raw.RefObj); ok {
			ref = r.R
		}
		switch sub, _ := st.Dict.Name("Subtype"); sub {
		case "Image":
			if err := d.drawImage(ec, nil, st.Dict, st.Data); err != nil {
				d.logger.Debug("image not drawn", observability.String("name", name), observability.Error("error", err))
			}
		case "Form":
			return d.drawForm(ec, ref, st, depth)
		}
		return nil
	}))
	p.RegisterHandler("BI", contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		if op.Inline == nil {
			return nil
		}
		if err := d.drawImage(ec, ec.Resources, op.Inline.Dict, op.Inline.Data); err != nil {
			d.logger.Debug("inline image not drawn", observability.Error("error", err))
		}
		return nil
	}))
}

// drawForm runs a form XObject clipped to its bounding box.
func (d *device) drawForm(ec *contentstream.ExecutionContext, ref raw.ObjectRef, st *raw.StreamObj, depth int) error {
	if depth >= d.r.opts.MaxFormDepth || (ref.Num != 0 && d.active[ref]) {
		return nil
	}
	matrix := coords.Identity()
	if m, ok := st.Dict.Get("Matrix"); ok {
		if mm, ok := coords.FromArray(d.doc, m); ok {
			matrix = mm
		}
	}
	ctm := matrix.Multiply(ec.GraphicsState.CTM)

	data, err := d.r.pipeline.Decode(d.ctx, st.Data, filters.ExtractFilters(st.Dict, d.doc))
	if err != nil {
		if d.ctx.Err() != nil {
			return d.ctx.Err()
		}
		d.logger.Debug("form not decoded", observability.String("form", ref.String()), observability.Error("error", err))
		return nil
	}
	resources := ec.Resources
	if r, ok := st.Dict.Get("Resources"); ok {
		if rd, ok := d.doc.DictOf(r); ok {
			resources = rd
		}
	}

	saved := d.clip
	defer func() { d.clip = saved }()
	if b, ok := st.Dict.Get("BBox"); ok {
		if bbox, ok := d.doc.RectOf(b); ok {
			bbox = bbox.Normalize()
			d.intersectClip([][]coords.Point{{
				ctm.Transform(coords.Point{X: bbox.LLX, Y: bbox.LLY}),
				ctm.Transform(coords.Point{X: bbox.URX, Y: bbox.LLY}),
				ctm.Transform(coords.Point{X: bbox.URX, Y: bbox.URY}),
				ctm.Transform(coords.Point{X: bbox.LLX, Y: bbox.URY}),
			}}, nonZero)
		}
	}
	if ref.Num != 0 {
		d.active[ref] = true
		defer delete(d.active, ref)
	}
	return d.runStream(data, resources, ctm, depth+1)
}

// drawImage paints an image XObject or inline image into the unit square
// of the current CTM. resources is only needed for inline images.
func (d *device) drawImage(ec *contentstream.ExecutionContext, resources, dict *raw.DictObj, data []byte) error {
	gs := ec.GraphicsState
	if gs.CTM.Expansion() < 1e-9 {
		return nil
	}
	if isStencil(d.doc, dict) {
		mask, err := d.decodeStencil(dict, data)
		if err != nil {
			return err
		}
		src := image.NewUniform(d.fillColor(ec))
		d.transform(gs.CTM, src, mask.Bounds(), mask)
		return nil
	}

	buf, err := d.r.opts.Decoder.DecodeImage(d.ctx, d.doc, resources, dict, data)
	if err != nil {
		return err
	}
	img := buf.Image
	b := img.Bounds()
	var srcMask image.Image
	soft := d.softMask(dict, b)
	if soft != nil {
		srcMask = soft
	}
	if gs.FillAlpha < 1 {
		srcMask = scaleAlpha(soft, gs.FillAlpha)
	}
	d.transform(gs.CTM, img, b, srcMask)
	return nil
}

// transform draws src so that its pixel rectangle maps onto the unit square
// of ctm, with image row 0 at the top.
func (d *device) transform(ctm coords.Matrix, src image.Image, sr image.Rectangle, srcMask image.Image) {
	w, h := float64(sr.Dx()), float64(sr.Dy())
	m := coords.Matrix{1 / w, 0, 0, -1 / h, -float64(sr.Min.X) / w, 1 + float64(sr.Min.Y)/h}.Multiply(ctm)
	s2d := f64.Aff3{m[0], m[2], m[4], m[1], m[3], m[5]}
	opts := &draw.Options{SrcMask: srcMask, SrcMaskP: sr.Min}
	if d.clip != nil {
		opts.DstMask = d.clip
	}
	interp := draw.Interpolator(draw.BiLinear)
	if ext := ctm.Expansion(); ext > 4*w && ext > 4*h {
		// Large upscales of small images are sharper without smoothing.
		interp = draw.NearestNeighbor
	}
	interp.Transform(d.canvas, s2d, src, sr, draw.Over, opts)
}

func isStencil(doc *raw.Document, dict *raw.DictObj) bool {
	for _, key := range []string{"ImageMask", "IM"} {
		if v, ok := dict.Get(key); ok {
			if b, ok := doc.Resolve(v).(raw.BoolObj); ok && b.V {
				return true
			}
		}
	}
	return false
}

// decodeStencil turns a 1-bit mask into alpha where paint is applied.
// With the default Decode array a 0 sample paints.
func (d *device) decodeStencil(dict *raw.DictObj, data []byte) (*image.Alpha, error) {
	num := func(long, short string) int {
		for _, k := range []string{long, short} {
			if v, ok := dict.Get(k); ok {
				n, _ := d.doc.IntOf(v)
				return int(n)
			}
		}
		return 0
	}
	w, h := num("Width", "W"), num("Height", "H")
	if err := filters.ValidateImageBounds(w, h); err != nil {
		return nil, err
	}
	decoded, err := d.r.pipeline.Decode(d.ctx, data, filters.ExtractFilters(dict, d.doc))
	if err != nil {
		return nil, err
	}
	stride := (w + 7) / 8
	if len(decoded) < stride*h {
		return nil, fmt.Errorf("stencil mask truncated (%d of %d bytes)", len(decoded), stride*h)
	}
	paint := byte(0)
	for _, k := range []string{"Decode", "D"} {
		if v, ok := dict.Get(k); ok {
			if arr, ok := d.doc.ArrayOf(v); ok && arr.Len() == 2 {
				if f, _ := d.doc.FloatOf(arr.Items[0]); f == 1 {
					paint = 1
				}
			}
		}
	}
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := decoded[y*stride:]
		for x := 0; x < w; x++ {
			if (row[x/8]>>(7-uint(x%8)))&1 == paint {
				mask.Pix[y*mask.Stride+x] = 0xff
			}
		}
	}
	return mask, nil
}

// softMask returns the /SMask or stencil /Mask of an image resampled to
// the image bounds, or nil.
func (d *device) softMask(dict *raw.DictObj, b image.Rectangle) *image.Alpha {
	var alpha *image.Alpha
	if v, ok := dict.Get("SMask"); ok {
		if st, ok := d.doc.StreamOf(v); ok {
			buf, err := d.r.opts.Decoder.DecodeImage(d.ctx, d.doc, nil, st.Dict, st.Data)
			if err == nil {
				alpha = toAlpha(buf.Image)
			} else {
				d.logger.Debug("soft mask ignored", observability.Error("error", err))
			}
		}
	} else if v, ok := dict.Get("Mask"); ok {
		if st, ok := d.doc.StreamOf(v); ok {
			mask, err := d.decodeStencil(st.Dict, st.Data)
			if err == nil {
				alpha = mask
			}
		}
	}
	if alpha == nil {
		return nil
	}
	if alpha.Bounds().Size() == b.Size() {
		alpha.Rect = alpha.Rect.Add(b.Min.Sub(alpha.Rect.Min))
		return alpha
	}
	scaled := image.NewAlpha(b)
	draw.BiLinear.Scale(scaled, b, alpha, alpha.Bounds(), draw.Src, nil)
	return scaled
}

// toAlpha reads luminance as coverage.
func toAlpha(img image.Image) *image.Alpha {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		return &image.Alpha{Pix: g.Pix, Stride: g.Stride, Rect: g.Rect}
	}
	a := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a.SetAlpha(x, y, color.Alpha{A: color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y})
		}
	}
	return a
}

// scaleAlpha multiplies mask by a constant alpha. A nil mask is treated as
// fully opaque.
func scaleAlpha(mask *image.Alpha, k float64) image.Image {
	a := uint8(k*255 + 0.5)
	if mask == nil {
		return image.NewUniform(color.Alpha{A: a})
	}
	out := image.NewAlpha(mask.Bounds())
	for i, v := range mask.Pix {
		out.Pix[i] = uint8(uint16(v) * uint16(a) / 255)
	}
	return out
}
