package render

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
)

var errUnsupportedShading = errors.New("unsupported shading")

func (d *device) registerShading(p contentstream.Processor) {
	p.RegisterHandler("sh", contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		if len(op.Operands) != 1 {
			return nil
		}
		name, ok := raw.AsName(op.Operands[0])
		if !ok {
			return nil
		}
		obj, ok := ec.Resource("Shading", name)
		if !ok {
			return nil
		}
		r := d.canvas.Bounds()
		mask := image.NewAlpha(image.Rect(0, 0, r.Dx(), r.Dy()))
		for i := range mask.Pix {
			mask.Pix[i] = 0xff
		}
		if err := d.paintShading(ec, obj, ec.GraphicsState.CTM, r, mask); err != nil {
			d.logger.Debug("shading not drawn", observability.String("name", name), observability.Error("error", err))
		}
		return nil
	}))
}

// paintPattern fills mask with the current fill pattern. Only shading
// patterns are drawn; tiling patterns leave the area unpainted.
func (d *device) paintPattern(ec *contentstream.ExecutionContext, r image.Rectangle, mask *image.Alpha) {
	name := ec.GraphicsState.FillPattern
	obj, ok := ec.Resource("Pattern", name)
	if !ok {
		return
	}
	pat, ok := d.doc.DictOf(obj)
	if !ok {
		return
	}
	if pt, _ := d.doc.IntOf(valueOf(pat, "PatternType")); pt != 2 {
		d.logger.Debug("tiling pattern not drawn", observability.String("pattern", name))
		return
	}
	matrix := coords.Identity()
	if m, ok := coords.FromArray(d.doc, valueOf(pat, "Matrix")); ok {
		matrix = m
	}
	if err := d.paintShading(ec, valueOf(pat, "Shading"), matrix.Multiply(d.base), r, mask); err != nil {
		d.logger.Debug("pattern not drawn", observability.String("pattern", name), observability.Error("error", err))
	}
}

// paintShading evaluates an axial or radial shading for every pixel of r
// covered by mask. m maps shading space to device space.
func (d *device) paintShading(ec *contentstream.ExecutionContext, obj raw.Object, m coords.Matrix, r image.Rectangle, mask *image.Alpha) error {
	sh, ok := d.doc.DictOf(obj)
	if !ok {
		return errUnsupportedShading
	}
	inv, err := m.Inverse()
	if err != nil {
		return nil
	}
	kind, _ := d.doc.IntOf(valueOf(sh, "ShadingType"))
	geom := floats(d.doc, valueOf(sh, "Coords"))
	if (kind == 2 && len(geom) != 4) || (kind == 3 && len(geom) != 6) || (kind != 2 && kind != 3) {
		return errUnsupportedShading
	}
	fn, err := loadFunction(d.doc, valueOf(sh, "Function"), 0)
	if err != nil {
		return err
	}
	domain := [2]float64{0, 1}
	if v := floats(d.doc, valueOf(sh, "Domain")); len(v) == 2 {
		domain = [2]float64{v[0], v[1]}
	}
	var extend [2]bool
	if arr, ok := d.doc.ArrayOf(valueOf(sh, "Extend")); ok && arr.Len() == 2 {
		for i := range extend {
			if b, ok := d.doc.Resolve(arr.Items[i]).(raw.BoolObj); ok {
				extend[i] = b.V
			}
		}
	}
	space := valueOf(sh, "ColorSpace")

	// Colours are sampled on a lookup table over s in [0,1].
	const steps = 256
	var lut [steps + 1]color.NRGBA
	for i := range lut {
		s := float64(i) / steps
		t := domain[0] + s*(domain[1]-domain[0])
		c, err := d.colors.SpaceRGB(d.doc, ec.Resources, space, fn(t))
		if err != nil {
			return err
		}
		lut[i] = color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(ec.GraphicsState.FillAlpha*255 + 0.5)}
	}

	param := func(p coords.Point) (float64, bool) {
		if kind == 2 {
			return axialParam(geom, p)
		}
		return radialParam(geom, p, extend)
	}

	img := image.NewNRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			mi := (y-r.Min.Y)*mask.Stride + (x - r.Min.X)
			if mask.Pix[mi] == 0 {
				continue
			}
			s, ok := param(inv.Transform(coords.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}))
			if !ok {
				mask.Pix[mi] = 0
				continue
			}
			switch {
			case s < 0 && !extend[0], s > 1 && !extend[1]:
				mask.Pix[mi] = 0
				continue
			}
			s = math.Max(0, math.Min(1, s))
			img.SetNRGBA(x, y, lut[int(s*steps+0.5)])
		}
	}
	d.composite(r, mask, img)
	return nil
}

func axialParam(g []float64, p coords.Point) (float64, bool) {
	dx, dy := g[2]-g[0], g[3]-g[1]
	den := dx*dx + dy*dy
	if den == 0 {
		return 0, false
	}
	return ((p.X-g[0])*dx + (p.Y-g[1])*dy) / den, true
}

// radialParam returns the largest s whose circle passes through p and has
// a non-negative radius, preferring values inside [0,1] or an extended end.
func radialParam(g []float64, p coords.Point, extend [2]bool) (float64, bool) {
	x0, y0, r0, x1, y1, r1 := g[0], g[1], g[2], g[3], g[4], g[5]
	cdx, cdy, dr := x1-x0, y1-y0, r1-r0
	pdx, pdy := p.X-x0, p.Y-y0
	a := cdx*cdx + cdy*cdy - dr*dr
	b := pdx*cdx + pdy*cdy + r0*dr
	c := pdx*pdx + pdy*pdy - r0*r0

	var roots []float64
	if math.Abs(a) < 1e-12 {
		if b == 0 {
			return 0, false
		}
		roots = []float64{c / (2 * b)}
	} else {
		disc := b*b - a*c
		if disc < 0 {
			return 0, false
		}
		sq := math.Sqrt(disc)
		s1, s2 := (b+sq)/a, (b-sq)/a
		if s2 > s1 {
			s1, s2 = s2, s1
		}
		roots = []float64{s1, s2}
	}
	for _, s := range roots {
		if r0+s*dr < 0 {
			continue
		}
		if (s >= 0 && s <= 1) || (s > 1 && extend[1]) || (s < 0 && extend[0]) {
			return s, true
		}
	}
	return 0, false
}

func floats(doc *raw.Document, obj raw.Object) []float64 {
	arr, ok := doc.ArrayOf(obj)
	if !ok {
		return nil
	}
	out := make([]float64, arr.Len())
	for i, it := range arr.Items {
		out[i], _ = doc.FloatOf(it)
	}
	return out
}

type function func(x float64) []float64

// loadFunction supports exponential (type 2) and stitching (type 3)
// functions, and arrays of single-output functions.
func loadFunction(doc *raw.Document, obj raw.Object, depth int) (function, error) {
	if depth > 4 {
		return nil, errUnsupportedShading
	}
	if arr, ok := doc.ArrayOf(obj); ok {
		parts := make([]function, 0, arr.Len())
		for _, it := range arr.Items {
			f, err := loadFunction(doc, it, depth+1)
			if err != nil {
				return nil, err
			}
			parts = append(parts, f)
		}
		return func(x float64) []float64 {
			out := make([]float64, 0, len(parts))
			for _, f := range parts {
				out = append(out, f(x)...)
			}
			return out
		}, nil
	}
	var dict *raw.DictObj
	if st, ok := doc.StreamOf(obj); ok {
		dict = st.Dict
	} else if dd, ok := doc.DictOf(obj); ok {
		dict = dd
	} else {
		return nil, errUnsupportedShading
	}
	domain := floats(doc, valueOf(dict, "Domain"))
	if len(domain) < 2 {
		domain = []float64{0, 1}
	}
	clampX := func(x float64) float64 { return math.Max(domain[0], math.Min(domain[1], x)) }

	switch kind, _ := doc.IntOf(valueOf(dict, "FunctionType")); kind {
	case 2:
		c0 := floats(doc, valueOf(dict, "C0"))
		c1 := floats(doc, valueOf(dict, "C1"))
		if c0 == nil {
			c0 = []float64{0}
		}
		if c1 == nil {
			c1 = []float64{1}
		}
		n, _ := doc.FloatOf(valueOf(dict, "N"))
		return func(x float64) []float64 {
			x = clampX(x)
			xn := math.Pow(x, n)
			out := make([]float64, min(len(c0), len(c1)))
			for i := range out {
				out[i] = c0[i] + xn*(c1[i]-c0[i])
			}
			return out
		}, nil
	case 3:
		arr, ok := doc.ArrayOf(valueOf(dict, "Functions"))
		if !ok || arr.Len() == 0 {
			return nil, errUnsupportedShading
		}
		subs := make([]function, arr.Len())
		for i, it := range arr.Items {
			f, err := loadFunction(doc, it, depth+1)
			if err != nil {
				return nil, err
			}
			subs[i] = f
		}
		bounds := floats(doc, valueOf(dict, "Bounds"))
		encode := floats(doc, valueOf(dict, "Encode"))
		if len(bounds) != len(subs)-1 || len(encode) != 2*len(subs) {
			return nil, errUnsupportedShading
		}
		return func(x float64) []float64 {
			x = clampX(x)
			k := 0
			for k < len(bounds) && x >= bounds[k] {
				k++
			}
			lo, hi := domain[0], domain[1]
			if k > 0 {
				lo = bounds[k-1]
			}
			if k < len(bounds) {
				hi = bounds[k]
			}
			e0, e1 := encode[2*k], encode[2*k+1]
			if hi > lo {
				x = e0 + (x-lo)*(e1-e0)/(hi-lo)
			} else {
				x = e0
			}
			return subs[k](x)
		}, nil
	}
	return nil, errUnsupportedShading
}
