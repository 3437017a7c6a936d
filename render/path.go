package render

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
)

type fillRule int

const (
	noClip fillRule = iota
	nonZero
	evenOdd
)

// path is the path under construction, already in device space.
type path struct {
	contentstream.Path
}

func (p *path) empty() bool { return len(p.Subpaths) == 0 }

func (p *path) moveTo(pt coords.Point) {
	p.Subpaths = append(p.Subpaths, contentstream.Subpath{
		Segments: []contentstream.Segment{{Op: contentstream.MoveTo, Pt: pt}},
	})
}

// open returns the subpath new segments extend. After h, a new subpath
// starts at the closed subpath's start point.
func (p *path) open(pt coords.Point) *contentstream.Subpath {
	n := len(p.Subpaths)
	if n == 0 {
		p.moveTo(pt)
		return &p.Subpaths[0]
	}
	last := &p.Subpaths[n-1]
	if last.Closed {
		p.moveTo(last.Start())
		return &p.Subpaths[n]
	}
	return last
}

func (p *path) current() (coords.Point, bool) {
	n := len(p.Subpaths)
	if n == 0 {
		return coords.Point{}, false
	}
	return p.Subpaths[n-1].Current(), true
}

func (p *path) lineTo(pt coords.Point) {
	sp := p.open(pt)
	sp.Segments = append(sp.Segments, contentstream.Segment{Op: contentstream.LineTo, Pt: pt})
}

func (p *path) curveTo(c1, c2, pt coords.Point) {
	sp := p.open(c1)
	sp.Segments = append(sp.Segments, contentstream.Segment{Op: contentstream.CurveTo, Pt: pt, C1: c1, C2: c2})
}

func (p *path) close() {
	if n := len(p.Subpaths); n > 0 {
		p.Subpaths[n-1].Closed = true
	}
}

// flatten converts curves to polylines. closed reports which polylines
// were closed with h.
func (p *path) flatten() (polys [][]coords.Point, closed []bool) {
	for _, sp := range p.Subpaths {
		var pts []coords.Point
		for i, seg := range sp.Segments {
			if seg.Op == contentstream.CurveTo && i > 0 {
				pts = appendCubic(pts, pts[len(pts)-1], seg.C1, seg.C2, seg.Pt)
				continue
			}
			pts = append(pts, seg.Pt)
		}
		polys = append(polys, pts)
		closed = append(closed, sp.Closed)
	}
	return polys, closed
}

// appendCubic appends the flattened curve from p0, excluding p0 itself.
func appendCubic(dst []coords.Point, p0, p1, p2, p3 coords.Point) []coords.Point {
	length := dist(p0, p1) + dist(p1, p2) + dist(p2, p3)
	n := int(math.Ceil(length / 2))
	n = max(2, min(n, 128))
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		u := 1 - t
		a, b, c, e := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
		dst = append(dst, coords.Point{
			X: a*p0.X + b*p1.X + c*p2.X + e*p3.X,
			Y: a*p0.Y + b*p1.Y + c*p2.Y + e*p3.Y,
		})
	}
	return dst
}

func dist(a, b coords.Point) float64 { return math.Hypot(b.X-a.X, b.Y-a.Y) }

func (d *device) registerPaths(p contentstream.Processor) {
	pt := func(ec *contentstream.ExecutionContext, x, y float64) coords.Point {
		return ec.GraphicsState.CTM.Transform(coords.Point{X: x, Y: y})
	}
	handle := func(name string, n int, fn func(ec *contentstream.ExecutionContext, v []float64)) {
		p.RegisterHandler(name, contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
			if v, ok := contentstream.Numbers(op.Operands, n); ok {
				fn(ec, v)
			}
			return nil
		}))
	}
	handle("m", 2, func(ec *contentstream.ExecutionContext, v []float64) { d.path.moveTo(pt(ec, v[0], v[1])) })
	handle("l", 2, func(ec *contentstream.ExecutionContext, v []float64) { d.path.lineTo(pt(ec, v[0], v[1])) })
	handle("c", 6, func(ec *contentstream.ExecutionContext, v []float64) {
		d.path.curveTo(pt(ec, v[0], v[1]), pt(ec, v[2], v[3]), pt(ec, v[4], v[5]))
	})
	handle("v", 4, func(ec *contentstream.ExecutionContext, v []float64) {
		end := pt(ec, v[2], v[3])
		cur, ok := d.path.current()
		if !ok {
			cur = end
		}
		d.path.curveTo(cur, pt(ec, v[0], v[1]), end)
	})
	handle("y", 4, func(ec *contentstream.ExecutionContext, v []float64) {
		end := pt(ec, v[2], v[3])
		d.path.curveTo(pt(ec, v[0], v[1]), end, end)
	})
	handle("re", 4, func(ec *contentstream.ExecutionContext, v []float64) {
		x, y, w, h := v[0], v[1], v[2], v[3]
		d.path.moveTo(pt(ec, x, y))
		d.path.lineTo(pt(ec, x+w, y))
		d.path.lineTo(pt(ec, x+w, y+h))
		d.path.lineTo(pt(ec, x, y+h))
		d.path.close()
	})
	p.RegisterHandler("h", contentstream.HandlerFunc(func(*contentstream.ExecutionContext, contentstream.Operation) error {
		d.path.close()
		return nil
	}))
	p.RegisterHandler("W", contentstream.HandlerFunc(func(*contentstream.ExecutionContext, contentstream.Operation) error {
		d.pendingClip = nonZero
		return nil
	}))
	p.RegisterHandler("W*", contentstream.HandlerFunc(func(*contentstream.ExecutionContext, contentstream.Operation) error {
		d.pendingClip = evenOdd
		return nil
	}))

	paint := func(closePath bool, fill fillRule, stroke bool) contentstream.HandlerFunc {
		return func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
			if closePath {
				d.path.close()
			}
			polys, closed := d.path.flatten()
			if fill != noClip {
				d.fill(ec, polys, fill)
			}
			if stroke {
				d.stroke(ec, polys, closed)
			}
			if d.pendingClip != noClip {
				d.intersectClip(polys, d.pendingClip)
			}
			d.path, d.pendingClip = path{}, noClip
			return nil
		}
	}
	p.RegisterHandler("S", paint(false, noClip, true))
	p.RegisterHandler("s", paint(true, noClip, true))
	p.RegisterHandler("f", paint(false, nonZero, false))
	p.RegisterHandler("F", paint(false, nonZero, false))
	p.RegisterHandler("f*", paint(false, evenOdd, false))
	p.RegisterHandler("B", paint(false, nonZero, true))
	p.RegisterHandler("B*", paint(false, evenOdd, true))
	p.RegisterHandler("b", paint(true, nonZero, true))
	p.RegisterHandler("b*", paint(true, evenOdd, true))
	p.RegisterHandler("n", paint(false, noClip, false))
}

func (d *device) fill(ec *contentstream.ExecutionContext, polys [][]coords.Point, rule fillRule) {
	mask, r := d.rasterize(polys, rule)
	if mask == nil {
		return
	}
	if ec.GraphicsState.FillPattern != "" {
		d.paintPattern(ec, r, mask)
		return
	}
	d.composite(r, mask, image.NewUniform(d.fillColor(ec)))
}

func (d *device) stroke(ec *contentstream.ExecutionContext, polys [][]coords.Point, closed []bool) {
	gs := ec.GraphicsState
	scale := gs.CTM.Expansion()
	width := math.Max(gs.LineWidth*scale, 1)
	outline := strokeOutline(polys, closed, width, gs.LineCap, dashPattern(gs.Dash, gs.DashPhase, scale))
	mask, r := d.rasterize(outline, nonZero)
	if mask == nil {
		return
	}
	d.composite(r, mask, image.NewUniform(d.strokeColor(ec)))
}

// intersectClip narrows the clip to the given path. An empty path clips
// everything away.
func (d *device) intersectClip(polys [][]coords.Point, rule fillRule) {
	b := d.canvas.Bounds()
	next := image.NewAlpha(b)
	if mask, r := d.rasterize(polys, rule); mask != nil {
		draw.Draw(next, r, mask, image.Point{}, draw.Src)
	}
	if d.clip != nil {
		for i, v := range next.Pix {
			if v != 0 {
				next.Pix[i] = uint8(uint16(v) * uint16(d.clip.Pix[i]) / 255)
			}
		}
	}
	d.clip = next
}

// rasterize computes path coverage over the canvas area the path touches.
// The returned mask's origin corresponds to r.Min.
func (d *device) rasterize(polys [][]coords.Point, rule fillRule) (*image.Alpha, image.Rectangle) {
	var pts []coords.Point
	for _, poly := range polys {
		if len(poly) >= 2 {
			pts = append(pts, poly...)
		}
	}
	if len(pts) == 0 {
		return nil, image.Rectangle{}
	}
	bb := coords.Bounds(pts...)
	r := image.Rect(int(math.Floor(bb.LLX)), int(math.Floor(bb.LLY)), int(math.Ceil(bb.URX)), int(math.Ceil(bb.URY)))
	r = r.Intersect(d.canvas.Bounds())
	if r.Empty() {
		return nil, image.Rectangle{}
	}
	w, h := r.Dx(), r.Dy()
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z := vector.NewRasterizer(w, h)
	z.DrawOp = draw.Src

	addPoly := func(poly []coords.Point) bool {
		clipped := clipPolygon(poly, float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
		if len(clipped) < 3 {
			return false
		}
		z.MoveTo(float32(clipped[0].X-float64(r.Min.X)), float32(clipped[0].Y-float64(r.Min.Y)))
		for _, p := range clipped[1:] {
			z.LineTo(float32(p.X-float64(r.Min.X)), float32(p.Y-float64(r.Min.Y)))
		}
		z.ClosePath()
		return true
	}

	if rule != evenOdd {
		added := false
		for _, poly := range polys {
			if addPoly(poly) {
				added = true
			}
		}
		if !added {
			return nil, image.Rectangle{}
		}
		z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
		return mask, r
	}

	// Even-odd: combine per-subpath coverage with a soft XOR.
	layer := image.NewAlpha(mask.Bounds())
	drawn := false
	for _, poly := range polys {
		z.Reset(w, h)
		z.DrawOp = draw.Src
		if !addPoly(poly) {
			continue
		}
		clear(layer.Pix)
		z.Draw(layer, layer.Bounds(), image.Opaque, image.Point{})
		for i, c := range layer.Pix {
			a, b := int(mask.Pix[i]), int(c)
			mask.Pix[i] = uint8(a + b - 2*a*b/255)
		}
		drawn = true
	}
	if !drawn {
		return nil, image.Rectangle{}
	}
	return mask, r
}

// clipPolygon clips a closed polygon to the rectangle with
// Sutherland-Hodgman. Winding inside the rectangle is preserved.
func clipPolygon(poly []coords.Point, x0, y0, x1, y1 float64) []coords.Point {
	type edge struct {
		inside func(coords.Point) bool
		cross  func(a, b coords.Point) coords.Point
	}
	atX := func(x float64) func(a, b coords.Point) coords.Point {
		return func(a, b coords.Point) coords.Point {
			t := (x - a.X) / (b.X - a.X)
			return coords.Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
		}
	}
	atY := func(y float64) func(a, b coords.Point) coords.Point {
		return func(a, b coords.Point) coords.Point {
			t := (y - a.Y) / (b.Y - a.Y)
			return coords.Point{X: a.X + t*(b.X-a.X), Y: y}
		}
	}
	edges := []edge{
		{func(p coords.Point) bool { return p.X >= x0 }, atX(x0)},
		{func(p coords.Point) bool { return p.X <= x1 }, atX(x1)},
		{func(p coords.Point) bool { return p.Y >= y0 }, atY(y0)},
		{func(p coords.Point) bool { return p.Y <= y1 }, atY(y1)},
	}
	out := poly
	for _, e := range edges {
		if len(out) == 0 {
			return nil
		}
		in := out
		out = make([]coords.Point, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur):
				if !e.inside(prev) {
					out = append(out, e.cross(prev, cur))
				}
				out = append(out, cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}
