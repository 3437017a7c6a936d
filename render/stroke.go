package render

import (
	"math"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
)

// dashPattern scales the dash array to device space. It returns nil for
// solid lines and for degenerate patterns.
func dashPattern(dash []float64, phase, scale float64) *dashes {
	if len(dash) == 0 {
		return nil
	}
	total := 0.0
	out := make([]float64, 0, len(dash)*2)
	for _, v := range dash {
		if v < 0 {
			return nil
		}
		out = append(out, v*scale)
		total += v * scale
	}
	if len(out)%2 == 1 {
		out = append(out, out...)
		total *= 2
	}
	if total < 0.5 {
		return nil
	}
	return &dashes{lengths: out, total: total, phase: math.Mod(phase*scale, total)}
}

type dashes struct {
	lengths []float64
	total   float64
	phase   float64
}

// split cuts a polyline into the "on" pieces of the pattern. The pattern
// restarts for every subpath.
func (ds *dashes) split(poly []coords.Point) [][]coords.Point {
	idx, left := 0, ds.lengths[0]
	for phase := ds.phase; phase > 0; {
		if phase < left {
			left -= phase
			break
		}
		phase -= left
		idx = (idx + 1) % len(ds.lengths)
		left = ds.lengths[idx]
	}
	var pieces [][]coords.Point
	var cur []coords.Point
	on := idx%2 == 0
	if on {
		cur = []coords.Point{poly[0]}
	}
	for i := 1; i < len(poly); i++ {
		a, b := poly[i-1], poly[i]
		seg := dist(a, b)
		pos := 0.0
		for seg-pos > left {
			pos += left
			t := pos / seg
			p := coords.Point{X: a.X + t*(b.X-a.X), Y: a.Y + t*(b.Y-a.Y)}
			if on {
				cur = append(cur, p)
				pieces = append(pieces, cur)
				cur = nil
			} else {
				cur = []coords.Point{p}
			}
			on = !on
			idx = (idx + 1) % len(ds.lengths)
			left = ds.lengths[idx]
		}
		left -= seg - pos
		if on {
			cur = append(cur, b)
		}
	}
	if on && len(cur) >= 2 {
		pieces = append(pieces, cur)
	}
	return pieces
}

// strokeOutline converts polylines to fill polygons of the given width.
// Every join is drawn round; caps follow the line cap. All polygons share
// one orientation so a non-zero fill unions them.
func strokeOutline(polys [][]coords.Point, closed []bool, width float64, lineCap contentstream.LineCap, ds *dashes) [][]coords.Point {
	half := width / 2
	var out [][]coords.Point
	for i, poly := range polys {
		if len(poly) == 0 {
			continue
		}
		if closed[i] && len(poly) > 1 {
			poly = append(poly[:len(poly):len(poly)], poly[0])
		}
		pieces := [][]coords.Point{poly}
		if ds != nil {
			pieces = ds.split(poly)
		}
		for _, piece := range pieces {
			out = appendStroke(out, piece, half, lineCap, closed[i] && ds == nil)
		}
	}
	return out
}

func appendStroke(out [][]coords.Point, poly []coords.Point, half float64, lineCap contentstream.LineCap, closed bool) [][]coords.Point {
	if len(poly) == 1 || (len(poly) == 2 && poly[0] == poly[1]) {
		// A zero-length segment only shows with round or square caps.
		switch lineCap {
		case contentstream.LineCapRound:
			return append(out, disk(poly[0], half))
		case contentstream.LineCapSquare:
			p := poly[0]
			return append(out, orient([]coords.Point{
				{X: p.X - half, Y: p.Y - half}, {X: p.X + half, Y: p.Y - half},
				{X: p.X + half, Y: p.Y + half}, {X: p.X - half, Y: p.Y + half},
			}))
		}
		return out
	}
	last := len(poly) - 1
	for i := 0; i < last; i++ {
		a, b := poly[i], poly[i+1]
		l := dist(a, b)
		if l == 0 {
			continue
		}
		ux, uy := (b.X-a.X)/l, (b.Y-a.Y)/l
		if lineCap == contentstream.LineCapSquare && !closed {
			if i == 0 {
				a = coords.Point{X: a.X - ux*half, Y: a.Y - uy*half}
			}
			if i == last-1 {
				b = coords.Point{X: b.X + ux*half, Y: b.Y + uy*half}
			}
		}
		nx, ny := -uy*half, ux*half
		out = append(out, orient([]coords.Point{
			{X: a.X + nx, Y: a.Y + ny},
			{X: b.X + nx, Y: b.Y + ny},
			{X: b.X - nx, Y: b.Y - ny},
			{X: a.X - nx, Y: a.Y - ny},
		}))
	}
	// Joins. Anything under a pixel needs none.
	if half >= 0.75 {
		for i := 1; i < last; i++ {
			out = append(out, disk(poly[i], half))
		}
		if closed {
			out = append(out, disk(poly[0], half))
		}
	}
	if lineCap == contentstream.LineCapRound && !closed {
		out = append(out, disk(poly[0], half), disk(poly[last], half))
	}
	return out
}

func disk(c coords.Point, r float64) []coords.Point {
	n := max(8, min(int(r*2), 32))
	pts := make([]coords.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = coords.Point{X: c.X + r*math.Cos(a), Y: c.Y + r*math.Sin(a)}
	}
	return pts
}

// orient returns poly wound counter-clockwise in device space.
func orient(poly []coords.Point) []coords.Point {
	area := 0.0
	for i := range poly {
		j := (i + 1) % len(poly)
		area += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	if area < 0 {
		for i, j := 0, len(poly)-1; i < j; i, j = i+1, j-1 {
			poly[i], poly[j] = poly[j], poly[i]
		}
	}
	return poly
}
