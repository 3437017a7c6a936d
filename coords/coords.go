// Package coords holds the affine matrix arithmetic shared by the content
// stream interpreter and the renderer. Matrices use PDF's [a b c d e f]
// row-vector convention.
package coords

import (
	"errors"
	"math"

	"github.com/wudi/pdfshrink/ir/raw"
)

type Matrix [6]float64

func Identity() Matrix { return Matrix{1, 0, 0, 1, 0, 0} }

// Multiply returns m×o: apply m first, then o.
func (m Matrix) Multiply(o Matrix) Matrix {
	return Matrix{
		m[0]*o[0] + m[1]*o[2],
		m[0]*o[1] + m[1]*o[3],
		m[2]*o[0] + m[3]*o[2],
		m[2]*o[1] + m[3]*o[3],
		m[4]*o[0] + m[5]*o[2] + o[4],
		m[4]*o[1] + m[5]*o[3] + o[5],
	}
}

type Point struct{ X, Y float64 }

func (m Matrix) Transform(p Point) Point {
	return Point{X: m[0]*p.X + m[2]*p.Y + m[4], Y: m[1]*p.X + m[3]*p.Y + m[5]}
}

// TransformVector applies the linear part only.
func (m Matrix) TransformVector(p Point) Point {
	return Point{X: m[0]*p.X + m[2]*p.Y, Y: m[1]*p.X + m[3]*p.Y}
}

func (m Matrix) Inverse() (Matrix, error) {
	det := m[0]*m[3] - m[1]*m[2]
	if math.Abs(det) < 1e-10 {
		return Matrix{}, errors.New("matrix singular")
	}
	return Matrix{
		m[3] / det, -m[1] / det,
		-m[2] / det, m[0] / det,
		(m[2]*m[5] - m[3]*m[4]) / det, (m[1]*m[4] - m[0]*m[5]) / det,
	}, nil
}

// TransformRect maps the four corners of r and returns their bounds.
func (m Matrix) TransformRect(r raw.Rect) raw.Rect {
	return Bounds(
		m.Transform(Point{r.LLX, r.LLY}),
		m.Transform(Point{r.URX, r.LLY}),
		m.Transform(Point{r.LLX, r.URY}),
		m.Transform(Point{r.URX, r.URY}),
	)
}

// UnitExtent is the length of the images of the x and y unit vectors, i.e.
// the size in user space of something drawn in the unit square.
func (m Matrix) UnitExtent() (w, h float64) {
	return math.Hypot(m[0], m[1]), math.Hypot(m[2], m[3])
}

// Expansion is the mean scale factor, used to scale line widths.
func (m Matrix) Expansion() float64 {
	return math.Sqrt(math.Abs(m[0]*m[3] - m[1]*m[2]))
}

func Translate(tx, ty float64) Matrix { return Matrix{1, 0, 0, 1, tx, ty} }
func Scale(sx, sy float64) Matrix     { return Matrix{sx, 0, 0, sy, 0, 0} }
func Rotate(angle float64) Matrix {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix{c, s, -s, c, 0, 0}
}

// FromArray reads a six number PDF array such as /Matrix.
func FromArray(doc *raw.Document, obj raw.Object) (Matrix, bool) {
	arr, ok := doc.ArrayOf(obj)
	if !ok || arr.Len() != 6 {
		return Matrix{}, false
	}
	var m Matrix
	for i, it := range arr.Items {
		f, ok := doc.FloatOf(it)
		if !ok {
			return Matrix{}, false
		}
		m[i] = f
	}
	return m, true
}

// Bounds returns the axis-aligned rectangle enclosing points.
func Bounds(points ...Point) raw.Rect {
	if len(points) == 0 {
		return raw.Rect{}
	}
	r := raw.Rect{LLX: points[0].X, LLY: points[0].Y, URX: points[0].X, URY: points[0].Y}
	for _, p := range points[1:] {
		r.LLX = math.Min(r.LLX, p.X)
		r.LLY = math.Min(r.LLY, p.Y)
		r.URX = math.Max(r.URX, p.X)
		r.URY = math.Max(r.URY, p.Y)
	}
	return r
}
