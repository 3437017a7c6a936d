package cmm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Curve is a one-dimensional tone reproduction curve on [0,1].
type Curve struct {
	gamma  float64
	table  []float64
	kind   int
	params []float64
}

const (
	curveGamma = iota
	curveTable
	curveParametric
)

// curve reads a curv or para tag.
func (p *Profile) curve(sig string) (Curve, error) {
	d, err := p.tag(sig)
	if err != nil {
		return Curve{}, err
	}
	c, _, err := parseCurve(d)
	if err != nil {
		return Curve{}, fmt.Errorf("%s: %w", sig, err)
	}
	return c, nil
}

// parseCurve returns the curve and the number of bytes it occupied.
func parseCurve(d []byte) (Curve, int, error) {
	if len(d) < 12 {
		return Curve{}, 0, fmt.Errorf("%w: curve too short", ErrInvalid)
	}
	switch string(d[0:4]) {
	case "curv":
		n := int(binary.BigEndian.Uint32(d[8:12]))
		switch n {
		case 0:
			return Curve{kind: curveGamma, gamma: 1}, 12, nil
		case 1:
			if len(d) < 14 {
				return Curve{}, 0, fmt.Errorf("%w: curve too short", ErrInvalid)
			}
			return Curve{kind: curveGamma, gamma: u8Fixed8(d[12:14])}, 14, nil
		}
		if n < 0 || len(d) < 12+2*n {
			return Curve{}, 0, fmt.Errorf("%w: curve table truncated", ErrInvalid)
		}
		t := make([]float64, n)
		for i := range t {
			t[i] = float64(binary.BigEndian.Uint16(d[12+2*i:])) / 65535
		}
		return Curve{kind: curveTable, table: t}, 12 + 2*n, nil
	case "para":
		fn := int(binary.BigEndian.Uint16(d[8:10]))
		counts := []int{1, 3, 4, 5, 7}
		if fn >= len(counts) {
			return Curve{}, 0, fmt.Errorf("%w: parametric function %d", ErrUnsupported, fn)
		}
		n := counts[fn]
		if len(d) < 12+4*n {
			return Curve{}, 0, fmt.Errorf("%w: parametric curve truncated", ErrInvalid)
		}
		ps := make([]float64, n)
		for i := range ps {
			ps[i] = s15Fixed16(d[12+4*i:])
		}
		return Curve{kind: curveParametric, params: ps}, 12 + 4*n, nil
	}
	return Curve{}, 0, fmt.Errorf("%w: curve type %q", ErrUnsupported, d[0:4])
}

// Eval maps x through the curve. Inputs outside [0,1] are clamped.
func (c Curve) Eval(x float64) float64 {
	x = clamp01(x)
	switch c.kind {
	case curveTable:
		return interp1D(x, c.table)
	case curveParametric:
		return c.parametric(x)
	}
	if c.gamma == 1 || c.gamma == 0 {
		return x
	}
	return math.Pow(x, c.gamma)
}

func (c Curve) parametric(x float64) float64 {
	p := c.params
	g := p[0]
	var y float64
	switch len(p) {
	case 1:
		y = math.Pow(x, g)
	case 3:
		a, b := p[1], p[2]
		if x >= -b/a {
			y = math.Pow(a*x+b, g)
		}
	case 4:
		a, b, cc := p[1], p[2], p[3]
		y = cc
		if x >= -b/a {
			y = math.Pow(a*x+b, g) + cc
		}
	case 5:
		a, b, cc, d := p[1], p[2], p[3], p[4]
		y = cc * x
		if x >= d {
			y = math.Pow(a*x+b, g)
		}
	case 7:
		a, b, cc, d, e, f := p[1], p[2], p[3], p[4], p[5], p[6]
		y = cc*x + f
		if x >= d {
			y = math.Pow(a*x+b, g) + e
		}
	}
	return clamp01(y)
}

func interp1D(x float64, table []float64) float64 {
	switch len(table) {
	case 0:
		return x
	case 1:
		return table[0]
	}
	if x <= 0 {
		return table[0]
	}
	if x >= 1 {
		return table[len(table)-1]
	}
	f := x * float64(len(table)-1)
	i := int(f)
	frac := f - float64(i)
	return table[i]*(1-frac) + table[i+1]*frac
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
