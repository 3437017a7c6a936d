package cmm

import (
	"encoding/binary"
	"fmt"
)

// maxGridEntries bounds the CLUT allocation of a hostile profile.
const maxGridEntries = 1 << 22

// LUT is an mft1 or mft2 lookup table. All tables hold values in [0,1].
type LUT struct {
	In, Out  int
	Grid     int
	Matrix   [9]float64
	InTables [][]float64
	CLUT     []float64
	OutTabs  [][]float64
	// Wide is set for mft2, whose Lab encoding differs from mft1.
	Wide bool
}

func (p *Profile) lut(sig string) (*LUT, error) {
	d, err := p.tag(sig)
	if err != nil {
		return nil, err
	}
	switch string(d[0:4]) {
	case "mft1":
		return parseLUT(d, false)
	case "mft2":
		return parseLUT(d, true)
	}
	return nil, fmt.Errorf("%w: %s type %q", ErrUnsupported, sig, d[0:4])
}

func parseLUT(d []byte, wide bool) (*LUT, error) {
	if len(d) < 48 {
		return nil, fmt.Errorf("%w: lut header truncated", ErrInvalid)
	}
	l := &LUT{In: int(d[8]), Out: int(d[9]), Grid: int(d[10]), Wide: wide}
	if l.In < 1 || l.In > 8 || l.Out < 1 || l.Out > 8 || l.Grid < 2 {
		return nil, fmt.Errorf("%w: lut shape %dx%d grid %d", ErrInvalid, l.In, l.Out, l.Grid)
	}
	for i := range l.Matrix {
		l.Matrix[i] = s15Fixed16(d[12+4*i:])
	}
	inEntries, outEntries, width, off := 256, 256, 1, 48
	if wide {
		if len(d) < 52 {
			return nil, fmt.Errorf("%w: lut header truncated", ErrInvalid)
		}
		inEntries = int(binary.BigEndian.Uint16(d[48:50]))
		outEntries = int(binary.BigEndian.Uint16(d[50:52]))
		width, off = 2, 52
	}
	points := 1
	for i := 0; i < l.In; i++ {
		points *= l.Grid
		if points > maxGridEntries {
			return nil, fmt.Errorf("%w: lut grid too large", ErrInvalid)
		}
	}
	read := func(n int) ([]float64, error) {
		if n*width > len(d)-off {
			return nil, fmt.Errorf("%w: lut truncated", ErrInvalid)
		}
		out := make([]float64, n)
		for i := range out {
			if wide {
				out[i] = float64(binary.BigEndian.Uint16(d[off:])) / 65535
			} else {
				out[i] = float64(d[off]) / 255
			}
			off += width
		}
		return out, nil
	}
	var err error
	l.InTables = make([][]float64, l.In)
	for c := range l.InTables {
		if l.InTables[c], err = read(inEntries); err != nil {
			return nil, err
		}
	}
	if l.CLUT, err = read(points * l.Out); err != nil {
		return nil, err
	}
	l.OutTabs = make([][]float64, l.Out)
	for c := range l.OutTabs {
		if l.OutTabs[c], err = read(outEntries); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Apply evaluates the table: input curves, multilinear CLUT interpolation,
// output curves. The matrix only applies to XYZ input, which A2B tables
// never see, so it is ignored here.
func (l *LUT) Apply(in, out []float64) {
	var x [8]float64
	for c := 0; c < l.In; c++ {
		x[c] = interp1D(clamp01(in[c]), l.InTables[c])
	}
	l.interpolate(x[:l.In], out)
	for c := 0; c < l.Out; c++ {
		out[c] = interp1D(out[c], l.OutTabs[c])
	}
}

// interpolate visits the 2^n corners of the grid cell holding x. The first
// input varies slowest in the table.
func (l *LUT) interpolate(x []float64, out []float64) {
	n := len(x)
	g := l.Grid
	var base [8]int
	var frac [8]float64
	for i, v := range x {
		f := v * float64(g-1)
		b := int(f)
		if b >= g-1 {
			b = g - 2
		}
		base[i] = b
		frac[i] = f - float64(b)
	}
	for c := 0; c < l.Out; c++ {
		out[c] = 0
	}
	for corner := 0; corner < 1<<n; corner++ {
		w := 1.0
		idx := 0
		for i := 0; i < n; i++ {
			bit := corner >> (n - 1 - i) & 1
			if bit == 1 {
				w *= frac[i]
			} else {
				w *= 1 - frac[i]
			}
			idx = idx*g + base[i] + bit
		}
		if w == 0 {
			continue
		}
		o := idx * l.Out
		for c := 0; c < l.Out; c++ {
			out[c] += w * l.CLUT[o+c]
		}
	}
}
