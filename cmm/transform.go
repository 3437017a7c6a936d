package cmm

import (
	"fmt"
	"math"
)

// D50 reference white of the profile connection space.
const (
	D50X = 0.9642
	D50Y = 1.0
	D50Z = 0.8249
)

// xyzToSRGB maps D50 XYZ to linear sRGB (Bradford adapted).
var xyzToSRGB = [9]float64{
	3.1338561, -1.6168667, -0.4906146,
	-0.9787684, 1.9161415, 0.0334540,
	0.0719453, -0.2289914, 1.4052427,
}

// Transform converts device values of one profile to sRGB.
type Transform struct {
	channels int
	toPCS    func(in []float64) [3]float64
}

// NewSRGB builds a transform from the profile's device space to sRGB.
// The A2B0 table is preferred; RGB and gray profiles without one fall
// back to their TRC tags.
func NewSRGB(p *Profile) (*Transform, error) {
	n := p.Channels()
	if n == 0 {
		return nil, fmt.Errorf("%w: colour space %q", ErrUnsupported, p.ColorSpace)
	}
	if p.PCS != "XYZ " && p.PCS != "Lab " {
		return nil, fmt.Errorf("%w: PCS %q", ErrUnsupported, p.PCS)
	}
	if p.Has("A2B0") {
		l, err := p.lut("A2B0")
		if err != nil {
			return nil, err
		}
		if l.In != n || l.Out != 3 {
			return nil, fmt.Errorf("%w: A2B0 is %dx%d for %d channels", ErrInvalid, l.In, l.Out, n)
		}
		return &Transform{channels: n, toPCS: lutToPCS(l, p.PCS)}, nil
	}
	switch p.ColorSpace {
	case "RGB ":
		return matrixTRC(p)
	case "GRAY":
		k, err := p.curve("kTRC")
		if err != nil {
			return nil, err
		}
		return &Transform{channels: 1, toPCS: func(in []float64) [3]float64 {
			y := k.Eval(in[0])
			return [3]float64{D50X * y, D50Y * y, D50Z * y}
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q profile without A2B0", ErrUnsupported, p.ColorSpace)
}

func matrixTRC(p *Profile) (*Transform, error) {
	var cols [3][3]float64
	var trc [3]Curve
	for i, c := range []string{"r", "g", "b"} {
		v, err := p.xyz(c + "XYZ")
		if err != nil {
			return nil, err
		}
		cols[i] = v
		if trc[i], err = p.curve(c + "TRC"); err != nil {
			return nil, err
		}
	}
	return &Transform{channels: 3, toPCS: func(in []float64) [3]float64 {
		var out [3]float64
		for i := 0; i < 3; i++ {
			lin := trc[i].Eval(in[i])
			out[0] += cols[i][0] * lin
			out[1] += cols[i][1] * lin
			out[2] += cols[i][2] * lin
		}
		return out
	}}, nil
}

func lutToPCS(l *LUT, pcs string) func([]float64) [3]float64 {
	return func(in []float64) [3]float64 {
		var v [3]float64
		l.Apply(in, v[:])
		if pcs == "XYZ " {
			// u1Fixed15 encoding: 1.0 is 0x8000.
			s := 65535.0 / 32768
			if !l.Wide {
				s = 255.0 / 128
			}
			return [3]float64{v[0] * s, v[1] * s, v[2] * s}
		}
		var lab [3]float64
		if l.Wide {
			// legacy 16-bit Lab: 0xFF00 is L=100, a/b offset 128.
			s := 65535.0 / 65280
			lab = [3]float64{v[0] * s * 100, v[1]*65535/256 - 128, v[2]*65535/256 - 128}
		} else {
			lab = [3]float64{v[0] * 100, v[1]*255 - 128, v[2]*255 - 128}
		}
		return LabToXYZ(lab)
	}
}

// Channels is the number of device components the transform expects.
func (t *Transform) Channels() int { return t.channels }

// RGB converts device components in [0,1] to sRGB components in [0,1].
func (t *Transform) RGB(in []float64) (r, g, b float64) {
	xyz := t.toPCS(in)
	m := xyzToSRGB
	r = encodeSRGB(m[0]*xyz[0] + m[1]*xyz[1] + m[2]*xyz[2])
	g = encodeSRGB(m[3]*xyz[0] + m[4]*xyz[1] + m[5]*xyz[2])
	b = encodeSRGB(m[6]*xyz[0] + m[7]*xyz[1] + m[8]*xyz[2])
	return r, g, b
}

func encodeSRGB(v float64) float64 {
	v = clamp01(v)
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// LabToXYZ converts CIE Lab to D50 XYZ.
func LabToXYZ(lab [3]float64) [3]float64 {
	fy := (lab[0] + 16) / 116
	fx := lab[1]/500 + fy
	fz := fy - lab[2]/200
	inv := func(t float64) float64 {
		if t > 6.0/29 {
			return t * t * t
		}
		return (t - 16.0/116) / 7.787
	}
	return [3]float64{D50X * inv(fx), D50Y * inv(fy), D50Z * inv(fz)}
}

// XYZToLab converts D50 XYZ to CIE Lab.
func XYZToLab(xyz [3]float64) [3]float64 {
	f := func(t float64) float64 {
		if t > 0.008856 {
			return math.Cbrt(t)
		}
		return 7.787*t + 16.0/116
	}
	fx, fy, fz := f(xyz[0]/D50X), f(xyz[1]/D50Y), f(xyz[2]/D50Z)
	return [3]float64{116*fy - 16, 500 * (fx - fy), 200 * (fy - fz)}
}
