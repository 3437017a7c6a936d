package contentstream

import (
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
)

type GraphicsState struct {
	CTM         coords.Matrix
	LineWidth   float64
	LineCap     LineCap
	MiterLimit  float64
	Dash        []float64
	DashPhase   float64
	FillSpace   string
	StrokeSpace string
	FillColor   []float64
	StrokeColor []float64
	// FillPattern names the pattern resource selected by scn, if any.
	FillPattern string
	FillAlpha   float64
	StrokeAlpha float64
	Text        TextState
	stack       []*GraphicsState
}

type TextState struct {
	FontName       string
	FontSize       float64
	CharSpacing    float64
	WordSpacing    float64
	HScale         float64
	Leading        float64
	Rise           float64
	RenderMode     TextRenderMode
	TextMatrix     coords.Matrix
	TextLineMatrix coords.Matrix
}

func NewGraphicsState(ctm coords.Matrix) *GraphicsState {
	return &GraphicsState{
		CTM:         ctm,
		LineWidth:   1,
		MiterLimit:  10,
		FillSpace:   "DeviceGray",
		StrokeSpace: "DeviceGray",
		FillColor:   []float64{0},
		StrokeColor: []float64{0},
		FillAlpha:   1,
		StrokeAlpha: 1,
		Text: TextState{
			HScale:         100,
			TextMatrix:     coords.Identity(),
			TextLineMatrix: coords.Identity(),
		},
	}
}

func (gs *GraphicsState) Save() {
	clone := *gs
	clone.stack = nil
	gs.stack = append(gs.stack, &clone)
}

// Restore pops the saved state. An unbalanced Q is ignored.
func (gs *GraphicsState) Restore() bool {
	n := len(gs.stack)
	if n == 0 {
		return false
	}
	stack := gs.stack[:n-1]
	*gs = *gs.stack[n-1]
	gs.stack = stack
	return true
}

// Depth is the number of saved states.
func (gs *GraphicsState) Depth() int { return len(gs.stack) }

// TextRenderingMatrix combines font size, scaling, rise, the text matrix
// and the CTM.
func (gs *GraphicsState) TextRenderingMatrix() coords.Matrix {
	ts := gs.Text
	m := coords.Matrix{ts.FontSize * ts.HScale / 100, 0, 0, ts.FontSize, 0, ts.Rise}
	return m.Multiply(ts.TextMatrix).Multiply(gs.CTM)
}

// AdvanceText moves the text matrix by tx text space units.
func (gs *GraphicsState) AdvanceText(tx float64) {
	gs.Text.TextMatrix = coords.Translate(tx, 0).Multiply(gs.Text.TextMatrix)
}

func defaultColor(space string) []float64 {
	switch space {
	case "DeviceRGB", "CalRGB", "RGB":
		return []float64{0, 0, 0}
	case "DeviceCMYK", "CMYK":
		return []float64{0, 0, 0, 1}
	}
	return []float64{0}
}

func (gs *GraphicsState) nextLine(tx, ty float64) {
	gs.Text.TextLineMatrix = coords.Translate(tx, ty).Multiply(gs.Text.TextLineMatrix)
	gs.Text.TextMatrix = gs.Text.TextLineMatrix
}

// apply performs the state changes of op. Painting operators are left to
// handlers.
func (gs *GraphicsState) apply(ec *ExecutionContext, op Operation) {
	args := op.Operands
	num := func(i int) float64 {
		if i >= len(args) {
			return 0
		}
		f, _ := raw.AsFloat(args[i])
		return f
	}
	switch op.Operator {
	case "q":
		gs.Save()
	case "Q":
		gs.Restore()
	case "cm":
		if v, ok := Numbers(args, 6); ok {
			gs.CTM = coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}.Multiply(gs.CTM)
		}
	case "w":
		gs.LineWidth = num(0)
	case "J":
		gs.LineCap = LineCap(num(0))
	case "M":
		gs.MiterLimit = num(0)
	case "d":
		if len(args) == 2 {
			gs.Dash = gs.Dash[:0:0]
			if arr, ok := args[0].(*raw.ArrayObj); ok {
				for _, it := range arr.Items {
					f, _ := raw.AsFloat(it)
					gs.Dash = append(gs.Dash, f)
				}
			}
			gs.DashPhase = num(1)
		}
	case "gs":
		if len(args) == 1 {
			if name, ok := raw.AsName(args[0]); ok {
				gs.applyExtGState(ec, name)
			}
		}

	case "g":
		gs.FillSpace, gs.FillColor, gs.FillPattern = "DeviceGray", []float64{num(0)}, ""
	case "G":
		gs.StrokeSpace, gs.StrokeColor = "DeviceGray", []float64{num(0)}
	case "rg":
		gs.FillSpace, gs.FillColor, gs.FillPattern = "DeviceRGB", []float64{num(0), num(1), num(2)}, ""
	case "RG":
		gs.StrokeSpace, gs.StrokeColor = "DeviceRGB", []float64{num(0), num(1), num(2)}
	case "k":
		gs.FillSpace, gs.FillColor, gs.FillPattern = "DeviceCMYK", []float64{num(0), num(1), num(2), num(3)}, ""
	case "K":
		gs.StrokeSpace, gs.StrokeColor = "DeviceCMYK", []float64{num(0), num(1), num(2), num(3)}
	case "cs":
		if name, ok := firstName(args); ok {
			gs.FillSpace, gs.FillColor, gs.FillPattern = name, defaultColor(name), ""
		}
	case "CS":
		if name, ok := firstName(args); ok {
			gs.StrokeSpace, gs.StrokeColor = name, defaultColor(name)
		}
	case "sc", "scn":
		gs.FillColor, gs.FillPattern = colorOperands(args)
	case "SC", "SCN":
		gs.StrokeColor, _ = colorOperands(args)

	case "BT":
		gs.Text.TextMatrix = coords.Identity()
		gs.Text.TextLineMatrix = coords.Identity()
	case "Tf":
		if len(args) == 2 {
			if name, ok := raw.AsName(args[0]); ok {
				gs.Text.FontName = name
			}
			gs.Text.FontSize = num(1)
		}
	case "Tc":
		gs.Text.CharSpacing = num(0)
	case "Tw":
		gs.Text.WordSpacing = num(0)
	case "Tz":
		gs.Text.HScale = num(0)
	case "TL":
		gs.Text.Leading = num(0)
	case "Ts":
		gs.Text.Rise = num(0)
	case "Tr":
		gs.Text.RenderMode = TextRenderMode(num(0))
	case "Td":
		if v, ok := Numbers(args, 2); ok {
			gs.nextLine(v[0], v[1])
		}
	case "TD":
		if v, ok := Numbers(args, 2); ok {
			gs.Text.Leading = -v[1]
			gs.nextLine(v[0], v[1])
		}
	case "Tm":
		if v, ok := Numbers(args, 6); ok {
			gs.Text.TextLineMatrix = coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}
			gs.Text.TextMatrix = gs.Text.TextLineMatrix
		}
	case "T*", "'":
		gs.nextLine(0, -gs.Text.Leading)
	case "\"":
		if len(args) == 3 {
			gs.Text.WordSpacing = num(0)
			gs.Text.CharSpacing = num(1)
		}
		gs.nextLine(0, -gs.Text.Leading)
	}
}

func firstName(args []raw.Object) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	return raw.AsName(args[0])
}

// colorOperands splits scn operands into components and a trailing
// pattern name.
func colorOperands(args []raw.Object) ([]float64, string) {
	var comps []float64
	var pattern string
	for _, a := range args {
		if f, ok := raw.AsFloat(a); ok {
			comps = append(comps, f)
		} else if n, ok := raw.AsName(a); ok {
			pattern = n
		}
	}
	return comps, pattern
}

func (gs *GraphicsState) applyExtGState(ec *ExecutionContext, name string) {
	obj, ok := ec.Resource("ExtGState", name)
	if !ok {
		return
	}
	d, ok := ec.Doc.DictOf(obj)
	if !ok {
		return
	}
	doc := ec.Doc
	if v, ok := d.Get("LW"); ok {
		if f, ok := doc.FloatOf(v); ok {
			gs.LineWidth = f
		}
	}
	if v, ok := d.Get("CA"); ok {
		if f, ok := doc.FloatOf(v); ok {
			gs.StrokeAlpha = f
		}
	}
	if v, ok := d.Get("ca"); ok {
		if f, ok := doc.FloatOf(v); ok {
			gs.FillAlpha = f
		}
	}
	if v, ok := d.Get("Font"); ok {
		if arr, ok := doc.ArrayOf(v); ok && arr.Len() == 2 {
			if f, ok := doc.FloatOf(arr.Items[1]); ok {
				gs.Text.FontSize = f
			}
		}
	}
}
