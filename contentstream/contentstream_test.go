package contentstream

import (
	"context"
	"math"
	"testing"

	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
)

type testHandler struct {
	calls int
	last  []string
}

func (h *testHandler) Handle(_ *ExecutionContext, op Operation) error {
	h.calls++
	h.last = make([]string, len(op.Operands))
	for i, o := range op.Operands {
		h.last[i] = o.Type()
	}
	return nil
}

func TestProcessorDispatchesOperators(t *testing.T) {
	p := NewProcessor()
	h := &testHandler{}
	p.RegisterHandler("Tj", h)

	ec := NewExecutionContext(raw.NewDocument(""), nil, coords.Identity())
	if err := p.Process(context.Background(), []byte("(Hello) Tj"), ec); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", h.calls)
	}
	if len(h.last) != 1 || h.last[0] != "string" {
		t.Fatalf("unexpected operand types: %v", h.last)
	}
}

func TestParseOperations(t *testing.T) {
	src := []byte("q 1 0 0 1 10 20 cm /F1 12 Tf [(A) -120 (B)] TJ\n" +
		"BI /W 2 /H 1 /CS /G /BPC 8 ID \x00\xff EI Q /P <</MCID 0>> BDC EMC")
	ops, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var names []string
	for _, op := range ops {
		names = append(names, op.Operator)
	}
	want := []string{"q", "cm", "Tf", "TJ", "BI", "Q", "BDC", "EMC"}
	if len(names) != len(want) {
		t.Fatalf("got operators %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got operators %v, want %v", names, want)
		}
	}
	bi := ops[4].Inline
	if bi == nil || string(bi.Data) != "\x00\xff" {
		t.Fatalf("inline image data not captured: %+v", bi)
	}
	if w, _ := bi.Dict.Get("W"); w != raw.NumberInt(2) {
		t.Fatalf("inline image width %v", w)
	}
	if len(ops[1].Operands) != 6 {
		t.Fatalf("cm operands: %v", ops[1].Operands)
	}
}

func TestParseReportsTruncation(t *testing.T) {
	ops, err := Parse([]byte("q 0 0 m BI /W 1 ID abc"))
	if err == nil {
		t.Fatalf("expected error for unterminated inline image")
	}
	if len(ops) != 2 {
		t.Fatalf("expected operations before the error to be returned, got %d", len(ops))
	}
}

func TestGraphicsStateSaveRestore(t *testing.T) {
	ec := NewExecutionContext(raw.NewDocument(""), nil, coords.Identity())
	p := NewProcessor()
	var inner, outer coords.Matrix
	p.RegisterHandler("f", HandlerFunc(func(ec *ExecutionContext, _ Operation) error {
		inner = ec.GraphicsState.CTM
		return nil
	}))
	p.RegisterHandler("S", HandlerFunc(func(ec *ExecutionContext, _ Operation) error {
		outer = ec.GraphicsState.CTM
		return nil
	}))
	src := "1 0 0 rg q 2 0 0 2 5 5 cm 0 1 0 rg f Q S Q Q"
	if err := p.Process(context.Background(), []byte(src), ec); err != nil {
		t.Fatalf("process: %v", err)
	}
	if inner != (coords.Matrix{2, 0, 0, 2, 5, 5}) {
		t.Fatalf("inner ctm %v", inner)
	}
	if outer != coords.Identity() {
		t.Fatalf("ctm not restored: %v", outer)
	}
	if c := ec.GraphicsState.FillColor; len(c) != 3 || c[0] != 1 || c[1] != 0 {
		t.Fatalf("fill colour not restored: %v", c)
	}
}

func TestExtGStateAndText(t *testing.T) {
	doc := raw.NewDocument("")
	gsDict := raw.Dict()
	gsDict.Set("ca", raw.NumberFloat(0.5))
	ext := raw.Dict()
	ext.Set("GS1", gsDict)
	res := raw.Dict()
	res.Set("ExtGState", ext)
	ec := NewExecutionContext(doc, res, coords.Identity())
	p := NewProcessor()
	if err := p.Process(context.Background(), []byte("/GS1 gs BT 14 TL 10 700 Td T* ET"), ec); err != nil {
		t.Fatalf("process: %v", err)
	}
	gs := ec.GraphicsState
	if gs.FillAlpha != 0.5 {
		t.Fatalf("fill alpha %v", gs.FillAlpha)
	}
	if gs.Text.TextMatrix[4] != 10 || gs.Text.TextMatrix[5] != 686 {
		t.Fatalf("text matrix %v", gs.Text.TextMatrix)
	}
}

func TestTextRenderModes(t *testing.T) {
	tests := []struct {
		mode           TextRenderMode
		marks, stroked bool
	}{
		{0, true, false},
		{TextStroke, true, true},
		{2, true, false},
		{TextInvisible, false, false},
		{4, true, false},
		{TextStrokeClip, true, true},
		{TextClip, false, false},
	}
	for _, tt := range tests {
		if tt.mode.Marks() != tt.marks || tt.mode.Stroked() != tt.stroked {
			t.Fatalf("mode %d: marks=%v stroked=%v", tt.mode, tt.mode.Marks(), tt.mode.Stroked())
		}
	}

	ec := NewExecutionContext(raw.NewDocument(""), nil, coords.Identity())
	if err := NewProcessor().Process(context.Background(), []byte("BT 7 Tr 2 J ET"), ec); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ec.GraphicsState.Text.RenderMode != TextClip || ec.GraphicsState.LineCap != LineCapSquare {
		t.Fatalf("state %v %v", ec.GraphicsState.Text.RenderMode, ec.GraphicsState.LineCap)
	}
}

func TestSubpathCurrentPoint(t *testing.T) {
	sp := Subpath{Segments: []Segment{
		{Op: MoveTo, Pt: coords.Point{X: 1, Y: 2}},
		{Op: CurveTo, Pt: coords.Point{X: 9, Y: 9}, C1: coords.Point{X: 3}, C2: coords.Point{Y: 3}},
	}}
	if got := sp.Current(); got != (coords.Point{X: 9, Y: 9}) {
		t.Fatalf("open subpath current %v", got)
	}
	sp.Closed = true
	if got := sp.Current(); got != sp.Start() {
		t.Fatalf("closed subpath current %v, want start %v", got, sp.Start())
	}
}

func TestProcessorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ec := NewExecutionContext(raw.NewDocument(""), nil, coords.Identity())
	if err := NewProcessor().Process(ctx, []byte("q Q"), ec); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestFontMetricsWidths(t *testing.T) {
	doc := raw.NewDocument("")
	font := raw.Dict()
	font.Set("Subtype", raw.NameLiteral("TrueType"))
	font.Set("FirstChar", raw.NumberInt(65))
	font.Set("Widths", raw.NewArray(raw.NumberInt(600), raw.NumberInt(700)))
	fonts := raw.Dict()
	fonts.Set("F1", font)
	res := raw.Dict()
	res.Set("Font", fonts)
	ec := NewExecutionContext(doc, res, coords.Identity())
	ec.GraphicsState.Text.FontName = "F1"
	m := LoadFontMetrics(ec)
	if m.Width(65) != 600 || m.Width(66) != 700 || m.Width(10) != 500 {
		t.Fatalf("unexpected widths %v %v %v", m.Width(65), m.Width(66), m.Width(10))
	}
	if got := m.Codes([]byte("AB")); len(got) != 2 || got[1] != 66 {
		t.Fatalf("codes %v", got)
	}
}

func TestTracerFindsImagesInForms(t *testing.T) {
	doc := raw.NewDocument("")
	imgDict := raw.Dict()
	imgDict.Set("Subtype", raw.NameLiteral("Image"))
	imgRef := doc.Add(raw.NewStream(imgDict, nil))

	formXObj := raw.Dict()
	formXObj.Set("Im1", raw.RefObj{R: imgRef})
	formRes := raw.Dict()
	formRes.Set("XObject", formXObj)
	formDict := raw.Dict()
	formDict.Set("Subtype", raw.NameLiteral("Form"))
	formDict.Set("BBox", raw.Rect{URX: 1, URY: 1}.Array())
	formDict.Set("Matrix", raw.NewArray(raw.NumberInt(2), raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(2), raw.NumberInt(0), raw.NumberInt(0)))
	formDict.Set("Resources", formRes)
	formRef := doc.Add(raw.NewStream(formDict, []byte("q 50 0 0 25 0 0 cm /Im1 Do Q /Fm1 Do")))

	pageXObj := raw.Dict()
	pageXObj.Set("Im1", raw.RefObj{R: imgRef})
	pageXObj.Set("Fm1", raw.RefObj{R: formRef})
	formRes.Set("XObject", formXObj)
	formXObj.Set("Fm1", raw.RefObj{R: formRef}) // self reference must not loop
	res := raw.Dict()
	res.Set("XObject", pageXObj)

	ops, err := Parse([]byte("q 100 0 0 200 10 10 cm /Im1 Do Q /Fm1 Do"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ec := NewExecutionContext(doc, res, coords.Identity())
	out, err := NewTracer(nil).Trace(context.Background(), ec, ops)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(out.Images) != 2 {
		t.Fatalf("expected 2 image placements, got %+v", out.Images)
	}
	if p := out.Images[0]; p.Ref != imgRef || p.Width != 100 || p.Height != 200 {
		t.Fatalf("page placement %+v", p)
	}
	if p := out.Images[1]; math.Abs(p.Width-100) > 1e-9 || math.Abs(p.Height-50) > 1e-9 {
		t.Fatalf("form placement should be scaled by /Matrix: %+v", p)
	}
	if len(out.BBoxes) != 2 || out.BBoxes[0].Rect != (raw.Rect{LLX: 10, LLY: 10, URX: 110, URY: 210}) {
		t.Fatalf("unexpected bboxes %+v", out.BBoxes)
	}
}

func TestTracerTextBoxes(t *testing.T) {
	doc := raw.NewDocument("")
	font := raw.Dict()
	font.Set("FirstChar", raw.NumberInt(32))
	font.Set("Widths", raw.NewArray(raw.NumberInt(250)))
	fonts := raw.Dict()
	fonts.Set("F1", font)
	res := raw.Dict()
	res.Set("Font", fonts)
	ops, _ := Parse([]byte("BT /F1 10 Tf 100 100 Td (  ) Tj ET"))
	ec := NewExecutionContext(doc, res, coords.Identity())
	out, err := NewTracer(nil).Trace(context.Background(), ec, ops)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(out.BBoxes) != 1 {
		t.Fatalf("expected one text box, got %+v", out.BBoxes)
	}
	r := out.BBoxes[0].Rect
	if math.Abs(r.LLX-100) > 1e-9 || math.Abs(r.URX-105) > 1e-9 {
		t.Fatalf("unexpected text box %+v", r)
	}
	if math.Abs(ec.GraphicsState.Text.TextMatrix[4]-105) > 1e-9 {
		t.Fatalf("text matrix not advanced: %v", ec.GraphicsState.Text.TextMatrix)
	}
}
