package contentstream

import (
	"context"

	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

// OpBBox represents the bounding box of an operation.
type OpBBox struct {
	OpIndex int
	Rect    raw.Rect
}

// ImagePlacement records one image drawn by Do or an inline image.
// Width and Height are the displayed size in default user space units.
type ImagePlacement struct {
	Name   string
	Ref    raw.ObjectRef
	Inline bool
	Width  float64
	Height float64
	Rect   raw.Rect
}

type TraceResult struct {
	// BBoxes covers operations of the traced stream only, not nested forms.
	BBoxes []OpBBox
	Images []ImagePlacement
}

// Tracer calculates the bounding boxes of operations in a content stream.
type Tracer struct {
	pipeline     *filters.Pipeline
	MaxFormDepth int
}

func NewTracer(pipeline *filters.Pipeline) *Tracer {
	if pipeline == nil {
		pipeline = filters.NewDefaultPipeline(filters.Limits{})
	}
	return &Tracer{pipeline: pipeline, MaxFormDepth: 12}
}

// Trace executes the operations virtually. Form XObjects are entered so
// images nested in them are found.
func (t *Tracer) Trace(ctx context.Context, ec *ExecutionContext, ops []Operation) (*TraceResult, error) {
	res := &TraceResult{}
	err := t.trace(ctx, ec, ops, res, 0, map[raw.ObjectRef]bool{})
	return res, err
}

func (t *Tracer) trace(ctx context.Context, ec *ExecutionContext, ops []Operation, res *TraceResult, depth int, active map[raw.ObjectRef]bool) error {
	p := NewProcessor()
	addBox := func(ec *ExecutionContext, r raw.Rect) {
		if depth == 0 {
			res.BBoxes = append(res.BBoxes, OpBBox{OpIndex: ec.OpIndex, Rect: r})
		}
	}
	p.RegisterHandler("re", HandlerFunc(func(ec *ExecutionContext, op Operation) error {
		if v, ok := Numbers(op.Operands, 4); ok {
			addBox(ec, ec.GraphicsState.CTM.TransformRect(raw.Rect{LLX: v[0], LLY: v[1], URX: v[0] + v[2], URY: v[1] + v[3]}.Normalize()))
		}
		return nil
	}))
	text := HandlerFunc(func(ec *ExecutionContext, op Operation) error {
		if r, ok := showText(ec, op); ok {
			addBox(ec, r)
		}
		return nil
	})
	for _, name := range []string{"Tj", "TJ", "'", "\""} {
		p.RegisterHandler(name, text)
	}
	p.RegisterHandler("BI", HandlerFunc(func(ec *ExecutionContext, op Operation) error {
		ctm := ec.GraphicsState.CTM
		w, h := ctm.UnitExtent()
		rect := ctm.TransformRect(raw.Rect{URX: 1, URY: 1})
		res.Images = append(res.Images, ImagePlacement{Inline: true, Width: w, Height: h, Rect: rect})
		addBox(ec, rect)
		return nil
	}))
	p.RegisterHandler("Do", HandlerFunc(func(ec *ExecutionContext, op Operation) error {
		name, ok := firstName(op.Operands)
		if !ok {
			return nil
		}
		obj, ok := ec.Resource("XObject", name)
		if !ok {
			return nil
		}
		st, ok := ec.Doc.StreamOf(obj)
		if !ok {
			return nil
		}
		var ref raw.ObjectRef
		if r, ok := obj.(raw.RefObj); ok {
			ref = r.R
		}
		ctm := ec.GraphicsState.CTM
		switch subtype, _ := st.Dict.Name("Subtype"); subtype {
		case "Image":
			w, h := ctm.UnitExtent()
			rect := ctm.TransformRect(raw.Rect{URX: 1, URY: 1})
			res.Images = append(res.Images, ImagePlacement{Name: name, Ref: ref, Width: w, Height: h, Rect: rect})
			addBox(ec, rect)
		case "Form":
			matrix := coords.Identity()
			if mObj, ok := st.Dict.Get("Matrix"); ok {
				if m, ok := coords.FromArray(ec.Doc, mObj); ok {
					matrix = m
				}
			}
			formCTM := matrix.Multiply(ctm)
			if bboxObj, ok := st.Dict.Get("BBox"); ok {
				if bbox, ok := ec.Doc.RectOf(bboxObj); ok {
					addBox(ec, formCTM.TransformRect(bbox))
				}
			}
			if depth >= t.MaxFormDepth || (ref.Num != 0 && active[ref]) {
				return nil
			}
			data, err := t.pipeline.Decode(ctx, st.Data, filters.ExtractFilters(st.Dict, ec.Doc))
			if err != nil {
				return nil
			}
			formOps, _ := Parse(data)
			resources := ec.Resources
			if rObj, ok := st.Dict.Get("Resources"); ok {
				if r, ok := ec.Doc.DictOf(rObj); ok {
					resources = r
				}
			}
			child := NewExecutionContext(ec.Doc, resources, formCTM)
			if ref.Num != 0 {
				active[ref] = true
				defer delete(active, ref)
			}
			return t.trace(ctx, child, formOps, res, depth+1, active)
		}
		return nil
	}))
	return p.Run(ctx, ops, ec)
}

// showText returns the bounds of the shown text and advances the text
// matrix past it.
func showText(ec *ExecutionContext, op Operation) (raw.Rect, bool) {
	var items []raw.Object
	switch op.Operator {
	case "TJ":
		if len(op.Operands) == 1 {
			if arr, ok := op.Operands[0].(*raw.ArrayObj); ok {
				items = arr.Items
			}
		}
	default:
		if n := len(op.Operands); n > 0 {
			items = op.Operands[n-1:]
		}
	}
	if len(items) == 0 {
		return raw.Rect{}, false
	}
	gs := ec.GraphicsState
	metrics := LoadFontMetrics(ec)
	start := gs.TextRenderingMatrix()
	total := 0.0
	for _, it := range items {
		switch v := it.(type) {
		case raw.StringObj:
			for _, code := range metrics.Codes(v.Bytes) {
				adv := metrics.Width(code) / 1000 * gs.Text.FontSize
				adv += gs.Text.CharSpacing
				if code == 32 && !metrics.TwoByte {
					adv += gs.Text.WordSpacing
				}
				adv *= gs.Text.HScale / 100
				total += adv
				gs.AdvanceText(adv)
			}
		case raw.NumberObj:
			adv := -v.Float() / 1000 * gs.Text.FontSize * gs.Text.HScale / 100
			total += adv
			gs.AdvanceText(adv)
		}
	}
	if gs.Text.FontSize == 0 {
		return raw.Rect{}, false
	}
	scale := gs.Text.FontSize * gs.Text.HScale / 100
	if scale == 0 {
		return raw.Rect{}, false
	}
	// In glyph space units of the start matrix: width total/scale, height 1.
	return start.TransformRect(raw.Rect{LLY: -0.2, URX: total / scale, URY: 0.8}.Normalize()), true
}
