package render

import (
	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/pagetree"
)

const (
	annotHidden = 1 << 1
	annotNoView = 1 << 5
)

// drawAnnotations paints the normal appearance of every visible
// annotation, mapping the appearance bounding box onto /Rect.
func (d *device) drawAnnotations(page *pagetree.Page, base coords.Matrix) error {
	annots, ok := d.doc.ArrayOf(valueOf(page.Dict, "Annots"))
	if !ok {
		return nil
	}
	for _, item := range annots.Items {
		if err := d.ctx.Err(); err != nil {
			return err
		}
		annot, ok := d.doc.DictOf(item)
		if !ok {
			continue
		}
		if sub, _ := annot.Name("Subtype"); sub == "Popup" {
			continue
		}
		if flags, _ := d.doc.IntOf(valueOf(annot, "F")); flags&(annotHidden|annotNoView) != 0 {
			continue
		}
		ref, st, ok := d.appearance(annot)
		if !ok {
			continue
		}
		rect, ok := d.doc.RectOf(valueOf(annot, "Rect"))
		if !ok {
			continue
		}
		bbox, ok := d.doc.RectOf(valueOf(st.Dict, "BBox"))
		if !ok {
			continue
		}
		matrix := coords.Identity()
		if m, ok := coords.FromArray(d.doc, valueOf(st.Dict, "Matrix")); ok {
			matrix = m
		}
		box := matrix.TransformRect(bbox.Normalize())
		rect = rect.Normalize()
		if box.Width() == 0 || box.Height() == 0 {
			continue
		}
		fit := coords.Translate(-box.LLX, -box.LLY).
			Multiply(coords.Scale(rect.Width()/box.Width(), rect.Height()/box.Height())).
			Multiply(coords.Translate(rect.LLX, rect.LLY))
		ec := contentstream.NewExecutionContext(d.doc, page.Resources, fit.Multiply(base))
		if err := d.drawForm(ec, ref, st, 0); err != nil {
			return err
		}
	}
	return nil
}

// appearance returns the normal appearance stream, selecting the /AS state
// when /N is a state dictionary.
func (d *device) appearance(annot *raw.DictObj) (raw.ObjectRef, *raw.StreamObj, bool) {
	ap, ok := d.doc.DictOf(valueOf(annot, "AP"))
	if !ok {
		return raw.ObjectRef{}, nil, false
	}
	n := valueOf(ap, "N")
	if states, ok := d.doc.Resolve(n).(*raw.DictObj); ok {
		state, ok := annot.Name("AS")
		if !ok {
			return raw.ObjectRef{}, nil, false
		}
		n = valueOf(states, state)
	}
	st, ok := d.doc.StreamOf(n)
	if !ok {
		return raw.ObjectRef{}, nil, false
	}
	var ref raw.ObjectRef
	if r, ok := n.(raw.RefObj); ok {
		ref = r.R
	}
	return ref, st, true
}
