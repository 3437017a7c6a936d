package render

import (
	"image"

	"github.com/golang/freetype/truetype"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
)

func (d *device) registerText(p contentstream.Processor) {
	show := contentstream.HandlerFunc(func(ec *contentstream.ExecutionContext, op contentstream.Operation) error {
		d.showText(ec, op)
		return nil
	})
	for _, name := range []string{"Tj", "TJ", "'", "\""} {
		p.RegisterHandler(name, show)
	}
}

// showText draws the glyphs of a text showing operator and advances the
// text matrix. Clipping render modes paint like their non-clipping
// counterparts and do not change the clip. Type3 glyphs are skipped.
func (d *device) showText(ec *contentstream.ExecutionContext, op contentstream.Operation) {
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
		return
	}
	gs := ec.GraphicsState
	metrics := contentstream.LoadFontMetrics(ec)
	var font *pdfFont
	if metrics.Dict != nil {
		font = d.fonts.load(metrics.Dict)
	} else {
		font = &pdfFont{face: substitutes.get("regular"), outlines: make(map[truetype.Index][][]coords.Point)}
	}

	mode := gs.Text.RenderMode
	visible := mode.Marks() && !font.type3
	var polys [][]coords.Point

	for _, it := range items {
		switch v := it.(type) {
		case raw.StringObj:
			for _, code := range metrics.Codes(v.Bytes) {
				if visible {
					if idx := font.glyph(code); idx != 0 {
						trm := gs.TextRenderingMatrix()
						for _, contour := range font.outline(idx) {
							poly := make([]coords.Point, len(contour))
							for i, pt := range contour {
								poly[i] = trm.Transform(pt)
							}
							polys = append(polys, poly)
						}
					}
				}
				adv := metrics.Width(code) / 1000 * gs.Text.FontSize
				adv += gs.Text.CharSpacing
				if code == 32 && !metrics.TwoByte {
					adv += gs.Text.WordSpacing
				}
				gs.AdvanceText(adv * gs.Text.HScale / 100)
			}
		case raw.NumberObj:
			gs.AdvanceText(-v.Float() / 1000 * gs.Text.FontSize * gs.Text.HScale / 100)
		}
	}
	if len(polys) == 0 {
		return
	}
	mask, r := d.rasterize(polys, nonZero)
	if mask == nil {
		return
	}
	var src image.Image
	switch {
	case mode.Stroked():
		src = image.NewUniform(d.strokeColor(ec))
	case gs.FillPattern != "":
		d.paintPattern(ec, r, mask)
		return
	default:
		src = image.NewUniform(d.fillColor(ec))
	}
	d.composite(r, mask, src)
}

func valueOf(d *raw.DictObj, key string) raw.Object {
	v, _ := d.Get(key)
	return v
}
