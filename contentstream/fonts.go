package contentstream

import "github.com/wudi/pdfshrink/ir/raw"

// FontMetrics is the width table of the current font, enough to advance
// the text matrix.
type FontMetrics struct {
	Dict       *raw.DictObj
	FirstChar  int
	Widths     []float64
	Missing    float64
	TwoByte    bool
	cidWidths  map[int]float64
	cidDefault float64
}

// LoadFontMetrics resolves the font selected by Tf. Unknown fonts get a
// uniform 500 unit width.
func LoadFontMetrics(ec *ExecutionContext) *FontMetrics {
	m := &FontMetrics{Missing: 500, cidDefault: 1000}
	obj, ok := ec.Resource("Font", ec.GraphicsState.Text.FontName)
	if !ok {
		return m
	}
	doc := ec.Doc
	font, ok := doc.DictOf(obj)
	if !ok {
		return m
	}
	m.Dict = font
	if sub, _ := font.Name("Subtype"); sub == "Type0" {
		m.TwoByte = true
		m.loadCIDWidths(doc, font)
		return m
	}
	if v, ok := font.Get("FirstChar"); ok {
		if n, ok := doc.IntOf(v); ok {
			m.FirstChar = int(n)
		}
	}
	if v, ok := font.Get("Widths"); ok {
		if arr, ok := doc.ArrayOf(v); ok {
			m.Widths = make([]float64, arr.Len())
			for i, it := range arr.Items {
				m.Widths[i], _ = doc.FloatOf(it)
			}
		}
	}
	if v, ok := font.Get("FontDescriptor"); ok {
		if fd, ok := doc.DictOf(v); ok {
			if mw, ok := fd.Get("MissingWidth"); ok {
				if f, ok := doc.FloatOf(mw); ok && f > 0 {
					m.Missing = f
				}
			}
		}
	}
	return m
}

func (m *FontMetrics) loadCIDWidths(doc *raw.Document, font *raw.DictObj) {
	descObj, ok := font.Get("DescendantFonts")
	if !ok {
		return
	}
	arr, ok := doc.ArrayOf(descObj)
	if !ok || arr.Len() == 0 {
		return
	}
	cid, ok := doc.DictOf(arr.Items[0])
	if !ok {
		return
	}
	if dw, ok := cid.Get("DW"); ok {
		if f, ok := doc.FloatOf(dw); ok {
			m.cidDefault = f
		}
	}
	wObj, ok := cid.Get("W")
	if !ok {
		return
	}
	w, ok := doc.ArrayOf(wObj)
	if !ok {
		return
	}
	m.cidWidths = make(map[int]float64)
	for i := 0; i < w.Len(); {
		first, ok := doc.IntOf(w.Items[i])
		if !ok || i+1 >= w.Len() {
			return
		}
		if list, ok := doc.ArrayOf(w.Items[i+1]); ok {
			for j, it := range list.Items {
				m.cidWidths[int(first)+j], _ = doc.FloatOf(it)
			}
			i += 2
			continue
		}
		if i+2 >= w.Len() {
			return
		}
		last, _ := doc.IntOf(w.Items[i+1])
		width, _ := doc.FloatOf(w.Items[i+2])
		for c := first; c <= last && c-first < 65536; c++ {
			m.cidWidths[int(c)] = width
		}
		i += 3
	}
}

// Codes splits a string operand into character codes. Composite fonts are
// assumed to use a two-byte encoding such as Identity-H.
func (m *FontMetrics) Codes(b []byte) []int {
	if !m.TwoByte {
		codes := make([]int, len(b))
		for i, c := range b {
			codes[i] = int(c)
		}
		return codes
	}
	codes := make([]int, 0, (len(b)+1)/2)
	for i := 0; i+1 < len(b); i += 2 {
		codes = append(codes, int(b[i])<<8|int(b[i+1]))
	}
	return codes
}

// Width returns the glyph width of code in thousandths of text space.
func (m *FontMetrics) Width(code int) float64 {
	if m.TwoByte {
		if w, ok := m.cidWidths[code]; ok {
			return w
		}
		return m.cidDefault
	}
	idx := code - m.FirstChar
	if idx >= 0 && idx < len(m.Widths) {
		return m.Widths[idx]
	}
	return m.Missing
}
