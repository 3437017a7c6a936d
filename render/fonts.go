package render

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/wudi/pdfshrink/contentstream"
	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

// glyphScale loads outlines with 1024 pixels per em.
const glyphScale = 1024

type fallbackFaces struct {
	once  sync.Once
	faces map[string]*truetype.Font
}

var substitutes fallbackFaces

func (f *fallbackFaces) get(style string) *truetype.Font {
	f.once.Do(func() {
		f.faces = make(map[string]*truetype.Font)
		for name, ttf := range map[string][]byte{
			"regular":    goregular.TTF,
			"bold":       gobold.TTF,
			"italic":     goitalic.TTF,
			"bolditalic": gobolditalic.TTF,
			"mono":       gomono.TTF,
			"monobold":   gomonobold.TTF,
		} {
			if face, err := truetype.Parse(ttf); err == nil {
				f.faces[name] = face
			}
		}
	})
	if face, ok := f.faces[style]; ok {
		return face
	}
	return f.faces["regular"]
}

// substituteStyle picks a Go font for a base font name such as
// "ABCDEF+Arial-BoldMT".
func substituteStyle(base string) string {
	if i := strings.IndexByte(base, '+'); i == 6 {
		base = base[i+1:]
	}
	lower := strings.ToLower(base)
	bold := strings.Contains(lower, "bold") || strings.Contains(lower, "black") || strings.Contains(lower, "heavy")
	italic := strings.Contains(lower, "italic") || strings.Contains(lower, "oblique")
	if strings.Contains(lower, "courier") || strings.Contains(lower, "mono") {
		if bold {
			return "monobold"
		}
		return "mono"
	}
	switch {
	case bold && italic:
		return "bolditalic"
	case bold:
		return "bold"
	case italic:
		return "italic"
	}
	return "regular"
}

// pdfFont maps character codes to glyph outlines.
type pdfFont struct {
	face      *truetype.Font
	embedded  bool
	composite bool
	symbolic  bool
	type3     bool
	cidToGID  []uint16
	encoding  *[256]rune
	toUnicode map[int]rune
	outlines  map[truetype.Index][][]coords.Point
	buf       truetype.GlyphBuf
}

type fontCache struct {
	ctx      context.Context
	doc      *raw.Document
	pipeline *filters.Pipeline
	fonts    map[*raw.DictObj]*pdfFont
}

func newFontCache(ctx context.Context, doc *raw.Document, pipeline *filters.Pipeline) *fontCache {
	return &fontCache{ctx: ctx, doc: doc, pipeline: pipeline, fonts: make(map[*raw.DictObj]*pdfFont)}
}

func (c *fontCache) load(dict *raw.DictObj) *pdfFont {
	if f, ok := c.fonts[dict]; ok {
		return f
	}
	f := c.build(dict)
	c.fonts[dict] = f
	return f
}

func (c *fontCache) build(dict *raw.DictObj) *pdfFont {
	doc := c.doc
	f := &pdfFont{outlines: make(map[truetype.Index][][]coords.Point)}
	sub, _ := dict.Name("Subtype")
	base, _ := dict.Name("BaseFont")
	descriptorHolder := dict
	switch sub {
	case "Type3":
		f.type3 = true
		return f
	case "Type0":
		f.composite = true
		if arr, ok := doc.ArrayOf(valueOf(dict, "DescendantFonts")); ok && arr.Len() > 0 {
			if cid, ok := doc.DictOf(arr.Items[0]); ok {
				descriptorHolder = cid
				f.cidToGID = c.cidToGIDMap(cid)
			}
		}
	}
	if fd, ok := doc.DictOf(valueOf(descriptorHolder, "FontDescriptor")); ok {
		if flags, ok := doc.IntOf(valueOf(fd, "Flags")); ok {
			f.symbolic = flags&4 != 0
		}
		for _, key := range []string{"FontFile2", "FontFile3"} {
			st, ok := doc.StreamOf(valueOf(fd, key))
			if !ok {
				continue
			}
			data, err := c.pipeline.Decode(c.ctx, st.Data, filters.ExtractFilters(st.Dict, doc))
			if err != nil {
				continue
			}
			if face, err := truetype.Parse(data); err == nil {
				f.face, f.embedded = face, true
				break
			}
		}
	}
	if f.face == nil {
		f.face = substitutes.get(substituteStyle(base))
	}
	if st, ok := doc.StreamOf(valueOf(dict, "ToUnicode")); ok {
		if data, err := c.pipeline.Decode(c.ctx, st.Data, filters.ExtractFilters(st.Dict, doc)); err == nil {
			f.toUnicode = parseToUnicode(data)
		}
	}
	if !f.composite {
		f.encoding = c.simpleEncoding(dict)
	}
	return f
}

func (c *fontCache) cidToGIDMap(cid *raw.DictObj) []uint16 {
	st, ok := c.doc.StreamOf(valueOf(cid, "CIDToGIDMap"))
	if !ok {
		return nil
	}
	data, err := c.pipeline.Decode(c.ctx, st.Data, filters.ExtractFilters(st.Dict, c.doc))
	if err != nil {
		return nil
	}
	m := make([]uint16, len(data)/2)
	for i := range m {
		m[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return m
}

func (c *fontCache) simpleEncoding(dict *raw.DictObj) *[256]rune {
	enc := new([256]rune)
	table := charmap.Windows1252
	var diffs *raw.ArrayObj
	switch e := c.doc.Resolve(valueOf(dict, "Encoding")).(type) {
	case raw.NameObj:
		if e.Val == "MacRomanEncoding" {
			table = charmap.Macintosh
		}
	case *raw.DictObj:
		if name, ok := e.Name("BaseEncoding"); ok && name == "MacRomanEncoding" {
			table = charmap.Macintosh
		}
		diffs, _ = c.doc.ArrayOf(valueOf(e, "Differences"))
	}
	for i := range enc {
		enc[i] = table.DecodeByte(byte(i))
	}
	if diffs != nil {
		code := 0
		for _, it := range diffs.Items {
			switch v := c.doc.Resolve(it).(type) {
			case raw.NumberObj:
				code = int(v.Int())
			case raw.NameObj:
				if code >= 0 && code < 256 {
					if r, ok := glyphRune(v.Val); ok {
						enc[code] = r
					}
				}
				code++
			}
		}
	}
	return enc
}

// glyph returns the glyph index for a character code, or 0 when the face
// has no glyph for it.
func (f *pdfFont) glyph(code int) truetype.Index {
	if f.composite {
		if f.embedded {
			if f.cidToGID != nil {
				if code < len(f.cidToGID) {
					return truetype.Index(f.cidToGID[code])
				}
				return 0
			}
			return truetype.Index(code)
		}
		if r, ok := f.toUnicode[code]; ok {
			return f.face.Index(r)
		}
		return 0
	}
	if r, ok := f.toUnicode[code]; ok && !f.embedded {
		if idx := f.face.Index(r); idx != 0 {
			return idx
		}
	}
	if f.embedded && f.symbolic {
		if idx := f.face.Index(rune(code)); idx != 0 {
			return idx
		}
		return f.face.Index(0xF000 + rune(code))
	}
	if f.encoding != nil && code < 256 {
		if idx := f.face.Index(f.encoding[code]); idx != 0 {
			return idx
		}
	}
	if f.embedded {
		if idx := f.face.Index(rune(code)); idx != 0 {
			return idx
		}
		return f.face.Index(0xF000 + rune(code))
	}
	return 0
}

// outline returns the glyph contours in em units, y up.
func (f *pdfFont) outline(idx truetype.Index) [][]coords.Point {
	if o, ok := f.outlines[idx]; ok {
		return o
	}
	var contours [][]coords.Point
	if err := f.buf.Load(f.face, fixed.Int26_6(glyphScale<<6), idx, font.HintingNone); err == nil {
		start := 0
		for _, end := range f.buf.Ends {
			if end > start {
				contours = append(contours, flattenContour(f.buf.Points[start:end]))
			}
			start = end
		}
	}
	f.outlines[idx] = contours
	return contours
}

// flattenContour expands a TrueType quadratic contour, inserting the
// implied on-curve points between consecutive off-curve points.
func flattenContour(pts []truetype.Point) []coords.Point {
	toEm := func(p truetype.Point) coords.Point {
		return coords.Point{X: float64(p.X) / 64 / glyphScale, Y: float64(p.Y) / 64 / glyphScale}
	}
	on := func(p truetype.Point) bool { return p.Flags&1 != 0 }
	mid := func(a, b coords.Point) coords.Point { return coords.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2} }

	n := len(pts)
	// Start from an on-curve point, synthesizing one if none exists.
	first := -1
	for i, p := range pts {
		if on(p) {
			first = i
			break
		}
	}
	var start coords.Point
	if first >= 0 {
		start = toEm(pts[first])
	} else {
		first = 0
		start = mid(toEm(pts[n-1]), toEm(pts[0]))
	}
	out := []coords.Point{start}
	var ctrl *coords.Point
	last := start
	quad := func(c, end coords.Point) {
		const steps = 8
		for i := 1; i <= steps; i++ {
			t := float64(i) / steps
			u := 1 - t
			out = append(out, coords.Point{
				X: u*u*last.X + 2*u*t*c.X + t*t*end.X,
				Y: u*u*last.Y + 2*u*t*c.Y + t*t*end.Y,
			})
		}
		last = end
	}
	offset := 1
	if pts[first].Flags&1 == 0 {
		offset = 0
	}
	for k := 0; k < n; k++ {
		p := pts[(first+offset+k)%n]
		pt := toEm(p)
		if on(p) {
			if ctrl != nil {
				quad(*ctrl, pt)
				ctrl = nil
			} else {
				out = append(out, pt)
				last = pt
			}
			continue
		}
		if ctrl != nil {
			m := mid(*ctrl, pt)
			quad(*ctrl, m)
		}
		c := pt
		ctrl = &c
	}
	if ctrl != nil {
		quad(*ctrl, start)
	}
	return out
}

// parseToUnicode reads bfchar and bfrange sections of a ToUnicode CMap.
// Only the first code point of each mapping is kept.
func parseToUnicode(data []byte) map[int]rune {
	ops, _ := contentstream.Parse(data)
	m := make(map[int]rune)
	for _, op := range ops {
		switch op.Operator {
		case "endbfchar":
			for i := 0; i+1 < len(op.Operands); i += 2 {
				src, ok1 := op.Operands[i].(raw.StringObj)
				dst, ok2 := op.Operands[i+1].(raw.StringObj)
				if ok1 && ok2 {
					if r, ok := utf16Rune(dst.Bytes); ok {
						m[codeOf(src.Bytes)] = r
					}
				}
			}
		case "endbfrange":
			for i := 0; i+2 < len(op.Operands); i += 3 {
				lo, ok1 := op.Operands[i].(raw.StringObj)
				hi, ok2 := op.Operands[i+1].(raw.StringObj)
				if !ok1 || !ok2 {
					continue
				}
				first, last := codeOf(lo.Bytes), codeOf(hi.Bytes)
				if last < first || last-first > 0xFFFF {
					continue
				}
				switch dst := op.Operands[i+2].(type) {
				case raw.StringObj:
					r, ok := utf16Rune(dst.Bytes)
					if !ok {
						continue
					}
					for c := first; c <= last; c++ {
						m[c] = r + rune(c-first)
					}
				case *raw.ArrayObj:
					for j, it := range dst.Items {
						if s, ok := it.(raw.StringObj); ok && first+j <= last {
							if r, ok := utf16Rune(s.Bytes); ok {
								m[first+j] = r
							}
						}
					}
				}
			}
		}
	}
	return m
}

func codeOf(b []byte) int {
	c := 0
	for _, v := range b {
		c = c<<8 | int(v)
	}
	return c
}

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

func utf16Rune(b []byte) (rune, bool) {
	out, err := utf16BE.NewDecoder().Bytes(b)
	if err != nil || len(out) == 0 {
		return 0, false
	}
	for _, r := range string(out) {
		return r, true
	}
	return 0, false
}

var glyphNames = map[string]rune{
	"space": ' ', "exclam": '!', "quotedbl": '"', "numbersign": '#', "dollar": '$',
	"percent": '%', "ampersand": '&', "quotesingle": '\'', "quoteright": '’',
	"quoteleft": '‘', "parenleft": '(', "parenright": ')', "asterisk": '*',
	"plus": '+', "comma": ',', "hyphen": '-', "period": '.', "slash": '/',
	"zero": '0', "one": '1', "two": '2', "three": '3', "four": '4', "five": '5',
	"six": '6', "seven": '7', "eight": '8', "nine": '9', "colon": ':',
	"semicolon": ';', "less": '<', "equal": '=', "greater": '>', "question": '?',
	"at": '@', "bracketleft": '[', "backslash": '\\', "bracketright": ']',
	"asciicircum": '^', "underscore": '_', "grave": '`', "braceleft": '{',
	"bar": '|', "braceright": '}', "asciitilde": '~', "bullet": '•',
	"endash": '–', "emdash": '—', "quotedblleft": '“',
	"quotedblright": '”', "ellipsis": '…', "fi": 'ﬁ', "fl": 'ﬂ',
	"copyright": '©', "registered": '®', "trademark": '™',
	"degree": '°', "section": '§', "paragraph": '¶',
	"eacute": 'é', "egrave": 'è', "agrave": 'à', "ccedilla": 'ç',
	"udieresis": 'ü', "odieresis": 'ö', "adieresis": 'ä',
	"germandbls": 'ß', "Euro": '€', "minus": '−', "nbspace": '\u00a0',
}

// glyphRune maps a glyph name to its Unicode value for the common Latin
// names and the uniXXXX and uXXXX forms.
func glyphRune(name string) (rune, bool) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	if r, ok := glyphNames[name]; ok {
		return r, true
	}
	if len(name) == 1 {
		return rune(name[0]), true
	}
	var hex string
	switch {
	case strings.HasPrefix(name, "uni") && len(name) >= 7:
		hex = name[3:7]
	case strings.HasPrefix(name, "u") && len(name) >= 5 && len(name) <= 7:
		hex = name[1:]
	default:
		return 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

