package contentstream

import "github.com/wudi/pdfshrink/coords"

// TextRenderMode is the Tr operand. Only the modes that change how a
// rasterised glyph is painted are named; 4-7 also clip, which the
// renderer does not model for text.
type TextRenderMode int

const (
	TextStroke     TextRenderMode = 1
	TextInvisible  TextRenderMode = 3
	TextStrokeClip TextRenderMode = 5
	TextClip       TextRenderMode = 7
)

// Marks reports whether glyphs shown in this mode leave paint on the page.
func (m TextRenderMode) Marks() bool { return m != TextInvisible && m != TextClip }

// Stroked reports modes painted with the stroking colour only.
func (m TextRenderMode) Stroked() bool { return m == TextStroke || m == TextStrokeClip }

// LineCap is the J operand.
type LineCap int

const (
	LineCapButt LineCap = iota
	LineCapRound
	LineCapSquare
)

// SegmentOp is the construction operator that produced a Segment.
type SegmentOp uint8

const (
	MoveTo SegmentOp = iota
	LineTo
	CurveTo
)

// Segment ends at Pt. C1 and C2 are the control points of a CurveTo.
type Segment struct {
	Op     SegmentOp
	Pt     coords.Point
	C1, C2 coords.Point
}

// Subpath starts with a MoveTo segment.
type Subpath struct {
	Segments []Segment
	Closed   bool
}

func (s *Subpath) Start() coords.Point { return s.Segments[0].Pt }

// Current is the point the next segment continues from: the start point
// once the subpath has been closed with h.
func (s *Subpath) Current() coords.Point {
	if s.Closed {
		return s.Start()
	}
	return s.Segments[len(s.Segments)-1].Pt
}

// Path collects subpaths until a painting operator consumes them.
type Path struct {
	Subpaths []Subpath
}
