package raw

import "testing"

func TestResolveFollowsReferences(t *testing.T) {
	doc := NewDocument("")
	doc.Objects[ObjectRef{Num: 1}] = Ref(2, 0)
	doc.Objects[ObjectRef{Num: 2}] = NumberInt(42)

	got, ok := doc.IntOf(Ref(1, 0))
	if !ok || got != 42 {
		t.Fatalf("expected 42, got %v (ok=%v)", got, ok)
	}
	if doc.Resolve(Ref(9, 0)) != nil {
		t.Fatalf("dangling reference should resolve to nil")
	}
}

func TestResolveStopsOnCycle(t *testing.T) {
	doc := NewDocument("")
	doc.Objects[ObjectRef{Num: 1}] = Ref(2, 0)
	doc.Objects[ObjectRef{Num: 2}] = Ref(1, 0)
	if doc.Resolve(Ref(1, 0)) != nil {
		t.Fatalf("reference cycle should resolve to nil")
	}
}

func TestAddUsesNextFreeNumber(t *testing.T) {
	doc := NewDocument("1.4")
	doc.Objects[ObjectRef{Num: 7}] = NullObj{}
	ref := doc.Add(Dict())
	if ref.Num != 8 || ref.Gen != 0 {
		t.Fatalf("unexpected ref %v", ref)
	}
	refs := doc.Refs()
	if len(refs) != 2 || refs[0].Num != 7 || refs[1].Num != 8 {
		t.Fatalf("unexpected ordering %v", refs)
	}
}

func TestRectOfNormalizes(t *testing.T) {
	doc := NewDocument("")
	r, ok := doc.RectOf(NewArray(NumberInt(612), NumberInt(792), NumberInt(0), NumberFloat(0.5)))
	if !ok {
		t.Fatalf("rect not parsed")
	}
	if r.LLX != 0 || r.LLY != 0.5 || r.URX != 612 || r.URY != 792 {
		t.Fatalf("unexpected rect %+v", r)
	}
	if r.Width() != 612 || r.Height() != 791.5 {
		t.Fatalf("unexpected size %vx%v", r.Width(), r.Height())
	}
	if _, ok := doc.RectOf(NewArray(NumberInt(1))); ok {
		t.Fatalf("short array should not parse")
	}
}

func TestNumberPrefersIntegers(t *testing.T) {
	if n := Number(3); !n.IsInt || n.I != 3 {
		t.Fatalf("expected integer, got %+v", n)
	}
	if n := Number(2.5); n.IsInt || n.F != 2.5 {
		t.Fatalf("expected real, got %+v", n)
	}
}

func TestDecodeTextString(t *testing.T) {
	utf16 := []byte{0xFE, 0xFF, 0x00, 'H', 0x00, 'i', 0x20, 0xAC}
	if got := DecodeTextString(utf16); got != "Hi€" {
		t.Fatalf("utf16 decode: %q", got)
	}
	if got := DecodeTextString([]byte{'c', 'a', 'f', 0xE9}); got != "café" {
		t.Fatalf("latin1 decode: %q", got)
	}
}

func TestInfoString(t *testing.T) {
	doc := NewDocument("")
	info := Dict()
	info.Set("Title", Str([]byte("Report")))
	doc.Objects[ObjectRef{Num: 3}] = info
	doc.Trailer.Set("Info", Ref(3, 0))
	if got := doc.InfoString("Title"); got != "Report" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := doc.InfoString("Author"); got != "" {
		t.Fatalf("expected empty author, got %q", got)
	}
}
