package rasterize

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/pagetree"
	"github.com/wudi/pdfshrink/parser"
	"github.com/wudi/pdfshrink/render"
	"github.com/wudi/pdfshrink/writer"
)

func box(llx, lly, urx, ury int64) *raw.ArrayObj {
	return raw.NewArray(raw.NumberInt(llx), raw.NumberInt(lly), raw.NumberInt(urx), raw.NumberInt(ury))
}

// buildDoc returns two pages: a red square on an offset media box and an
// inherited, rotated gray page. The catalog carries an outline pointing at
// the first page.
func buildDoc() *raw.Document {
	doc := raw.NewDocument("1.7")

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.Ref(2, 0))
	catalog.Set("Outlines", raw.Ref(9, 0))
	doc.Objects[raw.ObjectRef{Num: 1}] = catalog

	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(raw.Ref(3, 0), raw.Ref(5, 0)))
	pages.Set("Count", raw.NumberInt(2))
	pages.Set("MediaBox", box(0, 0, 144, 72))
	pages.Set("Rotate", raw.NumberInt(90))
	doc.Objects[raw.ObjectRef{Num: 2}] = pages

	first := raw.Dict()
	first.Set("Type", raw.NameLiteral("Page"))
	first.Set("Parent", raw.Ref(2, 0))
	first.Set("MediaBox", box(10, 20, 82, 92))
	first.Set("Rotate", raw.NumberInt(0))
	first.Set("Contents", raw.Ref(4, 0))
	doc.Objects[raw.ObjectRef{Num: 3}] = first
	doc.Objects[raw.ObjectRef{Num: 4}] = raw.NewStream(raw.Dict(), []byte("1 0 0 rg 10 20 72 72 re f"))

	second := raw.Dict()
	second.Set("Type", raw.NameLiteral("Page"))
	second.Set("Parent", raw.Ref(2, 0))
	second.Set("Contents", raw.Ref(6, 0))
	doc.Objects[raw.ObjectRef{Num: 5}] = second
	doc.Objects[raw.ObjectRef{Num: 6}] = raw.NewStream(raw.Dict(), []byte("0.5 g 0 0 72 72 re f"))

	outline := raw.Dict()
	outline.Set("Dest", raw.NewArray(raw.Ref(3, 0), raw.NameLiteral("Fit")))
	doc.Objects[raw.ObjectRef{Num: 9}] = outline

	doc.Trailer.Set("Root", raw.Ref(1, 0))
	return doc
}

func TestRasterizeKeepsPageGeometry(t *testing.T) {
	doc := buildDoc()
	before, err := pagetree.Pages(doc)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}

	res, err := Rasterize(context.Background(), doc, Config{Quality: 60, Resolution: 36, DetectGray: true})
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	if res.Pages != 2 || res.ImageBytes == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	after, err := pagetree.Pages(doc)
	if err != nil {
		t.Fatalf("pages after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("page count changed: %d -> %d", len(before), len(after))
	}
	wantSpace := []string{"DeviceRGB", "DeviceGray"}
	for i, p := range after {
		if p.MediaBox != before[i].MediaBox {
			t.Fatalf("page %d media box %v, want %v", i, p.MediaBox, before[i].MediaBox)
		}
		if p.Rotate != before[i].Rotate {
			t.Fatalf("page %d rotate %d, want %d", i, p.Rotate, before[i].Rotate)
		}
		xobjs := pagetree.ResourceXObjects(doc, p.Resources)
		if len(xobjs) != 1 {
			t.Fatalf("page %d has %d xobjects", i, len(xobjs))
		}
		st, ok := doc.StreamOf(xobjs[imageName])
		if !ok {
			t.Fatalf("page %d: image missing", i)
		}
		if f, _ := st.Dict.Name("Filter"); f != "DCTDecode" {
			t.Fatalf("page %d filter %q", i, f)
		}
		if cs, _ := st.Dict.Name("ColorSpace"); cs != wantSpace[i] {
			t.Fatalf("page %d colour space %q, want %q", i, cs, wantSpace[i])
		}
		w, h := render.PixelSize(before[i].MediaBox, 36)
		if gw, _ := doc.IntOf(mustGet(t, st.Dict, "Width")); int(gw) != w {
			t.Fatalf("page %d width %d, want %d", i, gw, w)
		}
		if gh, _ := doc.IntOf(mustGet(t, st.Dict, "Height")); int(gh) != h {
			t.Fatalf("page %d height %d, want %d", i, gh, h)
		}
		content, err := p.Contents(context.Background(), doc, filters.NewDefaultPipeline(filters.Limits{}))
		if err != nil {
			t.Fatalf("contents: %v", err)
		}
		if !bytes.Contains(content, []byte("cm /Im0 Do")) {
			t.Fatalf("page %d content %q", i, content)
		}
	}
	if !bytes.Contains(mustContents(t, doc, after[0]), []byte("q 72 0 0 72 10 20 cm")) {
		t.Fatalf("image not placed at the media box origin")
	}

	catalog, _ := doc.Catalog()
	if _, ok := catalog.Get("Outlines"); ok {
		t.Fatalf("outline into the old pages should be removed")
	}
}

func TestRasterizedDocumentRoundTrips(t *testing.T) {
	doc := buildDoc()
	if _, err := Rasterize(context.Background(), doc, Config{Quality: 50, Resolution: 24}); err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	data, stats, err := writer.Save(context.Background(), doc, writer.Config{RemoveUnreferenced: true, CompressStreams: true})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if stats.Removed == 0 {
		t.Fatalf("old page objects should be collected")
	}
	back, err := parser.NewDocumentParser(parser.Config{}).Parse(context.Background(), data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	pages, err := pagetree.Pages(back)
	if err != nil || len(pages) != 2 {
		t.Fatalf("reparsed pages = %d, %v", len(pages), err)
	}
	if pages[0].MediaBox != (raw.Rect{LLX: 10, LLY: 20, URX: 82, URY: 92}) {
		t.Fatalf("media box lost: %v", pages[0].MediaBox)
	}
}

type failingRenderer struct{ failAt int }

func (f failingRenderer) RenderPage(ctx context.Context, doc *raw.Document, page *pagetree.Page, dpi float64) (*image.RGBA, error) {
	if page.Index == f.failAt {
		return nil, errors.New("boom")
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func TestRasterizeFailureLeavesDocument(t *testing.T) {
	doc := buildDoc()
	_, err := Rasterize(context.Background(), doc, Config{Quality: 50, Resolution: 72, Renderer: failingRenderer{failAt: 1}})
	var perr *PageError
	if !errors.As(err, &perr) || perr.Index != 1 {
		t.Fatalf("expected PageError for page 1, got %v", err)
	}
	catalog, _ := doc.Catalog()
	if ref, _ := catalog.Get("Pages"); ref != raw.Ref(2, 0) {
		t.Fatalf("page tree replaced despite failure: %v", ref)
	}
}

func TestRasterizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Rasterize(ctx, buildDoc(), Config{Quality: 50, Resolution: 72}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRasterizeRejectsBadResolution(t *testing.T) {
	if _, err := Rasterize(context.Background(), buildDoc(), Config{Quality: 50}); err == nil {
		t.Fatalf("expected error for zero resolution")
	}
}

func TestGrayscaleDetection(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	g, ok := grayscale(img)
	if !ok || g.GrayAt(2, 1).Y != 200 {
		t.Fatalf("neutral image not detected")
	}
	img.Pix[4] = 10
	if _, ok := grayscale(img); ok {
		t.Fatalf("coloured pixel missed")
	}
}

func mustGet(t *testing.T, d *raw.DictObj, key string) raw.Object {
	t.Helper()
	v, ok := d.Get(key)
	if !ok {
		t.Fatalf("missing /%s", key)
	}
	return v
}

func mustContents(t *testing.T, doc *raw.Document, p *pagetree.Page) []byte {
	t.Helper()
	data, err := p.Contents(context.Background(), doc, filters.NewDefaultPipeline(filters.Limits{}))
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	return data
}
