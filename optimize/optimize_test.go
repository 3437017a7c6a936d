package optimize

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

func noisyRGBData(w, h int) []byte {
	data := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte((x*31 + y*17 + (x*y)%7) & 0xff)
			data = append(data, v, byte(x), byte(y))
		}
	}
	return data
}

func gradientGray(w, h int) []byte {
	data := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data = append(data, byte((x+y)%256))
		}
	}
	return data
}

func grayImage(w, h int) *image.Gray {
	return &image.Gray{Pix: gradientGray(w, h), Stride: w, Rect: image.Rect(0, 0, w, h)}
}

func imageDict(w, h int, cs string) *raw.DictObj {
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("XObject"))
	d.Set("Subtype", raw.NameLiteral("Image"))
	d.Set("Width", raw.NumberInt(int64(w)))
	d.Set("Height", raw.NumberInt(int64(h)))
	d.Set("ColorSpace", raw.NameLiteral(cs))
	d.Set("BitsPerComponent", raw.NumberInt(8))
	return d
}

// buildImageDoc returns a one page document:
//
//	4: 400x400 RGB image drawn at 100x100pt, with soft mask 8
//	6: truncated RGB image
//	7: form drawing image 9 at 200x100pt
func buildImageDoc() *raw.Document {
	doc := raw.NewDocument("1.7")

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.Ref(2, 0))
	doc.Objects[raw.ObjectRef{Num: 1}] = catalog

	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(raw.Ref(3, 0)))
	pages.Set("Count", raw.NumberInt(1))
	doc.Objects[raw.ObjectRef{Num: 2}] = pages

	xobjects := raw.Dict()
	xobjects.Set("Im1", raw.Ref(4, 0))
	xobjects.Set("Im2", raw.Ref(6, 0))
	xobjects.Set("Fm1", raw.Ref(7, 0))
	resources := raw.Dict()
	resources.Set("XObject", xobjects)
	page := raw.Dict()
	page.Set("Type", raw.NameLiteral("Page"))
	page.Set("Parent", raw.Ref(2, 0))
	page.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(300), raw.NumberInt(300)))
	page.Set("Resources", resources)
	page.Set("Contents", raw.Ref(5, 0))
	doc.Objects[raw.ObjectRef{Num: 3}] = page

	im1 := imageDict(400, 400, "DeviceRGB")
	im1.Set("SMask", raw.Ref(8, 0))
	doc.Objects[raw.ObjectRef{Num: 4}] = raw.NewStream(im1, noisyRGBData(400, 400))

	content := "q 100 0 0 100 0 0 cm /Im1 Do Q q 50 0 0 50 100 100 cm /Im2 Do Q /Fm1 Do"
	doc.Objects[raw.ObjectRef{Num: 5}] = raw.NewStream(raw.Dict(), []byte(content))

	doc.Objects[raw.ObjectRef{Num: 6}] = raw.NewStream(imageDict(10, 10, "DeviceRGB"), []byte("short"))

	formRes := raw.Dict()
	formX := raw.Dict()
	formX.Set("Im4", raw.Ref(9, 0))
	formRes.Set("XObject", formX)
	form := raw.Dict()
	form.Set("Type", raw.NameLiteral("XObject"))
	form.Set("Subtype", raw.NameLiteral("Form"))
	form.Set("BBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(300), raw.NumberInt(300)))
	form.Set("Resources", formRes)
	doc.Objects[raw.ObjectRef{Num: 7}] = raw.NewStream(form, []byte("q 200 0 0 100 0 200 cm /Im4 Do Q"))

	mask := imageDict(400, 400, "DeviceGray")
	doc.Objects[raw.ObjectRef{Num: 8}] = raw.NewStream(mask, gradientGray(400, 400))

	doc.Objects[raw.ObjectRef{Num: 9}] = raw.NewStream(imageDict(128, 64, "DeviceGray"), gradientGray(128, 64))

	doc.Trailer.Set("Root", raw.Ref(1, 0))
	return doc
}

func defaultConfig() Config {
	return Config{Quality: 70, Resolution: 72, Policy: DefaultPolicy()}
}

func TestOptimizeReencodesAndIsolatesFailures(t *testing.T) {
	doc := buildImageDoc()
	page := doc.Objects[raw.ObjectRef{Num: 3}]
	mask := doc.Objects[raw.ObjectRef{Num: 8}]

	res, err := New(defaultConfig()).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Images != 3 {
		t.Fatalf("expected 3 candidate images, got %d", res.Images)
	}
	if res.Reencoded != 2 || res.Downsampled != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Ref != (raw.ObjectRef{Num: 6}) {
		t.Fatalf("expected one failure for object 6, got %+v", res.Failures)
	}
	if !errors.Is(res.Failures[0], codec.ErrUnsupported) {
		t.Fatalf("failure should wrap ErrUnsupported: %v", res.Failures[0])
	}

	im1 := doc.Objects[raw.ObjectRef{Num: 4}].(*raw.StreamObj)
	if f, _ := im1.Dict.Name("Filter"); f != "DCTDecode" {
		t.Fatalf("image 4 filter = %q", f)
	}
	if w, _ := raw.AsInt(valueOf(im1.Dict, "Width")); w != 100 {
		t.Fatalf("image 4 should be resampled to 100px, got %d", w)
	}
	if ref, ok := valueOf(im1.Dict, "SMask").(raw.RefObj); !ok || ref.R.Num != 8 {
		t.Fatalf("soft mask reference lost")
	}

	im4 := doc.Objects[raw.ObjectRef{Num: 9}].(*raw.StreamObj)
	if cs, _ := im4.Dict.Name("ColorSpace"); cs != "DeviceGray" {
		t.Fatalf("gray image should stay gray, got %q", cs)
	}
	if w, _ := raw.AsInt(valueOf(im4.Dict, "Width")); w != 128 {
		t.Fatalf("image 9 is within resolution and should keep its width, got %d", w)
	}

	if doc.Objects[raw.ObjectRef{Num: 3}] != page {
		t.Fatalf("page object replaced")
	}
	if doc.Objects[raw.ObjectRef{Num: 8}] != mask {
		t.Fatalf("soft mask should be untouched")
	}
	if doc.Objects[raw.ObjectRef{Num: 6}].(*raw.StreamObj).Dict.Len() != 6 {
		t.Fatalf("failed image modified")
	}
	if res.BytesAfter >= res.BytesBefore {
		t.Fatalf("expected savings: %d -> %d", res.BytesBefore, res.BytesAfter)
	}
}

func TestOptimizeKeepIfLarger(t *testing.T) {
	doc := buildImageDoc()
	tiny := raw.NewStream(imageDict(2, 2, "DeviceGray"), []byte{0, 255, 255, 0})
	doc.Objects[raw.ObjectRef{Num: 9}] = tiny

	res, err := New(defaultConfig()).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Kept != 1 {
		t.Fatalf("expected tiny image kept, got %+v", res)
	}
	if doc.Objects[raw.ObjectRef{Num: 9}] != tiny {
		t.Fatalf("tiny image replaced")
	}

	doc = buildImageDoc()
	tiny = raw.NewStream(imageDict(2, 2, "DeviceGray"), []byte{0, 255, 255, 0})
	doc.Objects[raw.ObjectRef{Num: 9}] = tiny
	cfg := defaultConfig()
	cfg.Policy.KeepIfLarger = false
	if _, err := New(cfg).Optimize(context.Background(), doc); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if doc.Objects[raw.ObjectRef{Num: 9}] == tiny {
		t.Fatalf("without KeepIfLarger the image should be replaced")
	}
}

func TestOptimizeSkipsJPEGWithoutRecompress(t *testing.T) {
	doc := buildImageDoc()
	enc, err := codec.Default.Encode(&codec.PixelBuffer{Image: grayImage(128, 64), Channels: 1}, 95)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := imageDict(128, 64, "DeviceGray")
	d.Set("Filter", raw.NameLiteral("DCTDecode"))
	jpg := raw.NewStream(d, enc.Data)
	doc.Objects[raw.ObjectRef{Num: 9}] = jpg

	cfg := defaultConfig()
	cfg.Policy.RecompressJPEG = false
	if _, err := New(cfg).Optimize(context.Background(), doc); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if doc.Objects[raw.ObjectRef{Num: 9}] != jpg {
		t.Fatalf("JPEG within resolution should be untouched")
	}

	cfg.Policy.RecompressJPEG = true
	cfg.Quality = 20
	if _, err := New(cfg).Optimize(context.Background(), doc); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if doc.Objects[raw.ObjectRef{Num: 9}] == jpg {
		t.Fatalf("JPEG should be recompressed at quality 20")
	}
}

func TestOptimizeKeepsDecodedAppearanceOfJPEG(t *testing.T) {
	doc := buildImageDoc()
	dark := &image.Gray{Pix: bytes.Repeat([]byte{20}, 128*64), Stride: 128, Rect: image.Rect(0, 0, 128, 64)}
	enc, err := codec.Default.Encode(&codec.PixelBuffer{Image: dark, Channels: 1}, 95)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := imageDict(128, 64, "DeviceGray")
	d.Set("Filter", raw.NameLiteral("DCTDecode"))
	d.Set("Decode", raw.NewArray(raw.NumberInt(1), raw.NumberInt(0)))
	doc.Objects[raw.ObjectRef{Num: 9}] = raw.NewStream(d, enc.Data)

	cfg := defaultConfig()
	cfg.Policy.RecompressJPEG = true
	cfg.Policy.KeepIfLarger = false
	res, err := New(cfg).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Reencoded == 0 {
		t.Fatalf("nothing re-encoded: %+v", res)
	}
	out := doc.Objects[raw.ObjectRef{Num: 9}].(*raw.StreamObj)
	if _, ok := out.Dict.Get("Decode"); ok {
		t.Fatalf("Decode should be folded into the samples")
	}
	buf, err := codec.Default.Decode(context.Background(), doc, out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v := buf.Image.(*image.Gray).GrayAt(10, 10).Y; v < 225 {
		t.Fatalf("sample %d: image rendered inverted, want about 235", v)
	}
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(defaultConfig()).Optimize(ctx, buildImageDoc()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRecompressStreams(t *testing.T) {
	doc := buildImageDoc()
	content := bytes.Repeat([]byte("0 0 m 10 10 l S "), 50)
	hex := make([]byte, 0, len(content)*2+1)
	for _, b := range content {
		hex = append(hex, "0123456789ABCDEF"[b>>4], "0123456789ABCDEF"[b&0xf])
	}
	hex = append(hex, '>')
	d := raw.Dict()
	d.Set("Filter", raw.NameLiteral("ASCIIHexDecode"))
	doc.Objects[raw.ObjectRef{Num: 5}] = raw.NewStream(d, hex)

	cfg := defaultConfig()
	cfg.RecompressStreams = true
	res, err := New(cfg).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Streams != 1 {
		t.Fatalf("expected one recompressed stream, got %d", res.Streams)
	}
	st := doc.Objects[raw.ObjectRef{Num: 5}].(*raw.StreamObj)
	if f, _ := st.Dict.Name("Filter"); f != "FlateDecode" {
		t.Fatalf("filter = %q", f)
	}
	out, err := filters.NewDefaultPipeline(filters.Limits{}).Decode(context.Background(), st.Data, filters.ExtractFilters(st.Dict, doc))
	if err != nil || !bytes.Equal(out, content) {
		t.Fatalf("recompressed stream does not round trip: %v", err)
	}
}

func TestNeedsRecode(t *testing.T) {
	tests := []struct {
		names []string
		want  bool
	}{
		{nil, false},
		{[]string{"FlateDecode"}, false},
		{[]string{"LZWDecode"}, true},
		{[]string{"ASCII85Decode", "FlateDecode"}, true},
		{[]string{"ASCIIHexDecode", "DCTDecode"}, false},
		{[]string{"JBIG2Decode"}, false},
	}
	for _, tt := range tests {
		var specs []filters.Spec
		for _, n := range tt.names {
			specs = append(specs, filters.Spec{Name: n})
		}
		if got := needsRecode(specs); got != tt.want {
			t.Errorf("needsRecode(%v) = %v, want %v", tt.names, got, tt.want)
		}
	}
}

func TestTargetSize(t *testing.T) {
	o := New(Config{Resolution: 150})
	tests := []struct {
		w, h   int
		usage  imageUsage
		tw, th int
		resize bool
	}{
		{2000, 3000, imageUsage{288, 432}, 600, 900, true},
		{600, 900, imageUsage{288, 432}, 600, 900, false},
		{700, 1000, imageUsage{288, 432}, 700, 1000, false},
		{2000, 3000, imageUsage{}, 2000, 3000, false},
	}
	for _, tt := range tests {
		tw, th, resize := o.targetSize(tt.w, tt.h, tt.usage)
		if tw != tt.tw || th != tt.th || resize != tt.resize {
			t.Errorf("targetSize(%d,%d,%v) = %d,%d,%v", tt.w, tt.h, tt.usage, tw, th, resize)
		}
	}
}
