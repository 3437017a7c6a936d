package filters

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"errors"
	"testing"

	"github.com/hhrutter/lzw"

	"github.com/wudi/pdfshrink/ir/raw"
)

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func predictorParams(predictor, colors, columns int) *raw.DictObj {
	params := raw.Dict()
	params.Set("Predictor", raw.NumberInt(int64(predictor)))
	params.Set("Colors", raw.NumberInt(int64(colors)))
	params.Set("BitsPerComponent", raw.NumberInt(8))
	params.Set("Columns", raw.NumberInt(int64(columns)))
	return params
}

func TestFlateDecode(t *testing.T) {
	out, err := NewFlateDecoder().Decode(context.Background(), zlibBytes(t, []byte("hello world")), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFlateDecodeRawDeflate(t *testing.T) {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestSpeed)
	w.Write([]byte("no zlib header"))
	w.Close()
	out, err := NewFlateDecoder().Decode(context.Background(), buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "no zlib header" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFlateEncodeRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 100)
	enc, err := FlateEncode(data, zlib.BestCompression)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) >= len(data) {
		t.Fatalf("expected compression, got %d bytes", len(enc))
	}
	out, err := NewFlateDecoder().Decode(context.Background(), enc, nil)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestPNGPredictors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"sub", []byte{1, 10, 12, 20}, []byte{10, 22, 42}},
		{"up", []byte{0, 1, 2, 3, 2, 1, 1, 1}, []byte{1, 2, 3, 2, 3, 4}},
		{"average", []byte{0, 10, 20, 30, 3, 5, 0, 0}, []byte{10, 20, 30, 10, 15, 22}},
		{"paeth", []byte{0, 10, 20, 30, 4, 1, 1, 1}, []byte{10, 20, 30, 11, 21, 31}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := NewFlateDecoder().Decode(context.Background(), zlibBytes(t, tc.in), predictorParams(12, 1, 3))
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if !bytes.Equal(out, tc.want) {
				t.Fatalf("predictor output mismatch: got %v want %v", out, tc.want)
			}
		})
	}
}

func TestTIFFPredictor(t *testing.T) {
	out, err := NewFlateDecoder().Decode(context.Background(), zlibBytes(t, []byte{5, 1, 1}), predictorParams(2, 1, 3))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, []byte{5, 6, 7}) {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestLZWDecode(t *testing.T) {
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, true)
	input := []byte("hello hello hello hello")
	w.Write(input)
	w.Close()

	out, err := NewLZWDecoder().Decode(context.Background(), buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRunLengthDecode(t *testing.T) {
	data := []byte{2, 'h', 'i', '!', 255, 'A', 128}
	out, err := NewRunLengthDecoder().Decode(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hi!AA" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestASCII85Decode(t *testing.T) {
	out, err := NewASCII85Decoder().Decode(context.Background(), []byte("<~87cURD_*#4DfTZ)+T~>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "Hello, World!" {
		t.Fatalf("unexpected output: %q", out)
	}
	out, err = NewASCII85Decoder().Decode(context.Background(), []byte("zz~>"), nil)
	if err != nil || len(out) != 8 {
		t.Fatalf("expected 8 zero bytes, got %v (%v)", out, err)
	}
}

func TestASCIIHexDecode(t *testing.T) {
	out, err := NewASCIIHexDecoder().Decode(context.Background(), []byte("68 65 6c\n6c 6f 2>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello " {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := NewASCIIHexDecoder().Decode(context.Background(), []byte("zz>"), nil); err == nil {
		t.Fatalf("expected invalid digit error")
	}
}

func TestPipelineChainsFilters(t *testing.T) {
	var hexed bytes.Buffer
	for _, b := range zlibBytes(t, []byte("chained")) {
		hexed.WriteString(string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&15]))
	}
	hexed.WriteByte('>')
	p := NewDefaultPipeline(Limits{})
	out, err := p.Decode(context.Background(), hexed.Bytes(), []Spec{{Name: "AHx"}, {Name: "FlateDecode"}})
	if err != nil {
		t.Fatalf("pipeline decode error: %v", err)
	}
	if string(out) != "chained" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPipelineStopsAtImageCodec(t *testing.T) {
	p := NewDefaultPipeline(Limits{})
	jpegish := []byte{0xFF, 0xD8, 0xFF}
	data, rest, err := p.DecodeUntilImage(context.Background(), zlibBytes(t, jpegish), []Spec{{Name: "FlateDecode"}, {Name: "DCTDecode"}})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(data, jpegish) || len(rest) != 1 || rest[0].Name != "DCTDecode" {
		t.Fatalf("unexpected result data=%v rest=%v", data, rest)
	}
	if _, err := p.Decode(context.Background(), jpegish, []Spec{{Name: "DCTDecode"}}); err == nil {
		t.Fatalf("full decode through an image codec should fail")
	}
}

func TestUnsupportedFilters(t *testing.T) {
	p := NewDefaultPipeline(Limits{})
	_, err := p.Decode(context.Background(), []byte{0x00}, []Spec{{Name: "Crypt"}})
	var ue UnsupportedError
	if err == nil || !errors.As(err, &ue) || ue.Filter != "Crypt" {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestPipelineLimit(t *testing.T) {
	p := NewDefaultPipeline(Limits{MaxDecompressedSize: 10})
	_, err := p.Decode(context.Background(), zlibBytes(t, bytes.Repeat([]byte{'a'}, 100)), []Spec{{Name: "FlateDecode"}})
	if !errors.Is(err, ErrLimit) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestExtractFilters(t *testing.T) {
	doc := raw.NewDocument("")
	parms := raw.Dict()
	parms.Set("Predictor", raw.NumberInt(12))
	doc.Objects[raw.ObjectRef{Num: 5}] = parms

	dict := raw.Dict()
	dict.Set("Filter", raw.NewArray(raw.NameLiteral("ASCII85Decode"), raw.NameLiteral("FlateDecode")))
	dict.Set("DecodeParms", raw.NewArray(raw.NullObj{}, raw.Ref(5, 0)))

	specs := ExtractFilters(dict, doc)
	if len(specs) != 2 || specs[0].Name != "ASCII85Decode" || specs[1].Name != "FlateDecode" {
		t.Fatalf("unexpected specs %+v", specs)
	}
	if specs[0].Params != nil || specs[1].Params != parms {
		t.Fatalf("unexpected params %+v", specs)
	}

	inline := raw.Dict()
	inline.Set("F", raw.NameLiteral("Fl"))
	if specs := ExtractFilters(inline, nil); len(specs) != 1 || specs[0].Name != "FlateDecode" {
		t.Fatalf("inline abbreviation not expanded: %+v", specs)
	}
}
