package filters

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"

	"github.com/wudi/pdfshrink/ir/raw"
)

type flateDecoder struct{}

func (flateDecoder) Name() string { return "FlateDecode" }
func NewFlateDecoder() Decoder    { return flateDecoder{} }

// Decode inflates zlib data, falling back to a bare deflate stream for
// writers that omit the zlib header, then undoes any predictor.
func (flateDecoder) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	var out []byte
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err == nil {
		out, err = readAllLimited(zr)
		zr.Close()
	}
	if err != nil {
		fr := flate.NewReader(bytes.NewReader(in))
		defer fr.Close()
		var ferr error
		if out, ferr = readAllLimited(fr); ferr != nil {
			return nil, err
		}
	}
	return applyPredictor(out, params)
}

// FlateEncode compresses data as a zlib stream suitable for /FlateDecode.
// Level 0 selects the default compression.
func FlateEncode(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
