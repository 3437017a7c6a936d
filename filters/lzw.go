package filters

import (
	"bytes"
	"context"

	"github.com/hhrutter/lzw"

	"github.com/wudi/pdfshrink/ir/raw"
)

type lzwDecoder struct{}

func (lzwDecoder) Name() string { return "LZWDecode" }
func NewLZWDecoder() Decoder    { return lzwDecoder{} }

// Decode honours /EarlyChange, which defaults to 1 in PDF.
func (lzwDecoder) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	early := intParam(params, "EarlyChange", 1) == 1
	r := lzw.NewReader(bytes.NewReader(in), early)
	defer r.Close()
	out, err := readAllLimited(r)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}
