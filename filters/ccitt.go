package filters

import (
	"bytes"
	"context"

	"golang.org/x/image/ccitt"

	"github.com/wudi/pdfshrink/ir/raw"
)

type ccittDecoder struct{}

func (ccittDecoder) Name() string { return "CCITTFaxDecode" }
func NewCCITTFaxDecoder() Decoder { return ccittDecoder{} }

// Decode expands Group 3/4 fax data into packed 1-bit rows where 0 is black,
// the sample layout a DeviceGray image with BitsPerComponent 1 expects.
func (ccittDecoder) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	columns := intParam(params, "Columns", 1728)
	rows := intParam(params, "Rows", 0)
	k := intParam(params, "K", 0)

	sf := ccitt.Group3
	if k < 0 {
		sf = ccitt.Group4
	}
	if rows <= 0 {
		rows = ccitt.AutoDetectHeight
	}
	opts := &ccitt.Options{
		Invert: boolParam(params, "BlackIs1", false),
		Align:  boolParam(params, "EncodedByteAlign", false),
	}
	r := ccitt.NewReader(bytes.NewReader(in), ccitt.MSB, sf, columns, rows, opts)
	return readAllLimited(r)
}
