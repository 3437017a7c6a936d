package filters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wudi/pdfshrink/ir/raw"
)

// Decoder reverses a single stream filter.
type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error)
}

// Spec is one entry of a stream's filter chain.
type Spec struct {
	Name   string
	Params *raw.DictObj
}

// UnsupportedError reports a filter without a registered decoder.
type UnsupportedError struct {
	Filter string
}

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

// ErrLimit is returned when decoded output grows beyond Limits.
var ErrLimit = errors.New("decompressed size exceeds limit")

type Limits struct {
	MaxDecompressedSize int64
	MaxDecodeTime       time.Duration
}

type Pipeline struct {
	decoders map[string]Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	p := &Pipeline{decoders: make(map[string]Decoder, len(decoders)), limits: limits}
	for _, d := range decoders {
		p.decoders[d.Name()] = d
	}
	return p
}

// NewDefaultPipeline registers every lossless decoder plus CCITTFax.
func NewDefaultPipeline(limits Limits) *Pipeline {
	return NewPipeline([]Decoder{
		NewFlateDecoder(),
		NewLZWDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewRunLengthDecoder(),
		NewCCITTFaxDecoder(),
	}, limits)
}

// abbreviations permitted for inline images.
var abbreviations = map[string]string{
	"Fl":  "FlateDecode",
	"LZW": "LZWDecode",
	"A85": "ASCII85Decode",
	"AHx": "ASCIIHexDecode",
	"RL":  "RunLengthDecode",
	"CCF": "CCITTFaxDecode",
	"DCT": "DCTDecode",
}

// Canonical expands inline image filter abbreviations.
func Canonical(name string) string {
	if full, ok := abbreviations[name]; ok {
		return full
	}
	return name
}

// IsImageCodec reports whether the filter is an image codec whose output is
// not further decoded by the pipeline.
func IsImageCodec(name string) bool {
	switch Canonical(name) {
	case "DCTDecode", "JPXDecode", "JBIG2Decode":
		return true
	}
	return false
}

// Decode applies every filter in order.
func (p *Pipeline) Decode(ctx context.Context, input []byte, specs []Spec) ([]byte, error) {
	data, rest, err := p.DecodeUntilImage(ctx, input, specs)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, UnsupportedError{Filter: rest[0].Name}
	}
	return data, nil
}

// DecodeUntilImage applies the lossless prefix of the chain and stops at
// the first image codec, returning it and anything after it.
func (p *Pipeline) DecodeUntilImage(ctx context.Context, input []byte, specs []Spec) ([]byte, []Spec, error) {
	if p.limits.MaxDecodeTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxDecodeTime)
		defer cancel()
	}
	data := input
	for i, spec := range specs {
		name := Canonical(spec.Name)
		if IsImageCodec(name) {
			return data, specs[i:], nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		dec, ok := p.decoders[name]
		if !ok {
			return nil, nil, UnsupportedError{Filter: name}
		}
		out, err := dec.Decode(ctx, data, spec.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, nil, ErrLimit
		}
		data = out
	}
	return data, nil, nil
}

// readAllLimited drains a decoder reader; a truncated stream keeps what was
// produced before the error when anything was produced at all.
func readAllLimited(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	var out bytes.Buffer
	_, err := out.ReadFrom(r)
	if err != nil && out.Len() == 0 {
		return nil, err
	}
	return out.Bytes(), nil
}
