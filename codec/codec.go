// Package codec converts image XObjects to pixel buffers and encodes pixel
// buffers as JPEG streams.
package codec

import (
	"context"
	"errors"
	"image"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

var (
	// ErrUnsupported marks images whose filter, colour space or layout
	// cannot be decoded. The image should be left untouched.
	ErrUnsupported = errors.New("unsupported image")
	// ErrEncode marks buffers the encoder rejected.
	ErrEncode = errors.New("image encode failed")
)

// PixelBuffer is a decoded raster. Image is *image.Gray for one channel
// sources and *image.RGBA otherwise; alpha is never carried.
type PixelBuffer struct {
	Image    image.Image
	Channels int
	// Family is the source colour space family (DeviceRGB, ICCBased, ...).
	Family string
	// Lossy reports that the source was already DCT encoded.
	Lossy bool
}

func (p *PixelBuffer) Width() int  { return p.Image.Bounds().Dx() }
func (p *PixelBuffer) Height() int { return p.Image.Bounds().Dy() }

// Encoded is a ready to store image stream.
type Encoded struct {
	Data             []byte
	Filter           string
	ColorSpace       string
	BitsPerComponent int
	Width, Height    int
}

// ImageCodec is the swappable decode/encode capability used by the
// re-encoder and the rasterizer.
type ImageCodec interface {
	Decode(ctx context.Context, doc *raw.Document, img *raw.StreamObj) (*PixelBuffer, error)
	Encode(buf *PixelBuffer, quality int) (*Encoded, error)
}

// JPEGCodec decodes every raster layout the filters package understands
// and encodes baseline JPEG.
type JPEGCodec struct {
	pipeline *filters.Pipeline
}

func New(limits filters.Limits) *JPEGCodec {
	return &JPEGCodec{pipeline: filters.NewDefaultPipeline(limits)}
}

// Default is the codec used when none is configured.
var Default ImageCodec = New(filters.Limits{})
