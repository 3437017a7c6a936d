package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// Encode writes buf as a baseline JPEG at quality (1-100). Single channel
// buffers produce a grayscale JPEG.
func (c *JPEGCodec) Encode(buf *PixelBuffer, quality int) (*Encoded, error) {
	if buf == nil || buf.Image == nil {
		return nil, fmt.Errorf("%w: empty buffer", ErrEncode)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("%w: quality %d out of range", ErrEncode, quality)
	}
	b := buf.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image %dx%d", ErrEncode, b.Dx(), b.Dy())
	}
	img := buf.Image
	cs := "DeviceRGB"
	if buf.Channels == 1 {
		cs = "DeviceGray"
		if _, ok := img.(*image.Gray); !ok {
			img = toGray(img)
		}
	} else {
		img = toRGBA(img)
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return &Encoded{
		Data:             out.Bytes(),
		Filter:           "DCTDecode",
		ColorSpace:       cs,
		BitsPerComponent: 8,
		Width:            b.Dx(),
		Height:           b.Dy(),
	}, nil
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
