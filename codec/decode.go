package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

func (c *JPEGCodec) Decode(ctx context.Context, doc *raw.Document, img *raw.StreamObj) (*PixelBuffer, error) {
	return c.DecodeImage(ctx, doc, nil, img.Dict, img.Data)
}

// DecodeImage decodes an image given its dictionary and encoded data.
// Inline image abbreviations are accepted; resources resolves named colour
// spaces used by inline images and may be nil.
func (c *JPEGCodec) DecodeImage(ctx context.Context, doc *raw.Document, resources *raw.DictObj, dict *raw.DictObj, data []byte) (*PixelBuffer, error) {
	get := func(long, short string) (raw.Object, bool) {
		if v, ok := dict.Get(long); ok {
			return doc.Resolve(v), true
		}
		if v, ok := dict.Get(short); ok {
			return doc.Resolve(v), true
		}
		return nil, false
	}
	if v, ok := get("ImageMask", "IM"); ok {
		if b, ok := v.(raw.BoolObj); ok && b.V {
			return nil, fmt.Errorf("%w: stencil mask", ErrUnsupported)
		}
	}
	width, height := 0, 0
	if v, ok := get("Width", "W"); ok {
		n, _ := raw.AsInt(v)
		width = int(n)
	}
	if v, ok := get("Height", "H"); ok {
		n, _ := raw.AsInt(v)
		height = int(n)
	}
	if err := filters.ValidateImageBounds(width, height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	specs := filters.ExtractFilters(dict, doc)
	decoded, rest, err := c.pipeline.DecodeUntilImage(ctx, data, specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	csObj, _ := get("ColorSpace", "CS")
	cs, err := resolveColorSpace(doc, resources, csObj, nil)
	if err != nil {
		return nil, err
	}
	var decodeArr []float64
	if v, ok := get("Decode", "D"); ok {
		if arr, ok := v.(*raw.ArrayObj); ok {
			for _, it := range arr.Items {
				f, _ := doc.FloatOf(it)
				decodeArr = append(decodeArr, f)
			}
		}
	}

	if len(rest) > 0 {
		if rest[0].Name != "DCTDecode" || len(rest) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, rest[0].Name)
		}
		return decodeJPEG(decoded, cs, decodeArr)
	}

	bpc := 8
	if v, ok := get("BitsPerComponent", "BPC"); ok {
		n, _ := raw.AsInt(v)
		bpc = int(n)
	}
	if cs == nil {
		return nil, fmt.Errorf("%w: missing colour space", ErrUnsupported)
	}
	switch bpc {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("%w: %d bits per component", ErrUnsupported, bpc)
	}
	return decodeSamples(decoded, width, height, bpc, cs, decodeArr)
}

func decodeJPEG(data []byte, cs *colorSpace, decodeArr []float64) (*PixelBuffer, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: DCTDecode: %v", ErrUnsupported, err)
	}
	family := "DeviceRGB"
	if cs != nil {
		family = cs.family
	}
	switch src := img.(type) {
	case *image.Gray:
		remap(src.Pix, 1, 1, decodeArr)
		return &PixelBuffer{Image: src, Channels: 1, Family: family, Lossy: true}, nil
	case *image.CMYK:
		remap(src.Pix, 4, 4, decodeArr)
		return &PixelBuffer{Image: cmykToRGBA(src, cs), Channels: 3, Family: family, Lossy: true}, nil
	}
	rgba := toRGBA(img)
	remap(rgba.Pix, 4, 3, decodeArr)
	return &PixelBuffer{Image: rgba, Channels: 3, Family: family, Lossy: true}, nil
}

// remap applies a /Decode array to interleaved 8-bit samples: component i
// of every pixel maps [0,255] onto [d[2i], d[2i+1]]. Missing or identity
// ranges leave the samples alone.
func remap(pix []byte, stride, comps int, decodeArr []float64) {
	if len(decodeArr) < 2*comps {
		return
	}
	var luts [4]*[256]uint8
	changed := false
	for i := 0; i < comps; i++ {
		lo, hi := decodeArr[2*i], decodeArr[2*i+1]
		if lo == 0 && hi == 1 {
			continue
		}
		var lut [256]uint8
		for v := range lut {
			lut[v] = clamp8(lo + float64(v)/255*(hi-lo))
		}
		luts[i] = &lut
		changed = true
	}
	if !changed {
		return
	}
	for o := 0; o+comps <= len(pix); o += stride {
		for i := 0; i < comps; i++ {
			if luts[i] != nil {
				pix[o+i] = luts[i][pix[o+i]]
			}
		}
	}
}

// sampleReader walks packed samples of a row.
type sampleReader struct {
	row []byte
	bpc int
	bit int
}

func (r *sampleReader) next() uint32 {
	switch r.bpc {
	case 8:
		v := uint32(r.row[r.bit>>3])
		r.bit += 8
		return v
	case 16:
		i := r.bit >> 3
		v := uint32(r.row[i])<<8 | uint32(r.row[i+1])
		r.bit += 16
		return v
	}
	b := r.row[r.bit>>3]
	shift := 8 - r.bpc - (r.bit & 7)
	r.bit += r.bpc
	return uint32(b>>uint(shift)) & (1<<uint(r.bpc) - 1)
}

func decodeSamples(data []byte, width, height, bpc int, cs *colorSpace, decodeArr []float64) (*PixelBuffer, error) {
	comps := cs.components
	stride := (width*comps*bpc + 7) / 8
	if len(data) < stride*height {
		return nil, fmt.Errorf("%w: image data truncated (%d of %d bytes)", ErrUnsupported, len(data), stride*height)
	}
	maxVal := float64(uint32(1)<<uint(bpc) - 1)
	ranges := make([][2]float64, comps)
	for i := range ranges {
		if cs.indexed {
			ranges[i] = [2]float64{0, maxVal}
		} else {
			ranges[i] = [2]float64{0, 1}
		}
		if len(decodeArr) >= 2*(i+1) {
			ranges[i] = [2]float64{decodeArr[2*i], decodeArr[2*i+1]}
		}
	}

	outChannels := cs.outChannels()
	var gray *image.Gray
	var rgba *image.RGBA
	bounds := image.Rect(0, 0, width, height)
	if outChannels == 1 {
		gray = image.NewGray(bounds)
	} else {
		rgba = image.NewRGBA(bounds)
	}
	vals := make([]float64, comps)
	for y := 0; y < height; y++ {
		r := sampleReader{row: data[y*stride : (y+1)*stride], bpc: bpc}
		for x := 0; x < width; x++ {
			for i := 0; i < comps; i++ {
				s := float64(r.next()) / maxVal
				vals[i] = ranges[i][0] + s*(ranges[i][1]-ranges[i][0])
			}
			cr, cg, cb := cs.toRGB(vals)
			if gray != nil {
				gray.Pix[y*gray.Stride+x] = cr
				continue
			}
			o := y*rgba.Stride + x*4
			rgba.Pix[o], rgba.Pix[o+1], rgba.Pix[o+2], rgba.Pix[o+3] = cr, cg, cb, 0xff
		}
	}
	buf := &PixelBuffer{Channels: outChannels, Family: cs.family}
	if gray != nil {
		buf.Image = gray
	} else {
		buf.Image = rgba
	}
	return buf, nil
}
