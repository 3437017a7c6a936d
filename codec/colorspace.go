package codec

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfshrink/cmm"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

// colorSpace is the decode-side view of a PDF colour space.
type colorSpace struct {
	family     string
	components int
	base       *colorSpace
	indexed    bool
	palette    []byte
	hival      int
	// icc converts 3 and 4 component ICCBased samples; nil uses the
	// device formulas.
	icc   *cmm.Transform
	cache map[uint32][3]uint8
}

func (cs *colorSpace) outChannels() int {
	if cs.indexed {
		return cs.base.outChannels()
	}
	if cs.components == 1 {
		return 1
	}
	return 3
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// toRGB maps component values in [0,1] (indices for Indexed) to 8-bit
// RGB. Gray results repeat the value in all three channels. CMYK without a
// usable embedded profile uses the naive complement formula.
func (cs *colorSpace) toRGB(v []float64) (uint8, uint8, uint8) {
	if cs.indexed {
		idx := int(v[0] + 0.5)
		if idx < 0 {
			idx = 0
		}
		if idx > cs.hival {
			idx = cs.hival
		}
		n := cs.base.components
		vals := make([]float64, n)
		for i := 0; i < n; i++ {
			o := idx*n + i
			if o < len(cs.palette) {
				vals[i] = float64(cs.palette[o]) / 255
			}
		}
		return cs.base.toRGB(vals)
	}
	if cs.icc != nil {
		return cs.profileRGB(v)
	}
	switch cs.components {
	case 1:
		g := clamp8(v[0])
		return g, g, g
	case 3:
		return clamp8(v[0]), clamp8(v[1]), clamp8(v[2])
	case 4:
		k := 1 - v[3]
		return clamp8((1 - v[0]) * k), clamp8((1 - v[1]) * k), clamp8((1 - v[2]) * k)
	}
	return 0, 0, 0
}

// maxCachedColours bounds the per-image memo of profile conversions.
const maxCachedColours = 1 << 16

func (cs *colorSpace) profileRGB(v []float64) (uint8, uint8, uint8) {
	var key uint32
	for i := 0; i < cs.components; i++ {
		key = key<<8 | uint32(clamp8(v[i]))
	}
	if c, ok := cs.cache[key]; ok {
		return c[0], c[1], c[2]
	}
	r, g, b := cs.icc.RGB(v)
	c := [3]uint8{clamp8(r), clamp8(g), clamp8(b)}
	if cs.cache == nil {
		cs.cache = make(map[uint32][3]uint8)
	}
	if len(cs.cache) < maxCachedColours {
		cs.cache[key] = c
	}
	return c[0], c[1], c[2]
}

var profilePipeline = filters.NewDefaultPipeline(filters.Limits{MaxDecompressedSize: 8 << 20})

// ProfileCache memoises the sRGB transforms of ICCBased streams while one
// document is being drawn. A nil cache parses the profile on every use.
type ProfileCache struct {
	mu sync.Mutex
	m  map[*raw.StreamObj]*cmm.Transform
}

func NewProfileCache() *ProfileCache {
	return &ProfileCache{m: make(map[*raw.StreamObj]*cmm.Transform)}
}

// transform returns the sRGB transform of an ICCBased stream, or nil when
// cmm cannot evaluate the profile.
func (p *ProfileCache) transform(doc *raw.Document, stream *raw.StreamObj, comps int) *cmm.Transform {
	if p != nil {
		p.mu.Lock()
		t, seen := p.m[stream]
		p.mu.Unlock()
		if seen {
			return t
		}
	}
	var t *cmm.Transform
	data, err := profilePipeline.Decode(context.Background(), stream.Data, filters.ExtractFilters(stream.Dict, doc))
	if err == nil {
		var prof *cmm.Profile
		if prof, err = cmm.Parse(data); err == nil {
			t, err = cmm.NewSRGB(prof)
		}
	}
	if err != nil || t.Channels() != comps {
		t = nil
	}
	if p != nil {
		p.mu.Lock()
		p.m[stream] = t
		p.mu.Unlock()
	}
	return t
}

var inlineNames = map[string]string{
	"G":    "DeviceGray",
	"RGB":  "DeviceRGB",
	"CMYK": "DeviceCMYK",
	"I":    "Indexed",
}

func resolveColorSpace(doc *raw.Document, resources *raw.DictObj, obj raw.Object, profiles *ProfileCache) (*colorSpace, error) {
	return resolveCS(doc, resources, obj, 0, profiles)
}

func resolveCS(doc *raw.Document, resources *raw.DictObj, obj raw.Object, depth int, profiles *ProfileCache) (*colorSpace, error) {
	if obj == nil {
		return nil, nil
	}
	if depth > 4 {
		return nil, fmt.Errorf("%w: colour space nesting too deep", ErrUnsupported)
	}
	obj = doc.Resolve(obj)
	if name, ok := raw.AsName(obj); ok {
		if long, ok := inlineNames[name]; ok {
			name = long
		}
		switch name {
		case "DeviceGray", "CalGray":
			return &colorSpace{family: name, components: 1}, nil
		case "DeviceRGB", "CalRGB":
			return &colorSpace{family: name, components: 3}, nil
		case "DeviceCMYK":
			return &colorSpace{family: name, components: 4}, nil
		}
		if resources != nil {
			if csRes, ok := resources.Get("ColorSpace"); ok {
				if d, ok := doc.DictOf(csRes); ok {
					if named, ok := d.Get(name); ok {
						return resolveCS(doc, resources, named, depth+1, profiles)
					}
				}
			}
		}
		return nil, fmt.Errorf("%w: colour space %s", ErrUnsupported, name)
	}
	arr, ok := obj.(*raw.ArrayObj)
	if !ok || arr.Len() == 0 {
		return nil, fmt.Errorf("%w: malformed colour space", ErrUnsupported)
	}
	family, _ := doc.NameOf(arr.Items[0])
	if long, ok := inlineNames[family]; ok {
		family = long
	}
	switch family {
	case "CalGray":
		return &colorSpace{family: family, components: 1}, nil
	case "CalRGB":
		return &colorSpace{family: family, components: 3}, nil
	case "ICCBased":
		if arr.Len() < 2 {
			break
		}
		dict, ok := doc.DictOf(arr.Items[1])
		if !ok {
			break
		}
		n, _ := dict.Get("N")
		comps, _ := doc.IntOf(n)
		switch comps {
		case 1:
			return &colorSpace{family: family, components: 1}, nil
		case 3, 4:
			cs := &colorSpace{family: family, components: int(comps)}
			if stream, ok := doc.StreamOf(arr.Items[1]); ok {
				cs.icc = profiles.transform(doc, stream, int(comps))
			}
			return cs, nil
		}
	case "Indexed":
		if arr.Len() < 4 {
			break
		}
		base, err := resolveCS(doc, resources, arr.Items[1], depth+1, profiles)
		if err != nil {
			return nil, err
		}
		if base == nil || base.indexed {
			break
		}
		hival, _ := doc.IntOf(arr.Items[2])
		var palette []byte
		switch lk := doc.Resolve(arr.Items[3]).(type) {
		case raw.StringObj:
			palette = lk.Bytes
		case *raw.StreamObj:
			// Lookup streams are rarely filtered; unfiltered data is used as-is.
			if _, filtered := lk.Dict.Get("Filter"); filtered {
				return nil, fmt.Errorf("%w: filtered Indexed lookup stream", ErrUnsupported)
			}
			palette = lk.Data
		}
		if hival < 0 || hival > 255 {
			break
		}
		return &colorSpace{family: family, components: 1, base: base, indexed: true, palette: palette, hival: int(hival)}, nil
	}
	return nil, fmt.Errorf("%w: colour space %s", ErrUnsupported, family)
}

// cmykToRGBA converts through cs's profile when it has one.
func cmykToRGBA(src *image.CMYK, cs *colorSpace) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	var vals [4]float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.CMYKAt(x, y)
			o := dst.PixOffset(x, y)
			if cs != nil && cs.icc != nil && cs.components == 4 {
				vals = [4]float64{float64(c.C) / 255, float64(c.M) / 255, float64(c.Y) / 255, float64(c.K) / 255}
				dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2] = cs.profileRGB(vals[:])
				dst.Pix[o+3] = 0xff
				continue
			}
			k := 255 - uint32(c.K)
			dst.Pix[o] = uint8((255 - uint32(c.C)) * k / 255)
			dst.Pix[o+1] = uint8((255 - uint32(c.M)) * k / 255)
			dst.Pix[o+2] = uint8((255 - uint32(c.Y)) * k / 255)
			dst.Pix[o+3] = 0xff
		}
	}
	return dst
}

// toRGBA flattens any image onto white, dropping alpha.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Opaque() {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Flatten converts any image into the buffer layout the encoder accepts:
// gray stays single channel, everything else becomes opaque RGB.
func Flatten(img image.Image) *PixelBuffer {
	switch src := img.(type) {
	case *image.Gray:
		return &PixelBuffer{Image: src, Channels: 1, Family: "DeviceGray"}
	case *image.CMYK:
		return &PixelBuffer{Image: cmykToRGBA(src, nil), Channels: 3, Family: "DeviceCMYK"}
	}
	return &PixelBuffer{Image: toRGBA(img), Channels: 3, Family: "DeviceRGB"}
}

// ColorRGB converts a colour given in the named space to opaque RGBA.
// space may be a device family or a /ColorSpace resource name. Spaces the
// decoder cannot model return ErrUnsupported.
func ColorRGB(doc *raw.Document, resources *raw.DictObj, space string, comps []float64) (color.RGBA, error) {
	return (*ProfileCache)(nil).SpaceRGB(doc, resources, raw.NameLiteral(space), comps)
}

// SpaceRGB is ColorRGB for a colour space object such as [/ICCBased 5 0 R].
func SpaceRGB(doc *raw.Document, resources *raw.DictObj, space raw.Object, comps []float64) (color.RGBA, error) {
	return (*ProfileCache)(nil).SpaceRGB(doc, resources, space, comps)
}

// ColorRGB is the package ColorRGB with profiles taken from p.
func (p *ProfileCache) ColorRGB(doc *raw.Document, resources *raw.DictObj, space string, comps []float64) (color.RGBA, error) {
	return p.SpaceRGB(doc, resources, raw.NameLiteral(space), comps)
}

// SpaceRGB is the package SpaceRGB with profiles taken from p.
func (p *ProfileCache) SpaceRGB(doc *raw.Document, resources *raw.DictObj, space raw.Object, comps []float64) (color.RGBA, error) {
	cs, err := resolveColorSpace(doc, resources, space, p)
	if err != nil {
		return color.RGBA{}, err
	}
	if cs == nil {
		return color.RGBA{}, fmt.Errorf("%w: missing colour space", ErrUnsupported)
	}
	if len(comps) < cs.components {
		padded := make([]float64, cs.components)
		copy(padded, comps)
		comps = padded
	}
	r, g, b := cs.toRGB(comps)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}, nil
}
