// Package cmm converts colours described by embedded ICC profiles to sRGB.
//
// Only the device-to-PCS direction is implemented: matrix/TRC profiles,
// gray TRC profiles and the legacy mft1/mft2 lookup tables found in most
// printer profiles. The result is always D50-adapted sRGB.
package cmm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalid reports a profile whose bytes cannot be parsed.
	ErrInvalid = errors.New("cmm: invalid ICC profile")
	// ErrUnsupported reports a well-formed profile this package cannot evaluate.
	ErrUnsupported = errors.New("cmm: unsupported ICC profile")
)

const headerSize = 128

// Profile is a parsed ICC profile header plus its raw tag data.
type Profile struct {
	Class      string
	ColorSpace string
	PCS        string
	Version    uint8
	tags       map[string][]byte
}

// Parse reads the header and tag table of an ICC profile.
func Parse(data []byte) (*Profile, error) {
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalid, len(data))
	}
	if string(data[36:40]) != "acsp" {
		return nil, fmt.Errorf("%w: missing acsp signature", ErrInvalid)
	}
	p := &Profile{
		Class:      string(data[12:16]),
		ColorSpace: string(data[16:20]),
		PCS:        string(data[20:24]),
		Version:    data[8],
		tags:       map[string][]byte{},
	}
	count := int(binary.BigEndian.Uint32(data[headerSize:]))
	if count < 0 || headerSize+4+count*12 > len(data) {
		return nil, fmt.Errorf("%w: tag table truncated", ErrInvalid)
	}
	for i := 0; i < count; i++ {
		e := data[headerSize+4+i*12:]
		sig := string(e[0:4])
		off := int(binary.BigEndian.Uint32(e[4:8]))
		size := int(binary.BigEndian.Uint32(e[8:12]))
		if off < 0 || size < 0 || off > len(data) || size > len(data)-off {
			return nil, fmt.Errorf("%w: tag %q out of range", ErrInvalid, sig)
		}
		p.tags[sig] = data[off : off+size]
	}
	return p, nil
}

// Channels is the number of device components the profile describes, or 0
// for colour spaces this package does not know.
func (p *Profile) Channels() int {
	switch p.ColorSpace {
	case "GRAY":
		return 1
	case "RGB ", "Lab ", "XYZ ":
		return 3
	case "CMYK":
		return 4
	}
	return 0
}

// Has reports whether the profile carries the tag.
func (p *Profile) Has(sig string) bool {
	_, ok := p.tags[sig]
	return ok
}

func (p *Profile) tag(sig string) ([]byte, error) {
	d, ok := p.tags[sig]
	if !ok {
		return nil, fmt.Errorf("%w: no %s tag", ErrUnsupported, sig)
	}
	if len(d) < 8 {
		return nil, fmt.Errorf("%w: %s tag too short", ErrInvalid, sig)
	}
	return d, nil
}

// xyz reads an XYZType tag holding a single value.
func (p *Profile) xyz(sig string) ([3]float64, error) {
	d, err := p.tag(sig)
	if err != nil {
		return [3]float64{}, err
	}
	if string(d[0:4]) != "XYZ " || len(d) < 20 {
		return [3]float64{}, fmt.Errorf("%w: %s is not an XYZ tag", ErrInvalid, sig)
	}
	return [3]float64{
		s15Fixed16(d[8:]),
		s15Fixed16(d[12:]),
		s15Fixed16(d[16:]),
	}, nil
}

func s15Fixed16(b []byte) float64 {
	return float64(int32(binary.BigEndian.Uint32(b))) / 65536
}

func u8Fixed8(b []byte) float64 {
	return float64(binary.BigEndian.Uint16(b)) / 256
}
