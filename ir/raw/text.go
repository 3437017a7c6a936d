package raw

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// DecodeTextString converts a PDF text string to UTF-8. Strings starting
// with a UTF-16 byte order mark are decoded as UTF-16, anything else is
// treated as PDFDocEncoding, approximated by Latin-1.
func DecodeTextString(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}), bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(b)
		if err == nil {
			return string(out)
		}
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return string(b[3:])
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// InfoString reads a text entry from the document information dictionary.
func (d *Document) InfoString(key string) string {
	if d.Trailer == nil {
		return ""
	}
	infoObj, ok := d.Trailer.Get("Info")
	if !ok {
		return ""
	}
	info, ok := d.DictOf(infoObj)
	if !ok {
		return ""
	}
	v, ok := info.Get(key)
	if !ok {
		return ""
	}
	s, ok := d.Resolve(v).(StringObj)
	if !ok {
		return ""
	}
	return DecodeTextString(s.Bytes)
}
