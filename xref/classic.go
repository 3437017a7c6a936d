package xref

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/recovery"
)

// readClassic parses subsections of "start count" headers followed by
// "offset gen n|f" rows, then the trailer dictionary.
func readClassic(data []byte, pos int64, table *Table, rec recovery.Strategy) (*raw.DictObj, error) {
	f := &fieldReader{data: data, pos: pos}
	for {
		word := f.peek()
		if word == "" {
			return nil, errors.New("unexpected end of xref section")
		}
		if word == "trailer" || bytes.HasPrefix([]byte(word), []byte("trailer")) {
			break
		}
		startObj, err1 := strconv.Atoi(f.next())
		count, err2 := strconv.Atoi(f.next())
		if err1 != nil || err2 != nil || count < 0 {
			return nil, fmt.Errorf("invalid xref subsection header near offset %d", f.pos)
		}
		for i := 0; i < count; i++ {
			offField, genField, kindField := f.next(), f.next(), f.next()
			if kindField == "" {
				return nil, errors.New("unexpected end of xref section")
			}
			off, err := strconv.ParseInt(offField, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse xref offset: %w", err)
			}
			gen, err := strconv.Atoi(genField)
			if err != nil {
				return nil, fmt.Errorf("parse xref gen: %w", err)
			}
			num := startObj + i
			switch kindField[0] {
			case 'n':
				if off == 0 {
					table.add(num, Entry{Kind: EntryFree, Gen: gen})
					continue
				}
				table.add(num, Entry{Kind: EntryInUse, Offset: off, Gen: gen})
			case 'f':
				table.add(num, Entry{Kind: EntryFree, Gen: gen})
			default:
				return nil, fmt.Errorf("invalid xref entry type %q", kindField)
			}
		}
	}
	trailerPos := int64(bytes.Index(data[f.pos:], []byte("trailer")))
	if trailerPos < 0 {
		return nil, ErrNoTrailer
	}
	or := newObjectReader(data, rec)
	if err := or.Seek(f.pos + trailerPos + int64(len("trailer"))); err != nil {
		return nil, err
	}
	obj, err := or.ReadObject()
	if err != nil {
		return nil, fmt.Errorf("parse trailer: %w", err)
	}
	trailer, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, ErrNoTrailer
	}
	return trailer, nil
}

// fieldReader splits xref table bytes on PDF whitespace.
type fieldReader struct {
	data []byte
	pos  int64
}

func (f *fieldReader) next() string {
	f.pos = skipWhitespace(f.data, f.pos)
	start := f.pos
	for f.pos < int64(len(f.data)) {
		switch f.data[f.pos] {
		case ' ', '\t', '\r', '\n', '\f', 0:
			return string(f.data[start:f.pos])
		}
		f.pos++
	}
	return string(f.data[start:f.pos])
}

func (f *fieldReader) peek() string {
	save := f.pos
	w := f.next()
	f.pos = save
	return w
}
