package xref

import (
	"bytes"
	"context"
	"errors"

	"github.com/wudi/pdfshrink/ir/raw"
)

// Repair scans the whole file for "num gen obj" headers and the last
// trailer dictionary, rebuilding a table when the xref data is unusable.
// Later definitions of the same object number win, matching incremental
// update semantics.
func Repair(ctx context.Context, data []byte) (*Table, error) {
	table := newTable("repair")
	objKW := []byte("obj")
	for i := 0; i+len(objKW) <= len(data); i++ {
		if i%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if data[i] != 'o' || !bytes.HasPrefix(data[i:], objKW) {
			continue
		}
		if i+3 < len(data) && !isDelim(data[i+3]) {
			continue
		}
		start, num, gen, ok := headerBefore(data, i)
		if !ok || num > MaxObjectNumber {
			continue
		}
		table.entries[num] = Entry{Kind: EntryInUse, Offset: int64(start), Gen: gen}
	}
	if len(table.entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	if idx := bytes.LastIndex(data, []byte("trailer")); idx >= 0 {
		or := newObjectReader(data, nil)
		if or.Seek(int64(idx+len("trailer"))) == nil {
			if obj, err := or.ReadObject(); err == nil {
				if d, ok := obj.(*raw.DictObj); ok {
					table.Trailer = d
				}
			}
		}
	}
	if table.Trailer == nil {
		table.Trailer = raw.Dict()
	}
	table.Trailer.Delete("Prev")
	table.Trailer.Delete("XRefStm")
	table.Sections = 1
	return table, nil
}

// headerBefore walks back from an "obj" keyword over "gen" and "num".
func headerBefore(data []byte, objPos int) (start, num, gen int, ok bool) {
	p := objPos - 1
	if p < 0 || !isSpace(data[p]) {
		return 0, 0, 0, false
	}
	for p >= 0 && isSpace(data[p]) {
		p--
	}
	genEnd := p + 1
	for p >= 0 && data[p] >= '0' && data[p] <= '9' {
		p--
	}
	if genEnd == p+1 {
		return 0, 0, 0, false
	}
	gen = atoi(data[p+1 : genEnd])
	if p < 0 || !isSpace(data[p]) {
		return 0, 0, 0, false
	}
	for p >= 0 && isSpace(data[p]) {
		p--
	}
	numEnd := p + 1
	for p >= 0 && data[p] >= '0' && data[p] <= '9' {
		p--
	}
	if numEnd == p+1 || numEnd-(p+1) > 10 {
		return 0, 0, 0, false
	}
	if p >= 0 && !isDelim(data[p]) {
		return 0, 0, 0, false
	}
	return p + 1, atoi(data[p+1 : numEnd]), gen, true
}

func atoi(b []byte) int {
	v := 0
	for _, c := range b {
		v = v*10 + int(c-'0')
	}
	return v
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return isSpace(c)
}
