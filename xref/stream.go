package xref

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

// readStream parses a PDF 1.5 cross-reference stream located at pos.
func readStream(ctx context.Context, data []byte, pos int64, table *Table, cfg ResolverConfig) (*raw.DictObj, error) {
	or := newObjectReader(data, cfg.Recovery)
	if err := or.Seek(pos); err != nil {
		return nil, err
	}
	_, obj, err := or.ReadIndirect()
	if err != nil {
		return nil, fmt.Errorf("xref stream: %w", err)
	}
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, errors.New("xref offset does not point at a table or stream")
	}
	if t, _ := stm.Dict.Name("Type"); t != "XRef" {
		return nil, errors.New("xref stream missing /Type /XRef")
	}
	decoded, err := cfg.Pipeline.Decode(ctx, stm.Data, filters.ExtractFilters(stm.Dict, nil))
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}

	w, err := widths(stm.Dict)
	if err != nil {
		return nil, err
	}
	rowLen := w[0] + w[1] + w[2]
	size, _ := intEntry(stm.Dict, "Size")
	index := []int64{0, size}
	if arr, ok := stm.Dict.Get("Index"); ok {
		if a, ok := arr.(*raw.ArrayObj); ok && a.Len()%2 == 0 {
			index = index[:0]
			for _, it := range a.Items {
				v, _ := raw.AsInt(it)
				index = append(index, v)
			}
		}
	}

	row := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := int(index[i]), int(index[i+1])
		for j := 0; j < count; j++ {
			off := row * rowLen
			if off+rowLen > len(decoded) {
				return stm.Dict, nil
			}
			rec := decoded[off : off+rowLen]
			row++
			typ := int64(1)
			if w[0] > 0 {
				typ = be(rec[:w[0]])
			}
			f2 := be(rec[w[0] : w[0]+w[1]])
			f3 := be(rec[w[0]+w[1]:])
			num := start + j
			switch typ {
			case 0:
				table.add(num, Entry{Kind: EntryFree, Gen: int(f3)})
			case 1:
				table.add(num, Entry{Kind: EntryInUse, Offset: f2, Gen: int(f3)})
			case 2:
				table.add(num, Entry{Kind: EntryCompressed, Stream: int(f2), Index: int(f3)})
			}
		}
	}
	return stm.Dict, nil
}

func widths(d *raw.DictObj) ([3]int, error) {
	var w [3]int
	v, ok := d.Get("W")
	arr, isArr := v.(*raw.ArrayObj)
	if !ok || !isArr || arr.Len() != 3 {
		return w, errors.New("xref stream /W must hold three integers")
	}
	for i, it := range arr.Items {
		n, ok := raw.AsInt(it)
		if !ok || n < 0 || n > 8 {
			return w, fmt.Errorf("invalid xref stream field width %v", it)
		}
		w[i] = int(n)
	}
	return w, nil
}

func be(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
