package parser

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/recovery"
	"github.com/wudi/pdfshrink/scanner"
	"github.com/wudi/pdfshrink/security"
	"github.com/wudi/pdfshrink/xref"
)

type objectLoader struct {
	data     []byte
	table    *xref.Table
	recovery recovery.Strategy
	pipeline *filters.Pipeline
	objstm   map[int]map[int]raw.Object
	lengths  map[int]int64
	// security is set once /Encrypt has been opened. Objects held in
	// object streams are decrypted with their container.
	security *security.Handler
}

func newObjectLoader(data []byte, table *xref.Table, rec recovery.Strategy, p *filters.Pipeline) *objectLoader {
	return &objectLoader{
		data:     data,
		table:    table,
		recovery: rec,
		pipeline: p,
		objstm:   make(map[int]map[int]raw.Object),
		lengths:  make(map[int]int64),
	}
}

func (o *objectLoader) reader() *scanner.ObjectReader {
	r := scanner.NewObjectReader(scanner.New(o.data, scanner.Config{Recovery: o.recovery}), o.recovery)
	r.LengthOf = o.lengthOf
	return r
}

// Load returns the object numbered num from either its file offset or its
// object stream.
func (o *objectLoader) Load(ctx context.Context, num int) (raw.ObjectRef, raw.Object, error) {
	entry, ok := o.table.Entry(num)
	if !ok {
		return raw.ObjectRef{}, nil, fmt.Errorf("object %d not in xref", num)
	}
	switch entry.Kind {
	case xref.EntryInUse:
		obj, err := o.loadAtOffset(num, entry.Offset, entry.Gen)
		return raw.ObjectRef{Num: num, Gen: entry.Gen}, obj, err
	case xref.EntryCompressed:
		obj, err := o.loadFromObjectStream(ctx, num, entry.Stream)
		return raw.ObjectRef{Num: num}, obj, err
	}
	return raw.ObjectRef{}, nil, fmt.Errorf("object %d is free", num)
}

func (o *objectLoader) loadAtOffset(num int, offset int64, gen int) (raw.Object, error) {
	if offset < 0 || offset >= int64(len(o.data)) {
		return nil, fmt.Errorf("offset %d out of range", offset)
	}
	r := o.reader()
	if err := r.Seek(offset); err != nil {
		return nil, err
	}
	ref, obj, err := r.ReadIndirect()
	if err != nil {
		return nil, err
	}
	if ref.Num != num || ref.Gen != gen {
		return nil, fmt.Errorf("object header %d %d does not match xref entry %d %d", ref.Num, ref.Gen, num, gen)
	}
	if o.security != nil {
		if obj, err = o.decryptValue(ref, obj); err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	}
	return obj, nil
}

// lengthOf resolves an indirect stream /Length. Only direct integers are
// accepted to keep the lookup from recursing into another stream.
func (o *objectLoader) lengthOf(ref raw.ObjectRef) (int64, bool) {
	if n, ok := o.lengths[ref.Num]; ok {
		return n, n >= 0
	}
	o.lengths[ref.Num] = -1
	offset, gen, ok := o.table.Lookup(ref.Num)
	if !ok || gen != ref.Gen {
		return 0, false
	}
	r := o.reader()
	if err := r.Seek(offset); err != nil {
		return 0, false
	}
	_, obj, err := r.ReadIndirect()
	if err != nil {
		return 0, false
	}
	n, ok := raw.AsInt(obj)
	if !ok {
		return 0, false
	}
	o.lengths[ref.Num] = n
	return n, true
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, num, streamNum int) (raw.Object, error) {
	objs, ok := o.objstm[streamNum]
	if !ok {
		var err error
		objs, err = o.expandObjectStream(ctx, streamNum)
		if err != nil {
			return nil, fmt.Errorf("object stream %d: %w", streamNum, err)
		}
		o.objstm[streamNum] = objs
	}
	obj, ok := objs[num]
	if !ok {
		return nil, fmt.Errorf("object %d not found in object stream %d", num, streamNum)
	}
	return obj, nil
}

func (o *objectLoader) expandObjectStream(ctx context.Context, streamNum int) (map[int]raw.Object, error) {
	offset, gen, ok := o.table.Lookup(streamNum)
	if !ok {
		return nil, errors.New("object stream entry missing")
	}
	obj, err := o.loadAtOffset(streamNum, offset, gen)
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, errors.New("object stream is not a stream")
	}
	n, _ := intValue(st.Dict, "N")
	first, _ := intValue(st.Dict, "First")
	data, err := o.pipeline.Decode(ctx, st.Data, filters.ExtractFilters(st.Dict, nil))
	if err != nil {
		return nil, err
	}
	if first < 0 || first > int64(len(data)) {
		return nil, errors.New("object stream /First exceeds length")
	}

	header := scanner.New(data[:first], scanner.Config{})
	pairs := make([]int64, 0, 2*n)
	for int64(len(pairs)) < 2*n {
		tok, err := header.Next()
		if err != nil {
			return nil, fmt.Errorf("object stream header truncated: %w", err)
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, errors.New("object stream header holds a non-integer")
		}
		pairs = append(pairs, tok.Int)
	}

	body := data[first:]
	objs := make(map[int]raw.Object, n)
	for i := 0; i+1 < len(pairs); i += 2 {
		objNum, off := int(pairs[i]), pairs[i+1]
		if off < 0 || off >= int64(len(body)) {
			return nil, fmt.Errorf("object %d offset %d outside object stream", objNum, off)
		}
		r := scanner.NewObjectReader(scanner.New(body[off:], scanner.Config{Recovery: o.recovery}), o.recovery)
		item, err := r.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", objNum, err)
		}
		objs[objNum] = item
	}
	return objs, nil
}

// decrypt replaces the strings and stream data held inside obj.
func (o *objectLoader) decrypt(ref raw.ObjectRef, obj raw.Object) error {
	switch v := obj.(type) {
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decryptValue(ref, item)
			if err != nil {
				return err
			}
			v.Items[i] = dec
		}
	case *raw.DictObj:
		for key, item := range v.KV {
			dec, err := o.decryptValue(ref, item)
			if err != nil {
				return err
			}
			v.KV[key] = dec
		}
	case *raw.StreamObj:
		typ, _ := v.Dict.Name("Type")
		if typ == "XRef" {
			return nil
		}
		if err := o.decrypt(ref, v.Dict); err != nil {
			return err
		}
		class := security.DataClassStream
		if typ == "Metadata" {
			class = security.DataClassMetadataStream
		}
		data, err := o.security.Decrypt(ref, v.Data, class, takeCryptFilter(v.Dict))
		if err != nil {
			return err
		}
		v.Data = data
	}
	return nil
}

func (o *objectLoader) decryptValue(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if s, ok := obj.(raw.StringObj); ok {
		dec, err := o.security.Decrypt(ref, s.Bytes, security.DataClassString, "")
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: s.Hex}, nil
	}
	return obj, o.decrypt(ref, obj)
}

// takeCryptFilter strips a leading /Crypt entry from the stream's filter
// chain and returns the crypt filter it names. It returns "" when the
// stream has no /Crypt filter, so the document default applies.
func takeCryptFilter(d *raw.DictObj) string {
	f, _ := d.Get("Filter")
	parms, _ := d.Get("DecodeParms")
	var first raw.Object
	switch v := f.(type) {
	case raw.NameObj:
		if v.Val != "Crypt" {
			return ""
		}
		d.Delete("Filter")
		d.Delete("DecodeParms")
		first = parms
	case *raw.ArrayObj:
		if v.Len() == 0 {
			return ""
		}
		if n, _ := raw.AsName(v.Items[0]); n != "Crypt" {
			return ""
		}
		if v.Len() == 1 {
			d.Delete("Filter")
		} else {
			d.Set("Filter", raw.NewArray(v.Items[1:]...))
		}
		if pa, ok := parms.(*raw.ArrayObj); ok && pa.Len() > 0 {
			first = pa.Items[0]
			if pa.Len() == 1 {
				d.Delete("DecodeParms")
			} else {
				d.Set("DecodeParms", raw.NewArray(pa.Items[1:]...))
			}
		}
	default:
		return ""
	}
	if pd, ok := first.(*raw.DictObj); ok {
		if n, ok := pd.Name("Name"); ok {
			return n
		}
	}
	return "Identity"
}

func intValue(d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	return raw.AsInt(v)
}
