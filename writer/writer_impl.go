package writer

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/recovery"
)

// ErrNoRoot is returned when the trailer has no resolvable /Root.
var ErrNoRoot = errors.New("trailer has no /Root catalog")

type impl struct{ interceptors []Interceptor }

func (w *impl) SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error) {
	var buf []byte
	buf = fmt.Appendf(buf, "%d %d obj\n", ref.Num, ref.Gen)
	buf = appendObject(buf, obj)
	buf = append(buf, "\nendobj\n"...)
	return buf, nil
}

func (w *impl) Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Stats, error) {
	var stats Stats
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if _, ok := doc.Catalog(); !ok {
		return stats, ErrNoRoot
	}

	objects := cloneObjects(doc.Objects)
	trailer := raw.Dict()
	for _, key := range []string{"Root", "Info", "ID"} {
		if v, ok := doc.Trailer.Get(key); ok {
			trailer.Set(key, cloneObject(v))
		}
	}

	if cfg.MergeDuplicateStreams {
		remap := duplicateStreams(objects)
		if len(remap) > 0 {
			for ref := range remap {
				delete(objects, ref)
			}
			for ref, obj := range objects {
				objects[ref] = rewriteRefs(obj, func(r raw.ObjectRef) raw.Object { return refOrSelf(remap, r) })
			}
			trailer = rewriteRefs(trailer, func(r raw.ObjectRef) raw.Object { return refOrSelf(remap, r) }).(*raw.DictObj)
			stats.Merged = len(remap)
		}
	}

	if cfg.RemoveUnreferenced {
		live := reachable(objects, trailer)
		for ref := range objects {
			if !live.has(ref.Num) {
				delete(objects, ref)
				stats.Removed++
			}
		}
	}

	// Contiguous numbering in original order. References to objects that
	// do not exist cannot keep their number and become null.
	order := make([]raw.ObjectRef, 0, len(objects))
	for ref := range objects {
		order = append(order, ref)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Num != order[j].Num {
			return order[i].Num < order[j].Num
		}
		return order[i].Gen < order[j].Gen
	})
	numbering := make(map[raw.ObjectRef]raw.ObjectRef, len(order))
	for i, ref := range order {
		numbering[ref] = raw.ObjectRef{Num: i + 1}
	}
	var dangling []raw.ObjectRef
	renumber := func(r raw.ObjectRef) raw.Object {
		if n, ok := numbering[r]; ok {
			return raw.RefObj{R: n}
		}
		dangling = append(dangling, r)
		return raw.NullObj{}
	}
	final := make([]raw.Object, len(order))
	for i, ref := range order {
		final[i] = rewriteRefs(objects[ref], renumber)
	}
	trailer = rewriteRefs(trailer, renumber).(*raw.DictObj)
	if _, ok := trailer.Get("Root"); !ok {
		return stats, ErrNoRoot
	}

	stats.Dangling = len(dangling)
	if len(dangling) > 0 {
		if cfg.Sanitize {
			for _, r := range dangling {
				if err := onDangling(cfg.Recovery, r); err != nil {
					return stats, err
				}
			}
		}
		cfg.Logger.Warn("dangling references replaced with null", observability.Int("count", len(dangling)))
	}

	for i, obj := range final {
		st, ok := obj.(*raw.StreamObj)
		if !ok {
			continue
		}
		if cfg.CompressStreams {
			if err := compressStream(st, cfg.CompressionLevel); err != nil {
				return stats, fmt.Errorf("compress object %d: %w", i+1, err)
			}
		}
		st.Dict.Set("Length", raw.NumberInt(int64(len(st.Data))))
	}

	cw := &countingWriter{w: bufio.NewWriter(out)}
	version := cfg.Version
	if version == "" {
		version = doc.Version
	}
	if version == "" {
		version = "1.7"
	}
	fmt.Fprintf(cw, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", version)

	hash, _ := blake2b.New256(nil)
	offsets := make([]int64, len(final))
	var scratch []byte
	for i, obj := range final {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ref := raw.ObjectRef{Num: i + 1}
		for _, ic := range w.interceptors {
			if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
				return stats, err
			}
		}
		offsets[i] = cw.n
		scratch = scratch[:0]
		scratch = fmt.Appendf(scratch, "%d 0 obj\n", ref.Num)
		scratch = appendObject(scratch, obj)
		scratch = append(scratch, "\nendobj\n"...)
		cw.Write(scratch)
		hash.Write(scratch)
		for _, ic := range w.interceptors {
			if err := ic.AfterWrite(ctx, ref, int64(len(scratch))); err != nil {
				return stats, err
			}
		}
	}

	size := len(final) + 1
	trailer.Set("Size", raw.NumberInt(int64(size)))
	trailer.Set("ID", fileID(trailer, hash.Sum(nil), cfg.Deterministic))

	xrefOffset := cw.n
	fmt.Fprintf(cw, "xref\n0 %d\n0000000000 65535 f \n", size)
	for _, off := range offsets {
		fmt.Fprintf(cw, "%010d 00000 n \n", off)
	}
	scratch = append(scratch[:0], "trailer\n"...)
	scratch = appendObject(scratch, trailer)
	scratch = fmt.Appendf(scratch, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	cw.Write(scratch)

	if cw.err != nil {
		return stats, cw.err
	}
	if err := cw.w.Flush(); err != nil {
		return stats, err
	}
	stats.Objects = len(final)
	stats.Bytes = cw.n
	return stats, nil
}

func onDangling(rec recovery.Strategy, r raw.ObjectRef) error {
	err := fmt.Errorf("reference %s points to a missing object", r)
	if rec == nil {
		return nil
	}
	if rec.OnError(nil, err, recovery.Location{ObjectNum: r.Num, ObjectGen: r.Gen, Component: "writer"}) == recovery.ActionFail {
		return err
	}
	return nil
}

func refOrSelf(remap map[raw.ObjectRef]raw.ObjectRef, r raw.ObjectRef) raw.Object {
	if to, ok := remap[r]; ok {
		return raw.RefObj{R: to}
	}
	return raw.RefObj{R: r}
}

// compressStream deflates unfiltered streams, keeping the result only when
// it is smaller. XMP metadata stays readable as plain text.
func compressStream(st *raw.StreamObj, level int) error {
	if _, ok := st.Dict.Get("Filter"); ok || len(st.Data) == 0 {
		return nil
	}
	if t, _ := st.Dict.Name("Type"); t == "Metadata" {
		return nil
	}
	encoded, err := filters.FlateEncode(st.Data, level)
	if err != nil {
		return err
	}
	if len(encoded) >= len(st.Data) {
		return nil
	}
	st.Data = encoded
	st.Dict.Set("Filter", raw.NameLiteral("FlateDecode"))
	st.Dict.Delete("DecodeParms")
	return nil
}

// fileID keeps the permanent half of an existing /ID and derives the
// changing half from the written bytes, or randomness when not deterministic.
func fileID(trailer *raw.DictObj, digest []byte, deterministic bool) *raw.ArrayObj {
	changing := append([]byte(nil), digest[:16]...)
	if !deterministic {
		if _, err := rand.Read(changing); err != nil {
			changing = append(changing[:0], digest[:16]...)
		}
	}
	permanent := changing
	if old, ok := trailer.Get("ID"); ok {
		if arr, ok := old.(*raw.ArrayObj); ok && arr.Len() == 2 {
			if s, ok := arr.Items[0].(raw.StringObj); ok && len(s.Bytes) > 0 {
				permanent = s.Bytes
			}
		}
	}
	return raw.NewArray(
		raw.StringObj{Bytes: permanent, Hex: true},
		raw.StringObj{Bytes: changing, Hex: true},
	)
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
