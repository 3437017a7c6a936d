package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/recovery"
	"github.com/wudi/pdfshrink/scanner"
)

// EntryKind distinguishes the three cross-reference entry types.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryInUse
	EntryCompressed
)

// Entry locates one object. InUse entries carry Offset and Gen; compressed
// entries carry the object stream number and the index inside it.
type Entry struct {
	Kind   EntryKind
	Offset int64
	Gen    int
	Stream int
	Index  int
}

// MaxObjectNumber is the largest object number a conforming writer uses.
// Entries above it are dropped so that one hostile header cannot size
// per-object tables downstream.
const MaxObjectNumber = 8_388_607

// Table is the merged view of every xref section reachable from startxref.
type Table struct {
	entries  map[int]Entry
	Trailer  *raw.DictObj
	kind     string
	Sections int
}

func newTable(kind string) *Table {
	return &Table{entries: make(map[int]Entry), kind: kind}
}

// Lookup returns the in-use entry for objNum.
func (t *Table) Lookup(objNum int) (offset int64, gen int, found bool) {
	e, ok := t.entries[objNum]
	if !ok || e.Kind != EntryInUse {
		return 0, 0, false
	}
	return e.Offset, e.Gen, true
}

// ObjStream reports the object stream holding objNum.
func (t *Table) ObjStream(objNum int) (streamNum, index int, found bool) {
	e, ok := t.entries[objNum]
	if !ok || e.Kind != EntryCompressed {
		return 0, 0, false
	}
	return e.Stream, e.Index, true
}

func (t *Table) Entry(objNum int) (Entry, bool) {
	e, ok := t.entries[objNum]
	return e, ok
}

// Objects lists object numbers that are in use or compressed.
func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k, e := range t.entries {
		if e.Kind != EntryFree {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

// Type is "table", "stream", "hybrid" or "repair".
func (t *Table) Type() string { return t.kind }

// add keeps the first definition seen, newer sections are read first.
func (t *Table) add(num int, e Entry) {
	if num < 0 || num > MaxObjectNumber {
		return
	}
	if _, ok := t.entries[num]; ok {
		return
	}
	t.entries[num] = e
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, data []byte) (*Table, error)
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Pipeline     *filters.Pipeline
}

// NewResolver returns a resolver that follows /Prev chains across classic
// tables and cross-reference streams.
func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = 64
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = filters.NewDefaultPipeline(filters.Limits{})
	}
	return &chainResolver{cfg: cfg}
}

type chainResolver struct {
	cfg ResolverConfig
}

var (
	ErrNoStartXRef = errors.New("startxref not found")
	ErrNoTrailer   = errors.New("trailer not found")
)

func (c *chainResolver) Resolve(ctx context.Context, data []byte) (*Table, error) {
	offset, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}
	table := newTable("")
	seen := make(map[int64]bool)
	for depth := 0; offset >= 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= c.cfg.MaxXRefDepth {
			return nil, fmt.Errorf("xref chain deeper than %d sections", c.cfg.MaxXRefDepth)
		}
		if seen[offset] {
			break
		}
		seen[offset] = true
		if offset >= int64(len(data)) {
			return nil, fmt.Errorf("xref offset out of range: %d", offset)
		}
		trailer, kind, err := c.readSection(ctx, data, offset, table)
		if err != nil {
			return nil, err
		}
		table.Sections++
		switch {
		case table.kind == "":
			table.kind = kind
		case table.kind != kind:
			table.kind = "hybrid"
		}
		mergeTrailer(table, trailer)

		// Hybrid files point at an xref stream that supplements the table.
		if stm, ok := intEntry(trailer, "XRefStm"); ok && !seen[stm] && stm < int64(len(data)) {
			seen[stm] = true
			if extra, _, err := c.readSection(ctx, data, stm, table); err == nil {
				mergeTrailer(table, extra)
				table.kind = "hybrid"
			}
		}
		prev, ok := intEntry(trailer, "Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if table.Trailer == nil {
		return nil, ErrNoTrailer
	}
	return table, nil
}

func (c *chainResolver) readSection(ctx context.Context, data []byte, offset int64, table *Table) (*raw.DictObj, string, error) {
	start := skipWhitespace(data, offset)
	if bytes.HasPrefix(data[start:], []byte("xref")) {
		trailer, err := readClassic(data, start+4, table, c.cfg.Recovery)
		return trailer, "table", err
	}
	trailer, err := readStream(ctx, data, start, table, c.cfg)
	return trailer, "stream", err
}

func mergeTrailer(t *Table, trailer *raw.DictObj) {
	if trailer == nil {
		return
	}
	if t.Trailer == nil {
		t.Trailer = trailer.Clone()
		return
	}
	for _, k := range trailer.Keys() {
		if _, ok := t.Trailer.Get(k); !ok {
			t.Trailer.Set(k, trailer.KV[k])
		}
	}
}

func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoStartXRef
	}
	pos := skipWhitespace(data, int64(idx+len("startxref")))
	end := pos
	for end < int64(len(data)) && data[end] >= '0' && data[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(string(data[pos:end]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startxref: %w", err)
	}
	if v <= 0 || v >= int64(len(data)) {
		return 0, fmt.Errorf("xref offset out of range: %d", v)
	}
	return v, nil
}

func skipWhitespace(data []byte, pos int64) int64 {
	for pos < int64(len(data)) {
		switch data[pos] {
		case ' ', '\t', '\r', '\n', '\f', 0:
			pos++
			continue
		}
		break
	}
	return pos
}

func intEntry(d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	return raw.AsInt(v)
}

func newObjectReader(data []byte, rec recovery.Strategy) *scanner.ObjectReader {
	return scanner.NewObjectReader(scanner.New(data, scanner.Config{Recovery: rec}), rec)
}
