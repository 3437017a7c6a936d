package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/recovery"
	"github.com/wudi/pdfshrink/security"
	"github.com/wudi/pdfshrink/xref"
)

var (
	// ErrMalformed wraps every failure caused by the input not being a
	// well-formed PDF.
	ErrMalformed = errors.New("malformed pdf")
	// ErrEncrypted is returned for encrypted documents the empty user
	// password does not open, and for security handlers other than
	// /Standard.
	ErrEncrypted = errors.New("encrypted document requires a password")
)

// Config controls high-level PDF parsing (xref resolution + object loading).
type Config struct {
	// Recovery decides on recoverable syntax problems. Nil fails fast.
	Recovery recovery.Strategy
	XRef     xref.ResolverConfig
	Limits   filters.Limits
	// Repair rebuilds the cross-reference table by scanning the file when
	// the stored one is missing or points at the wrong offsets.
	Repair bool
	Logger observability.Logger
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg      Config
	pipeline *filters.Pipeline
}

func NewDocumentParser(cfg Config) *DocumentParser {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if cfg.XRef.Recovery == nil {
		cfg.XRef.Recovery = cfg.Recovery
	}
	p := &DocumentParser{cfg: cfg, pipeline: filters.NewDefaultPipeline(cfg.Limits)}
	cfg.XRef.Pipeline = p.pipeline
	p.cfg = cfg
	return p
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse loads every live object of data into memory. Object streams are
// expanded and dropped, as are cross-reference streams.
func (p *DocumentParser) Parse(ctx context.Context, data []byte) (*raw.Document, error) {
	version, ok := detectHeaderVersion(data)
	if !ok {
		return nil, malformed("missing %%PDF- header")
	}

	table, err := xref.NewResolver(p.cfg.XRef).Resolve(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !p.cfg.Repair {
			return nil, malformed("resolve xref: %v", err)
		}
		p.cfg.Logger.Warn("xref unusable, rebuilding", observability.Error("error", err))
		if table, err = xref.Repair(ctx, data); err != nil {
			return nil, malformed("%v", err)
		}
	}

	doc, err := p.load(ctx, data, table, version)
	if err != nil && p.cfg.Repair && table.Type() != "repair" && errors.Is(err, ErrMalformed) {
		p.cfg.Logger.Warn("object offsets unusable, rebuilding xref", observability.Error("error", err))
		repaired, rerr := xref.Repair(ctx, data)
		if rerr != nil {
			return nil, err
		}
		doc, err = p.load(ctx, data, repaired, version)
	}
	return doc, err
}

func (p *DocumentParser) load(ctx context.Context, data []byte, table *xref.Table, version string) (*raw.Document, error) {
	loader := newObjectLoader(data, table, p.cfg.Recovery, p.pipeline)
	encNum := 0
	if enc, ok := table.Trailer.Get("Encrypt"); ok {
		h, num, err := openEncrypted(ctx, loader, table.Trailer, enc)
		if err != nil {
			return nil, err
		}
		loader.security, encNum = h, num
		p.cfg.Logger.Debug("decrypting with empty user password", observability.Int("encrypt_obj", num))
	}
	doc := raw.NewDocument(version)
	doc.Trailer = table.Trailer.Clone()
	for _, key := range []string{"Prev", "XRefStm", "Type", "W", "Index", "Filter", "DecodeParms", "Length", "Encrypt"} {
		doc.Trailer.Delete(key)
	}

	for _, num := range table.Objects() {
		if num == 0 || num == encNum {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref, obj, err := loader.Load(ctx, num)
		if err != nil {
			// With repair available a bad offset means the table is stale,
			// so the whole table is rebuilt instead of dropping objects.
			canRepair := p.cfg.Repair && table.Type() != "repair"
			if !canRepair && p.skipObject(err, num) {
				continue
			}
			return nil, malformed("load object %d: %v", num, err)
		}
		if isStructural(obj) {
			continue
		}
		doc.Objects[ref] = obj
	}

	catalog, ok := doc.Catalog()
	if !ok {
		return nil, malformed("trailer /Root does not resolve to a catalog")
	}
	if v, ok := catalog.Name("Version"); ok && v > doc.Version {
		doc.Version = v
	}
	populateMetadata(doc)
	return doc, nil
}

// openEncrypted authenticates the /Encrypt dictionary and returns its
// handler along with the dictionary's object number, 0 when it is direct.
func openEncrypted(ctx context.Context, loader *objectLoader, trailer *raw.DictObj, enc raw.Object) (*security.Handler, int, error) {
	num := 0
	dict, _ := enc.(*raw.DictObj)
	if ref, ok := enc.(raw.RefObj); ok {
		num = ref.R.Num
		_, obj, err := loader.Load(ctx, num)
		if err != nil {
			return nil, 0, malformed("load /Encrypt: %v", err)
		}
		dict, _ = obj.(*raw.DictObj)
	}
	if dict == nil {
		return nil, 0, malformed("/Encrypt is not a dictionary")
	}
	var fileID []byte
	if v, ok := trailer.Get("ID"); ok {
		if arr, ok := v.(*raw.ArrayObj); ok && arr.Len() > 0 {
			if s, ok := arr.Items[0].(raw.StringObj); ok {
				fileID = s.Bytes
			}
		}
	}
	h, err := security.NewHandler(dict, fileID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncrypted, err)
	}
	return h, num, nil
}

func (p *DocumentParser) skipObject(err error, num int) bool {
	if p.cfg.Recovery == nil {
		return false
	}
	action := p.cfg.Recovery.OnError(nil, err, recovery.Location{ObjectNum: num, Component: "parser:load"})
	return action != recovery.ActionFail
}

// isStructural reports objects whose content is re-derived on save.
func isStructural(obj raw.Object) bool {
	s, ok := obj.(*raw.StreamObj)
	if !ok {
		return false
	}
	t, _ := s.Dict.Name("Type")
	return t == "XRef" || t == "ObjStm"
}

func populateMetadata(doc *raw.Document) {
	doc.Metadata = raw.DocumentMetadata{
		Title:    doc.InfoString("Title"),
		Author:   doc.InfoString("Author"),
		Subject:  doc.InfoString("Subject"),
		Creator:  doc.InfoString("Creator"),
		Producer: doc.InfoString("Producer"),
	}
}

// detectHeaderVersion finds "%PDF-x.y" within the first KiB, tolerating
// leading garbage.
func detectHeaderVersion(data []byte) (string, bool) {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	idx := bytes.Index(head, []byte("%PDF-"))
	if idx < 0 {
		return "", false
	}
	line := string(data[idx+5:])
	if end := strings.IndexAny(line, "\r\n \t%"); end >= 0 {
		line = line[:end]
	}
	if len(line) > 8 {
		line = line[:8]
	}
	if line == "" {
		return "1.4", true
	}
	return line, true
}
