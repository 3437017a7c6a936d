package optimize

import (
	"context"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
)

// recodable lists lossless filters worth replacing with a single Flate.
var recodable = map[string]bool{
	"LZWDecode":       true,
	"ASCII85Decode":   true,
	"ASCIIHexDecode":  true,
	"RunLengthDecode": true,
	"FlateDecode":     true,
}

// recompressStreams decodes streams stored with ASCII, LZW or RunLength
// filters and stores them as plain Flate. Streams already using only
// Flate, image codecs or unknown filters are left alone.
func (o *Optimizer) recompressStreams(ctx context.Context, doc *raw.Document) (int, error) {
	n := 0
	for _, ref := range doc.Refs() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		st, ok := doc.Objects[ref].(*raw.StreamObj)
		if !ok {
			continue
		}
		specs := filters.ExtractFilters(st.Dict, doc)
		if !needsRecode(specs) {
			continue
		}
		decoded, err := o.pipeline.Decode(ctx, st.Data, specs)
		if err != nil {
			o.config.Logger.Debug("stream left as is",
				observability.String("object", ref.String()), observability.Error("error", err))
			continue
		}
		encoded, err := filters.FlateEncode(decoded, 0)
		if err != nil || len(encoded) >= len(st.Data) {
			continue
		}
		dict := st.Dict.Clone()
		for _, key := range []string{"DecodeParms", "Length", "F", "FDecodeParms", "FFilter"} {
			dict.Delete(key)
		}
		dict.Set("Filter", raw.NameLiteral("FlateDecode"))
		doc.Objects[ref] = raw.NewStream(dict, encoded)
		n++
	}
	return n, nil
}

func needsRecode(specs []filters.Spec) bool {
	if len(specs) == 0 {
		return false
	}
	onlyFlate := true
	for _, s := range specs {
		if !recodable[s.Name] {
			return false
		}
		if s.Name != "FlateDecode" {
			onlyFlate = false
		}
	}
	return !onlyFlate
}
