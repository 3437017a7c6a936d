// Package writer serializes a raw.Document as a complete, non-incremental
// PDF file with a classic cross-reference table.
package writer

import (
	"bytes"
	"context"
	"io"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/recovery"
)

// Config selects save-time transformations. The zero value writes every
// object as-is with fresh contiguous numbering.
type Config struct {
	// Version overrides the header version. Empty keeps the document's.
	Version string
	// RemoveUnreferenced drops objects not reachable from the trailer.
	RemoveUnreferenced bool
	// CompressStreams deflates streams that carry no filter.
	CompressStreams bool
	// CompressionLevel is a compress/flate level; 0 means default.
	CompressionLevel int
	// Sanitize reports dangling references through Recovery and replaces
	// them with null. A strict strategy turns them into errors.
	Sanitize bool
	// Deterministic derives /ID from the content instead of randomness.
	Deterministic bool
	// MergeDuplicateStreams collapses byte-identical streams into one object.
	MergeDuplicateStreams bool
	Recovery              recovery.Strategy
	Logger                observability.Logger
}

// Writer serializes documents.
type Writer interface {
	Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Stats, error)
	SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error)
}

// Stats summarizes one Write call.
type Stats struct {
	Objects  int
	Removed  int
	Merged   int
	Dangling int
	Bytes    int64
}

// Interceptor observes objects as they are written, after renumbering.
type Interceptor interface {
	BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx context.Context, ref raw.ObjectRef, bytesWritten int64) error
}

type WriterBuilder struct{ interceptors []Interceptor }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}

func (b *WriterBuilder) Build() Writer { return &impl{interceptors: b.interceptors} }

// Save is a convenience wrapper writing doc into memory.
func Save(ctx context.Context, doc *raw.Document, cfg Config) ([]byte, Stats, error) {
	var buf bytes.Buffer
	stats, err := (&WriterBuilder{}).Build().Write(ctx, doc, &buf, cfg)
	if err != nil {
		return nil, stats, err
	}
	return buf.Bytes(), stats, nil
}
