package compress

import (
	"context"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/parser"
	"github.com/wudi/pdfshrink/writer"
)

// PdfContainer loads and saves documents. The pipelines only see the
// raw.Document in between, so another parser or writer can be swapped in.
type PdfContainer interface {
	Load(ctx context.Context, data []byte) (*raw.Document, error)
	Save(ctx context.Context, doc *raw.Document, cfg writer.Config) ([]byte, error)
}

// NativeContainer uses this module's parser and writer.
type NativeContainer struct {
	Parser parser.Config
}

func (c NativeContainer) Load(ctx context.Context, data []byte) (*raw.Document, error) {
	return parser.NewDocumentParser(c.Parser).Parse(ctx, data)
}

func (c NativeContainer) Save(ctx context.Context, doc *raw.Document, cfg writer.Config) ([]byte, error) {
	data, _, err := writer.Save(ctx, doc, cfg)
	return data, err
}
