//go:build fitz

// Package fitz renders pages with MuPDF through go-fitz. It is built only
// with the fitz tag because it needs the MuPDF shared library.
package fitz

import (
	"context"
	"fmt"
	"image"
	"sync"

	gofitz "github.com/gen2brain/go-fitz"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/pagetree"
	"github.com/wudi/pdfshrink/render"
	"github.com/wudi/pdfshrink/writer"
)

// Renderer serializes each document once and keeps the MuPDF handle of
// the most recent one. It is safe for concurrent use but serializes calls.
type Renderer struct {
	mu     sync.Mutex
	doc    *raw.Document
	handle *gofitz.Document
}

var _ render.PageRenderer = (*Renderer)(nil)

func New() *Renderer { return &Renderer{} }

// RenderPage renders the media box of page without its rotation, the same
// area the pure Go renderer covers.
func (r *Renderer) RenderPage(ctx context.Context, doc *raw.Document, page *pagetree.Page, dpi float64) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != doc {
		if err := r.open(ctx, doc); err != nil {
			return nil, err
		}
	}
	if page.Index >= r.handle.NumPage() {
		return nil, fmt.Errorf("fitz: page %d out of range", page.Index)
	}
	img, err := r.handle.ImageDPI(page.Index, dpi)
	if err != nil {
		return nil, fmt.Errorf("fitz: render page %d: %w", page.Index, err)
	}
	return img, nil
}

func (r *Renderer) open(ctx context.Context, doc *raw.Document) error {
	r.closeLocked()
	data, _, err := writer.Save(ctx, normalized(doc), writer.Config{})
	if err != nil {
		return fmt.Errorf("fitz: serialize: %w", err)
	}
	handle, err := gofitz.NewFromMemory(data)
	if err != nil {
		return fmt.Errorf("fitz: open: %w", err)
	}
	r.doc, r.handle = doc, handle
	return nil
}

// normalized returns a shallow copy of doc whose pages have CropBox equal
// to MediaBox and no rotation, since MuPDF renders the rotated crop box.
func normalized(doc *raw.Document) *raw.Document {
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return doc
	}
	out := *doc
	out.Objects = make(map[raw.ObjectRef]raw.Object, len(doc.Objects))
	for ref, obj := range doc.Objects {
		out.Objects[ref] = obj
	}
	for _, p := range pages {
		if p.Ref.Num == 0 {
			continue
		}
		d := p.Dict.Clone()
		box := p.MediaBox.Array()
		d.Set("MediaBox", box)
		d.Set("CropBox", box)
		d.Set("Rotate", raw.NumberInt(0))
		out.Objects[p.Ref] = d
	}
	return &out
}

func (r *Renderer) closeLocked() {
	if r.handle != nil {
		r.handle.Close()
	}
	r.doc, r.handle = nil, nil
}

// Close releases the MuPDF document.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}
