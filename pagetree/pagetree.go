// Package pagetree flattens a document's page tree into an ordered list of
// pages with inherited attributes resolved, and rebuilds page trees.
package pagetree

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
)

// DefaultMediaBox is US Letter, used when no box is present or inherited.
var DefaultMediaBox = raw.Rect{URX: 612, URY: 792}

// ErrNoPageTree is returned when the catalog has no usable /Pages entry.
var ErrNoPageTree = errors.New("catalog has no page tree")

// Page is a leaf of the page tree together with its effective attributes.
type Page struct {
	Index int
	// Ref is zero for a page dictionary stored inline in /Kids.
	Ref       raw.ObjectRef
	Dict      *raw.DictObj
	MediaBox  raw.Rect
	CropBox   raw.Rect
	Rotate    int
	Resources *raw.DictObj
}

type inherited struct {
	mediaBox  *raw.Rect
	cropBox   *raw.Rect
	rotate    *int
	resources *raw.DictObj
}

// Pages returns the document's pages in order. Cycles in /Kids are broken
// by skipping nodes already visited.
func Pages(doc *raw.Document) ([]*Page, error) {
	catalog, ok := doc.Catalog()
	if !ok {
		return nil, ErrNoPageTree
	}
	root, ok := catalog.Get("Pages")
	if !ok {
		return nil, ErrNoPageTree
	}
	if _, ok := doc.DictOf(root); !ok {
		return nil, ErrNoPageTree
	}
	w := &walker{doc: doc, seen: make(map[raw.ObjectRef]bool)}
	if err := w.walk(root, inherited{}, 0); err != nil {
		return nil, err
	}
	return w.pages, nil
}

type walker struct {
	doc   *raw.Document
	seen  map[raw.ObjectRef]bool
	pages []*Page
}

const maxTreeDepth = 256

func (w *walker) walk(obj raw.Object, inh inherited, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("page tree deeper than %d levels", maxTreeDepth)
	}
	var ref raw.ObjectRef
	if r, ok := obj.(raw.RefObj); ok {
		ref = r.R
		if w.seen[ref] {
			return nil
		}
		w.seen[ref] = true
	}
	dict, ok := w.doc.DictOf(obj)
	if !ok {
		return nil
	}
	inh = w.inherit(dict, inh)

	typ, _ := dict.Name("Type")
	kidsObj, hasKids := dict.Get("Kids")
	if typ == "Pages" || (typ == "" && hasKids) {
		kids, ok := w.doc.ArrayOf(kidsObj)
		if !ok {
			return nil
		}
		for _, kid := range kids.Items {
			if err := w.walk(kid, inh, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	page := &Page{Index: len(w.pages), Ref: ref, Dict: dict, MediaBox: DefaultMediaBox}
	if inh.mediaBox != nil {
		page.MediaBox = *inh.mediaBox
	}
	page.CropBox = page.MediaBox
	if inh.cropBox != nil {
		page.CropBox = intersect(*inh.cropBox, page.MediaBox)
	}
	if inh.rotate != nil {
		page.Rotate = *inh.rotate
	}
	page.Resources = inh.resources
	if page.Resources == nil {
		page.Resources = raw.Dict()
	}
	w.pages = append(w.pages, page)
	return nil
}

func (w *walker) inherit(dict *raw.DictObj, inh inherited) inherited {
	if v, ok := dict.Get("MediaBox"); ok {
		if r, ok := w.doc.RectOf(v); ok && r.Width() > 0 && r.Height() > 0 {
			inh.mediaBox = &r
		}
	}
	if v, ok := dict.Get("CropBox"); ok {
		if r, ok := w.doc.RectOf(v); ok {
			inh.cropBox = &r
		}
	}
	if v, ok := dict.Get("Rotate"); ok {
		if n, ok := w.doc.IntOf(v); ok {
			r := NormalizeRotate(int(n))
			inh.rotate = &r
		}
	}
	if v, ok := dict.Get("Resources"); ok {
		if res, ok := w.doc.DictOf(v); ok {
			inh.resources = res
		}
	}
	return inh
}

// NormalizeRotate maps any multiple of 90 into [0, 360). Other values
// become 0.
func NormalizeRotate(r int) int {
	if r%90 != 0 {
		return 0
	}
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}

func intersect(a, b raw.Rect) raw.Rect {
	r := raw.Rect{
		LLX: max(a.LLX, b.LLX), LLY: max(a.LLY, b.LLY),
		URX: min(a.URX, b.URX), URY: min(a.URY, b.URY),
	}
	if r.Width() <= 0 || r.Height() <= 0 {
		return b
	}
	return r
}

// Contents decodes and concatenates the page's content streams. Streams
// that cannot be decoded are reported through the returned error after the
// remaining streams have been appended.
func (p *Page) Contents(ctx context.Context, doc *raw.Document, pipeline *filters.Pipeline) ([]byte, error) {
	obj, ok := p.Dict.Get("Contents")
	if !ok {
		return nil, nil
	}
	var streams []raw.Object
	if arr, ok := doc.ArrayOf(obj); ok {
		streams = arr.Items
	} else {
		streams = []raw.Object{obj}
	}
	var buf bytes.Buffer
	var errs []error
	for _, item := range streams {
		st, ok := doc.StreamOf(item)
		if !ok {
			continue
		}
		data, err := pipeline.Decode(ctx, st.Data, filters.ExtractFilters(st.Dict, doc))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), errors.Join(errs...)
}

// XObjects returns the page's named XObject resources.
func (p *Page) XObjects(doc *raw.Document) map[string]raw.Object {
	return ResourceXObjects(doc, p.Resources)
}

// ResourceXObjects returns the /XObject subdictionary of a resource
// dictionary with the values left unresolved.
func ResourceXObjects(doc *raw.Document, res *raw.DictObj) map[string]raw.Object {
	out := make(map[string]raw.Object)
	if res == nil {
		return out
	}
	xobj, ok := res.Get("XObject")
	if !ok {
		return out
	}
	dict, ok := doc.DictOf(xobj)
	if !ok {
		return out
	}
	for _, k := range dict.Keys() {
		v, _ := dict.Get(k)
		out[k] = v
	}
	return out
}

// Replace installs a new flat page tree made of the given page
// dictionaries. Each page gets its /Parent pointed at the new root; the old
// tree is left for garbage collection on save.
func Replace(doc *raw.Document, pages []*raw.DictObj) (raw.ObjectRef, error) {
	catalog, ok := doc.Catalog()
	if !ok {
		return raw.ObjectRef{}, ErrNoPageTree
	}
	root := raw.Dict()
	rootRef := doc.Add(root)
	kids := raw.NewArray()
	for _, page := range pages {
		page.Set("Type", raw.NameLiteral("Page"))
		page.Set("Parent", raw.RefObj{R: rootRef})
		kids.Append(raw.RefObj{R: doc.Add(page)})
	}
	root.Set("Type", raw.NameLiteral("Pages"))
	root.Set("Kids", kids)
	root.Set("Count", raw.NumberInt(int64(len(pages))))
	catalog.Set("Pages", raw.RefObj{R: rootRef})
	return rootRef, nil
}
