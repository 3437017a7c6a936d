// Package optimize re-encodes the raster images of a document in place.
package optimize

import (
	"context"
	"fmt"
	"sort"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/observability"
	"github.com/wudi/pdfshrink/pagetree"
)

// Policy captures the deliberate fidelity trade-offs of the re-encoder.
type Policy struct {
	// RecompressJPEG re-encodes images that are already DCT encoded even
	// when no downsampling is needed. Lossy on lossy.
	RecompressJPEG bool
	// KeepIfLarger keeps the original bytes when the re-encoded image is
	// not smaller.
	KeepIfLarger bool
	// SkipMasks leaves images used as /SMask or /Mask untouched.
	SkipMasks bool
}

func DefaultPolicy() Policy {
	return Policy{RecompressJPEG: true, KeepIfLarger: true, SkipMasks: true}
}

type Config struct {
	Quality int
	// Resolution is the target PPI for placed images; 0 disables
	// downsampling.
	Resolution float64
	Policy     Policy
	// RecompressStreams re-deflates non-image streams stored with
	// LZW, ASCII or RunLength filters.
	RecompressStreams bool
	Codec             codec.ImageCodec
	Limits            filters.Limits
	Logger            observability.Logger
}

type Optimizer struct {
	config   Config
	pipeline *filters.Pipeline
}

func New(config Config) *Optimizer {
	if config.Codec == nil {
		config.Codec = codec.Default
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger{}
	}
	return &Optimizer{config: config, pipeline: filters.NewDefaultPipeline(config.Limits)}
}

// Failure is an image left unmodified because it could not be processed.
// Err wraps codec.ErrUnsupported or codec.ErrEncode.
type Failure struct {
	Ref raw.ObjectRef
	Err error
}

func (f Failure) Error() string { return fmt.Sprintf("image %s: %v", f.Ref, f.Err) }
func (f Failure) Unwrap() error { return f.Err }

type Result struct {
	Images      int
	Reencoded   int
	Downsampled int
	Kept        int
	BytesBefore int64
	BytesAfter  int64
	Streams     int
	Failures    []Failure
}

// Optimize re-encodes every image XObject reachable from the page tree.
// Per-image problems are collected in Result.Failures; only cancellation
// and a missing page tree abort the run.
func (o *Optimizer) Optimize(ctx context.Context, doc *raw.Document) (*Result, error) {
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return nil, err
	}
	res := &Result{}

	if o.config.RecompressStreams {
		n, err := o.recompressStreams(ctx, doc)
		if err != nil {
			return nil, err
		}
		res.Streams = n
	}

	usage, err := o.collectImageUsage(ctx, doc, pages)
	if err != nil {
		return nil, err
	}
	images, masks := collectImages(doc, pages)

	refs := make([]raw.ObjectRef, 0, len(images))
	for ref := range images {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Num < refs[j].Num })

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.config.Policy.SkipMasks && masks[ref] {
			continue
		}
		res.Images++
		o.processImage(ctx, doc, ref, usage[ref], res)
	}
	o.config.Logger.Info("images processed",
		observability.Int("images", res.Images),
		observability.Int("reencoded", res.Reencoded),
		observability.Int("downsampled", res.Downsampled),
		observability.Int("failed", len(res.Failures)),
		observability.Int64("bytes_before", res.BytesBefore),
		observability.Int64("bytes_after", res.BytesAfter))
	return res, nil
}

// collectImages walks page resources, including nested forms, tiling
// patterns and Type3 fonts, and returns the image XObjects found plus the
// set of images used as masks.
func collectImages(doc *raw.Document, pages []*pagetree.Page) (map[raw.ObjectRef]bool, map[raw.ObjectRef]bool) {
	images := make(map[raw.ObjectRef]bool)
	masks := make(map[raw.ObjectRef]bool)
	seenRes := make(map[*raw.DictObj]bool)
	seenForm := make(map[raw.ObjectRef]bool)

	var visitResources func(res *raw.DictObj)
	visitResources = func(res *raw.DictObj) {
		if res == nil || seenRes[res] {
			return
		}
		seenRes[res] = true

		for _, obj := range pagetree.ResourceXObjects(doc, res) {
			ref, ok := obj.(raw.RefObj)
			if !ok {
				continue
			}
			st, ok := doc.StreamOf(ref)
			if !ok {
				continue
			}
			switch sub, _ := st.Dict.Name("Subtype"); sub {
			case "Image":
				images[ref.R] = true
				for _, key := range []string{"SMask", "Mask"} {
					if m, ok := st.Dict.Get(key); ok {
						if mr, ok := m.(raw.RefObj); ok {
							masks[mr.R] = true
						}
					}
				}
			case "Form":
				if seenForm[ref.R] {
					continue
				}
				seenForm[ref.R] = true
				if r, ok := st.Dict.Get("Resources"); ok {
					if d, ok := doc.DictOf(r); ok {
						visitResources(d)
					}
				}
			}
		}
		for _, category := range []string{"Pattern", "Font"} {
			catObj, ok := res.Get(category)
			if !ok {
				continue
			}
			cat, ok := doc.DictOf(catObj)
			if !ok {
				continue
			}
			for _, k := range cat.Keys() {
				v, _ := cat.Get(k)
				d, ok := doc.DictOf(v)
				if !ok {
					continue
				}
				if r, ok := d.Get("Resources"); ok {
					if rd, ok := doc.DictOf(r); ok {
						visitResources(rd)
					}
				}
			}
		}
	}

	for _, page := range pages {
		visitResources(page.Resources)
	}
	return images, masks
}
