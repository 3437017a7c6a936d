package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/midbel/hexdump"
	"github.com/spf13/cobra"

	"github.com/wudi/pdfshrink/filters"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/pagetree"
	"github.com/wudi/pdfshrink/parser"
	"github.com/wudi/pdfshrink/recovery"
)

type documentSummary struct {
	Version  string `json:"version"`
	Objects  int    `json:"objects"`
	Pages    int    `json:"pages"`
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Producer string `json:"producer,omitempty"`
}

type pageSummary struct {
	Page     int        `json:"page"`
	MediaBox [4]float64 `json:"mediaBox"`
	Rotate   int        `json:"rotate,omitempty"`
	Images   []string   `json:"images,omitempty"`
}

type imageSummary struct {
	Object     string   `json:"object"`
	Width      int64    `json:"width"`
	Height     int64    `json:"height"`
	Bits       int64    `json:"bitsPerComponent"`
	ColorSpace string   `json:"colorSpace"`
	Filters    []string `json:"filters,omitempty"`
	Bytes      int      `json:"bytes"`
	Mask       bool     `json:"mask,omitempty"`
}

type inspection struct {
	Document documentSummary `json:"document"`
	Pages    []pageSummary   `json:"pages"`
	Images   []imageSummary  `json:"images"`
}

func inspectDocument(doc *raw.Document) (*inspection, error) {
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return nil, err
	}
	out := &inspection{Document: documentSummary{
		Version:  doc.Version,
		Objects:  len(doc.Objects),
		Pages:    len(pages),
		Title:    doc.Metadata.Title,
		Author:   doc.Metadata.Author,
		Producer: doc.Metadata.Producer,
	}}
	for _, p := range pages {
		b := p.MediaBox
		ps := pageSummary{Page: p.Index + 1, MediaBox: [4]float64{b.LLX, b.LLY, b.URX, b.URY}, Rotate: p.Rotate}
		for name, obj := range pagetree.ResourceXObjects(doc, p.Resources) {
			if ref, ok := obj.(raw.RefObj); ok && isImage(doc, obj) {
				ps.Images = append(ps.Images, name+"="+ref.R.String())
			}
		}
		sort.Strings(ps.Images)
		out.Pages = append(out.Pages, ps)
	}
	for _, ref := range doc.Refs() {
		st, ok := doc.Objects[ref].(*raw.StreamObj)
		if !ok || !isImage(doc, st) {
			continue
		}
		is := imageSummary{Object: ref.String(), Bytes: len(st.Data)}
		is.Width, _ = intEntry(doc, st.Dict, "Width")
		is.Height, _ = intEntry(doc, st.Dict, "Height")
		is.Bits, _ = intEntry(doc, st.Dict, "BitsPerComponent")
		is.ColorSpace = colorSpaceName(doc, st.Dict)
		for _, spec := range filters.ExtractFilters(st.Dict, doc) {
			is.Filters = append(is.Filters, spec.Name)
		}
		if v, ok := st.Dict.Get("ImageMask"); ok {
			if b, ok := doc.Resolve(v).(raw.BoolObj); ok {
				is.Mask = b.V
			}
		}
		out.Images = append(out.Images, is)
	}
	return out, nil
}

func isImage(doc *raw.Document, obj raw.Object) bool {
	d, ok := doc.DictOf(obj)
	if !ok {
		return false
	}
	sub, _ := d.Name("Subtype")
	return sub == "Image"
}

func intEntry(doc *raw.Document, d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	return doc.IntOf(v)
}

func colorSpaceName(doc *raw.Document, d *raw.DictObj) string {
	v, ok := d.Get("ColorSpace")
	if !ok {
		return ""
	}
	v = doc.Resolve(v)
	if n, ok := raw.AsName(v); ok {
		return n
	}
	if arr, ok := v.(*raw.ArrayObj); ok && arr.Len() > 0 {
		if n, ok := raw.AsName(doc.Resolve(arr.Items[0])); ok {
			return n
		}
	}
	return "?"
}

var (
	inspectDump    int
	inspectDecoded bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.pdf>",
	Short: "List pages and images of a PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		lenient := recovery.NewLenientStrategy()
		doc, err := parser.NewDocumentParser(parser.Config{
			Recovery: lenient,
			Repair:   true,
			Logger:   newLogger(cmd.ErrOrStderr()),
		}).Parse(cmd.Context(), data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		w := cmd.OutOrStdout()
		if inspectDump > 0 {
			return dumpObject(cmd, w, doc, inspectDump)
		}
		info, err := inspectDocument(doc)
		if err != nil {
			return err
		}
		if err := emitSection(w, "document", info.Document); err != nil {
			return err
		}
		if err := emitSection(w, "pages", info.Pages); err != nil {
			return err
		}
		if err := emitSection(w, "images", info.Images); err != nil {
			return err
		}
		if problems := lenient.Problems(); len(problems) > 0 {
			msgs := make([]string, len(problems))
			for i, p := range problems {
				msgs[i] = p.Error()
			}
			return emitSection(w, "repairs", msgs)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVar(&inspectDump, "dump", 0, "Hex dump the stream of this object number")
	inspectCmd.Flags().BoolVar(&inspectDecoded, "decoded", false, "With --dump, apply the stream's filters first")
	rootCmd.AddCommand(inspectCmd)
}

func dumpObject(cmd *cobra.Command, w io.Writer, doc *raw.Document, num int) error {
	var st *raw.StreamObj
	for ref, obj := range doc.Objects {
		if ref.Num == num {
			st, _ = obj.(*raw.StreamObj)
		}
	}
	if st == nil {
		return fmt.Errorf("object %d is not a stream", num)
	}
	data := st.Data
	if inspectDecoded {
		specs := filters.ExtractFilters(st.Dict, doc)
		decoded, rest, err := filters.NewDefaultPipeline(filters.Limits{}).DecodeUntilImage(cmd.Context(), data, specs)
		if err != nil {
			return fmt.Errorf("decode object %d: %w", num, err)
		}
		if len(rest) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "stopped before %s\n", rest[0].Name)
		}
		data = decoded
	}
	keys := st.Dict.Keys()
	fmt.Fprintf(w, "== object %d: %d bytes, keys %s ==\n", num, len(data), strings.Join(keys, " "))
	fmt.Fprintln(w, hexdump.Dump(data))
	return nil
}

func emitSection(w io.Writer, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	fmt.Fprintf(w, "== %s ==\n%s\n\n", name, data)
	return nil
}
