package xref_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/wudi/pdfshrink/xref"
)

func buildSimplePDF() ([]byte, map[int]int64) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	offsets := make(map[int]int64)

	offsets[1] = int64(buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")

	offsets[2] = int64(buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")

	xrefOffset := buf.Len()
	buf.WriteString("xref\n0 3\n")
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 2; i++ {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", offsets[i]))
	}
	buf.WriteString("trailer\n<< /Size 3 /Root 1 0 R >>\n")
	buf.WriteString("startxref\n")
	buf.WriteString(fmt.Sprintf("%d\n", xrefOffset))
	buf.WriteString("%%EOF\n")

	return buf.Bytes(), offsets
}

func TestResolverParsesXRefTable(t *testing.T) {
	pdf, offsets := buildSimplePDF()

	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), pdf)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Type() != "table" {
		t.Fatalf("expected table type, got %s", table.Type())
	}
	for obj, off := range offsets {
		gotOff, gen, ok := table.Lookup(obj)
		if !ok {
			t.Fatalf("missing object %d", obj)
		}
		if gotOff != off || gen != 0 {
			t.Fatalf("object %d: expected (%d,0), got (%d,%d)", obj, off, gotOff, gen)
		}
	}
	if _, _, ok := table.Lookup(0); ok {
		t.Fatalf("free entry 0 should not be in use")
	}
	if root, ok := table.Trailer.Get("Root"); !ok || root.Type() != "ref" {
		t.Fatalf("trailer Root missing: %v", table.Trailer.KV)
	}
}

func TestResolverFollowsPrevChain(t *testing.T) {
	base, offsets := buildSimplePDF()
	buf := bytes.NewBuffer(append([]byte(nil), base...))

	newCatalog := int64(buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Version /1.7 >>\nendobj\n")
	prevXRef := bytes.Index(base, []byte("\nxref\n")) + 1
	xrefOffset := buf.Len()
	buf.WriteString("xref\n1 1\n")
	buf.WriteString(fmt.Sprintf("%010d 00000 n \n", newCatalog))
	buf.WriteString(fmt.Sprintf("trailer\n<< /Size 3 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", prevXRef, xrefOffset))

	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Sections != 2 {
		t.Fatalf("expected 2 sections, got %d", table.Sections)
	}
	if off, _, _ := table.Lookup(1); off != newCatalog {
		t.Fatalf("newest section should win for object 1: got %d want %d", off, newCatalog)
	}
	if off, _, _ := table.Lookup(2); off != offsets[2] {
		t.Fatalf("object 2 should come from the older section: got %d", off)
	}
	if _, ok := table.Trailer.Get("Prev"); !ok {
		t.Fatalf("newest trailer should be kept as-is")
	}
}

func TestResolverRejectsPrevLoop(t *testing.T) {
	pdf := []byte("%PDF-1.7\nxref\n0 1\n0000000000 65535 f \ntrailer\n<< /Size 1 /Prev 9 >>\nstartxref\n9\n%%EOF\n")
	if _, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), pdf); err != nil {
		t.Fatalf("self-referencing Prev should terminate cleanly, got %v", err)
	}
}

func buildXRefStreamPDF() ([]byte, int, int) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")

	xrefOffset := buf.Len()
	rows := []struct {
		typ    byte
		f2, f3 int
	}{
		{0, 0, 255},
		{1, off1, 0},
		{1, off2, 0},
		{2, 5, 1},
		{1, xrefOffset, 0},
	}
	var entries []byte
	for _, r := range rows {
		entries = append(entries, r.typ, byte(r.f2>>8), byte(r.f2), byte(r.f3))
	}
	buf.WriteString(fmt.Sprintf("4 0 obj\n<< /Type /XRef /Size 5 /Root 1 0 R /W [1 2 1] /Length %d >>\nstream\n", len(entries)))
	buf.Write(entries)
	buf.WriteString("\nendstream\nendobj\n")
	buf.WriteString(fmt.Sprintf("startxref\n%d\n%%%%EOF\n", xrefOffset))
	return buf.Bytes(), off1, off2
}

func TestResolverParsesXRefStream(t *testing.T) {
	pdf, off1, off2 := buildXRefStreamPDF()
	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), pdf)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Type() != "stream" {
		t.Fatalf("expected stream type, got %s", table.Type())
	}
	if off, _, ok := table.Lookup(1); !ok || off != int64(off1) {
		t.Fatalf("object 1 offset: got %d want %d", off, off1)
	}
	if off, _, ok := table.Lookup(2); !ok || off != int64(off2) {
		t.Fatalf("object 2 offset: got %d want %d", off, off2)
	}
	stm, idx, ok := table.ObjStream(3)
	if !ok || stm != 5 || idx != 1 {
		t.Fatalf("object 3 should live in stream 5 index 1, got %d %d %v", stm, idx, ok)
	}
	if got := table.Objects(); len(got) != 4 {
		t.Fatalf("expected 4 live objects, got %v", got)
	}
}

func TestRepairRebuildsTable(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	broken := bytes.Replace(pdf, []byte("startxref"), []byte("startxrex"), 1)

	if _, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), broken); err == nil {
		t.Fatalf("expected resolve to fail without startxref")
	}
	table, err := xref.Repair(context.Background(), broken)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	for obj, off := range offsets {
		got, _, ok := table.Lookup(obj)
		if !ok || got != off {
			t.Fatalf("object %d: got %d want %d", obj, got, off)
		}
	}
	if _, ok := table.Trailer.Get("Root"); !ok {
		t.Fatalf("repair should recover the trailer")
	}
}

func TestRepairSkipsOutOfRangeNumbers(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n" +
		"2000000000 0 obj\n<< >>\nendobj\n8388608 0 obj\nnull\nendobj\n" +
		"8388607 0 obj\nnull\nendobj\ntrailer\n<< /Root 1 0 R >>\n")
	table, err := xref.Repair(context.Background(), data)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	got := table.Objects()
	if len(got) != 2 || got[0] != 1 || got[1] != xref.MaxObjectNumber {
		t.Fatalf("objects %v", got)
	}
}

func TestRepairNoObjects(t *testing.T) {
	if _, err := xref.Repair(context.Background(), []byte("not a pdf")); err == nil {
		t.Fatalf("expected repair error")
	}
}
