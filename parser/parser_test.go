package parser

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/recovery"
	"github.com/wudi/pdfshrink/security"
)

func TestDocumentParserParsesClassicXRef(t *testing.T) {
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), buildClassicPDF())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Trailer == nil {
		t.Fatalf("trailer not captured")
	}
	if got := doc.Version; got != "1.7" {
		t.Fatalf("expected version 1.7, got %q", got)
	}
	if len(doc.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(doc.Objects))
	}
	if _, ok := doc.Catalog(); !ok {
		t.Fatalf("catalog missing")
	}
	if doc.Metadata.Title != "Hello" {
		t.Fatalf("expected title from /Info, got %q", doc.Metadata.Title)
	}
}

func TestDocumentParserFollowsPrevChain(t *testing.T) {
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), buildIncrementalPDF())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 3, Gen: 0}]; !ok {
		t.Fatalf("incremental object missing")
	}
	pages, ok := doc.Objects[raw.ObjectRef{Num: 2, Gen: 0}].(*raw.DictObj)
	if !ok {
		t.Fatalf("expected dict for object 2, got %T", doc.Objects[raw.ObjectRef{Num: 2, Gen: 0}])
	}
	count, _ := pages.Get("Count")
	if n, ok := raw.AsInt(count); !ok || n != 1 {
		t.Fatalf("expected Count 1 after update, got %#v", count)
	}
	if _, ok := doc.Trailer.Get("Prev"); ok {
		t.Fatalf("Prev should not survive into the loaded trailer")
	}
}

func TestDocumentParserExpandsObjectStreams(t *testing.T) {
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), buildObjectStreamPDF())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := doc.Catalog(); !ok {
		t.Fatalf("catalog from object stream missing")
	}
	pages, ok := doc.Objects[raw.ObjectRef{Num: 2}].(*raw.DictObj)
	if !ok {
		t.Fatalf("pages dict missing, got %T", doc.Objects[raw.ObjectRef{Num: 2}])
	}
	if typ, _ := pages.Name("Type"); typ != "Pages" {
		t.Fatalf("unexpected pages type %q", typ)
	}
	for ref, obj := range doc.Objects {
		if isStructural(obj) {
			t.Fatalf("structural stream %v kept", ref)
		}
	}
}

func TestDocumentParserIndirectLength(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	offs := []int{}
	add := func(body string) {
		offs = append(offs, buf.Len())
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", len(offs), body)
	}
	add("<< /Type /Catalog /Pages 2 0 R >>")
	add("<< /Type /Pages /Kids [] /Count 0 >>")
	add("<< /Length 4 0 R >>\nstream\nendstream inside\nendstream")
	add("16")
	writeXRef(buf, offs, "<< /Size 5 /Root 1 0 R >>")

	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	st, ok := doc.Objects[raw.ObjectRef{Num: 3}].(*raw.StreamObj)
	if !ok {
		t.Fatalf("expected stream, got %T", doc.Objects[raw.ObjectRef{Num: 3}])
	}
	if string(st.Data) != "endstream inside" {
		t.Fatalf("unexpected stream data %q", st.Data)
	}
}

func TestDocumentParserRejectsEncrypted(t *testing.T) {
	data := bytes.Replace(buildClassicPDF(), []byte("/Root 1 0 R"), []byte("/Root 1 0 R /Encrypt << /Filter /Standard >>"), 1)
	_, err := NewDocumentParser(Config{}).Parse(context.Background(), data)
	if !errors.Is(err, ErrEncrypted) {
		t.Fatalf("expected ErrEncrypted, got %v", err)
	}
}

var pdfPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func rc4XOR(key, data []byte) []byte {
	c, _ := rc4.NewCipher(key)
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

// buildRC4PDF writes a 40-bit RC4 document whose user password is
// userPwd. The info title and the content stream are encrypted.
func buildRC4PDF(userPwd string) []byte {
	id := []byte("0123456789abcdef")
	owner := bytes.Repeat([]byte{'o'}, 32)
	p := int32(-4)
	m := md5.New()
	m.Write(append([]byte(userPwd), pdfPadding[:32-len(userPwd)]...))
	m.Write(owner)
	binary.Write(m, binary.LittleEndian, p)
	m.Write(id)
	key := m.Sum(nil)[:5]
	user := rc4XOR(key, pdfPadding)
	objKey := func(num int) []byte {
		sum := md5.Sum(append(append([]byte{}, key...), byte(num), 0, 0, 0, 0))
		return sum[:10]
	}

	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	offs := []int{}
	add := func(body string) {
		offs = append(offs, buf.Len())
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", len(offs), body)
	}
	content := rc4XOR(objKey(4), []byte("0 0 m 10 10 l S"))
	add("<< /Type /Catalog /Pages 2 0 R >>")
	add("<< /Type /Pages /Kids [] /Count 0 >>")
	add(fmt.Sprintf("<< /Title <%x> >>", rc4XOR(objKey(3), []byte("Secret"))))
	add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	add(fmt.Sprintf("<< /Filter /Standard /V 1 /R 2 /Length 40 /P %d /O <%x> /U <%x> >>", p, owner, user))
	writeXRef(buf, offs, fmt.Sprintf("<< /Size 6 /Root 1 0 R /Info 3 0 R /Encrypt 5 0 R /ID [<%x> <%x>] >>", id, id))
	return buf.Bytes()
}

func TestDocumentParserDecryptsEmptyUserPassword(t *testing.T) {
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), buildRC4PDF(""))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Metadata.Title != "Secret" {
		t.Fatalf("title not decrypted: %q", doc.Metadata.Title)
	}
	st, ok := doc.Objects[raw.ObjectRef{Num: 4}].(*raw.StreamObj)
	if !ok {
		t.Fatalf("expected stream, got %T", doc.Objects[raw.ObjectRef{Num: 4}])
	}
	if string(st.Data) != "0 0 m 10 10 l S" {
		t.Fatalf("stream not decrypted: %q", st.Data)
	}
	if _, ok := doc.Trailer.Get("Encrypt"); ok {
		t.Fatalf("/Encrypt kept in trailer")
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 5}]; ok {
		t.Fatalf("encryption dictionary kept as an object")
	}
}

func TestDocumentParserRefusesUserPassword(t *testing.T) {
	_, err := NewDocumentParser(Config{}).Parse(context.Background(), buildRC4PDF("secret"))
	if !errors.Is(err, ErrEncrypted) || !errors.Is(err, security.ErrPassword) {
		t.Fatalf("expected ErrEncrypted wrapping ErrPassword, got %v", err)
	}
}

func TestTakeCryptFilter(t *testing.T) {
	named := raw.Dict()
	named.Set("Name", raw.NameLiteral("StdCF"))
	tests := []struct {
		name   string
		filter raw.Object
		parms  raw.Object
		want   string
		left   int
	}{
		{"none", raw.NameLiteral("FlateDecode"), nil, "", 1},
		{"identity", raw.NameLiteral("Crypt"), nil, "Identity", 0},
		{"chain", raw.NewArray(raw.NameLiteral("Crypt"), raw.NameLiteral("FlateDecode")), raw.NewArray(named, raw.NullObj{}), "StdCF", 1},
	}
	for _, tt := range tests {
		d := raw.Dict()
		d.Set("Filter", tt.filter)
		if tt.parms != nil {
			d.Set("DecodeParms", tt.parms)
		}
		if got := takeCryptFilter(d); got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, got, tt.want)
		}
		left := 0
		switch f, _ := d.Get("Filter"); v := f.(type) {
		case raw.NameObj:
			left = 1
		case *raw.ArrayObj:
			left = v.Len()
		}
		if left != tt.left {
			t.Fatalf("%s: %d filters left, want %d", tt.name, left, tt.left)
		}
	}
}

func TestDocumentParserMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not a pdf":   []byte("hello world"),
		"no xref":     []byte("%PDF-1.4\n1 0 obj\n<< >>\nendobj\n"),
		"bad offsets": shiftOffsets(buildClassicPDF()),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDocumentParser(Config{Recovery: recovery.NewStrictStrategy()}).Parse(context.Background(), data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDocumentParserRepairsBrokenOffsets(t *testing.T) {
	data := shiftOffsets(buildClassicPDF())
	doc, err := NewDocumentParser(Config{Recovery: recovery.NewLenientStrategy(), Repair: true}).Parse(context.Background(), data)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if _, ok := doc.Catalog(); !ok {
		t.Fatalf("catalog missing after repair")
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 2}]; !ok {
		t.Fatalf("pages object lost during repair")
	}
}

func TestDocumentParserRepairsMissingXRef(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
	doc, err := NewDocumentParser(Config{Repair: true}).Parse(context.Background(), data)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if len(doc.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(doc.Objects))
	}
}

func TestDetectHeaderVersion(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"%PDF-1.7\n", "1.7", true},
		{"junk\r\n%PDF-1.3\r\n", "1.3", true},
		{"%PDF-2.0 %comment", "2.0", true},
		{"%PS-Adobe", "", false},
	}
	for _, tc := range cases {
		got, ok := detectHeaderVersion([]byte(tc.in))
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%q: got %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCatalogVersionOverridesHeader(t *testing.T) {
	data := bytes.Replace(buildClassicPDF(), []byte("/Type /Catalog"), []byte("/Type /Catalog /Version /2.0"), 1)
	data = fixOffsets(t, data)
	doc, err := NewDocumentParser(Config{Repair: true}).Parse(context.Background(), data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Version != "2.0" {
		t.Fatalf("expected catalog version 2.0, got %q", doc.Version)
	}
}

func writeXRef(buf *bytes.Buffer, offs []int, trailer string) {
	xrefOffset := buf.Len()
	fmt.Fprintf(buf, "xref\n0 %d\n0000000000 65535 f \n", len(offs)+1)
	for _, off := range offs {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, xrefOffset)
}

func buildClassicPDF() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	offs := []int{buf.Len()}
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offs = append(offs, buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	writeXRef(buf, offs, "<< /Size 3 /Root 1 0 R /Info << /Title (Hello) >> >>")
	return buf.Bytes()
}

func buildIncrementalPDF() []byte {
	buf := bytes.NewBuffer(buildClassicPDF())
	prev := strings.LastIndex(buf.String(), "\nxref\n") + 1

	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	off3 := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 10 10] >>\nendobj\n")

	xrefOffset := buf.Len()
	fmt.Fprintf(buf, "xref\n2 2\n%010d 00000 n \n%010d 00000 n \n", off2, off3)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", prev, xrefOffset)
	return buf.Bytes()
}

// buildObjectStreamPDF stores the catalog and page tree inside an
// uncompressed object stream referenced from an xref stream.
func buildObjectStreamPDF() []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [] /Count 0 >>",
	}
	var header, body bytes.Buffer
	for i, o := range objs {
		fmt.Fprintf(&header, "%d %d ", i+1, body.Len())
		body.WriteString(o)
		body.WriteString("\n")
	}
	stm := header.String() + body.String()

	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.5\n")
	off3 := buf.Len()
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 2 /First %d /Length %d >>\nstream\n%s\nendstream\nendobj\n", header.Len(), len(stm), stm)

	xrefOffset := buf.Len()
	var rows bytes.Buffer
	row := func(typ byte, f2 int, f3 byte) {
		rows.WriteByte(typ)
		rows.WriteByte(byte(f2 >> 8))
		rows.WriteByte(byte(f2))
		rows.WriteByte(f3)
	}
	row(0, 0, 255)
	row(2, 3, 0)
	row(2, 3, 1)
	row(1, off3, 0)
	row(1, xrefOffset, 0)
	fmt.Fprintf(buf, "4 0 obj\n<< /Type /XRef /Size 5 /W [1 2 1] /Root 1 0 R /Length %d >>\nstream\n", rows.Len())
	buf.Write(rows.Bytes())
	fmt.Fprintf(buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

// shiftOffsets inserts padding after the header so every recorded offset
// is off by a few bytes while startxref still finds the table.
func shiftOffsets(data []byte) []byte {
	pad := []byte("%pad\n")
	idx := bytes.IndexByte(data, '\n') + 1
	out := append([]byte{}, data[:idx]...)
	out = append(out, pad...)
	out = append(out, data[idx:]...)
	start := bytes.LastIndex(out, []byte("startxref\n")) + len("startxref\n")
	end := bytes.IndexByte(out[start:], '\n') + start
	var old int
	fmt.Sscanf(string(out[start:end]), "%d", &old)
	return append(append(append([]byte{}, out[:start]...), []byte(fmt.Sprintf("%d", old+len(pad)))...), out[end:]...)
}

// fixOffsets drops the xref so the repair path rebuilds it.
func fixOffsets(t *testing.T, data []byte) []byte {
	t.Helper()
	idx := bytes.Index(data, []byte("\nxref\n"))
	if idx < 0 {
		t.Fatalf("xref not found")
	}
	tr := bytes.Index(data, []byte("trailer"))
	return append(append([]byte{}, data[:idx+1]...), data[tr:]...)
}
