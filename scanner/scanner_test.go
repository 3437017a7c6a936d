package scanner

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/wudi/pdfshrink/recovery"
)

func newScanner(t *testing.T, data string, cfg Config) Scanner {
	t.Helper()
	return New([]byte(data), cfg)
}

func nextToken(t *testing.T, s Scanner) Token {
	t.Helper()
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tok
}

func TestScanner_BasicTokens(t *testing.T) {
	s := newScanner(t, "%PDF-1.7\n1 0 obj\n<< /Name /Value /Nums [1 2 3] /Flag true /Null null /R 2.5 >>\nendobj", Config{})

	tok := nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 1 {
		t.Fatalf("expected first token number 1, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 0 {
		t.Fatalf("expected generation number 0, got %+v", tok)
	}
	if tok = nextToken(t, s); !tok.Is("obj") {
		t.Fatalf("expected obj keyword, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenDict {
		t.Fatalf("expected dict start, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Name" {
		t.Fatalf("expected Name key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Value" {
		t.Fatalf("expected Name value, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Nums" {
		t.Fatalf("expected Nums key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenArray {
		t.Fatalf("expected array start, got %+v", tok)
	}
	for i := int64(1); i <= 3; i++ {
		tok = nextToken(t, s)
		if tok.Type != TokenNumber || !tok.IsInt || tok.Int != i {
			t.Fatalf("expected array number %d, got %+v", i, tok)
		}
	}
	if tok = nextToken(t, s); !tok.Is("]") {
		t.Fatalf("expected array close, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Flag" {
		t.Fatalf("expected Flag key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenBoolean || !tok.Bool {
		t.Fatalf("expected true boolean, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Null" {
		t.Fatalf("expected Null key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenNull {
		t.Fatalf("expected null value, got %+v", tok)
	}
	nextToken(t, s)
	if tok = nextToken(t, s); tok.Type != TokenNumber || tok.IsInt || tok.Number() != 2.5 {
		t.Fatalf("expected real 2.5, got %+v", tok)
	}
	if tok = nextToken(t, s); !tok.Is(">>") {
		t.Fatalf("expected dict close, got %+v", tok)
	}
	if tok = nextToken(t, s); !tok.Is("endobj") {
		t.Fatalf("expected endobj, got %+v", tok)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestScanner_NameHexEscapes(t *testing.T) {
	s := newScanner(t, "/Name#20With#23Hash", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenName || tok.Str != "Name With#Hash" {
		t.Fatalf("unexpected name decode: %+v", tok)
	}
}

func TestScanner_LiteralStringEscapes(t *testing.T) {
	s := newScanner(t, "(Hi\\n\\050\\051\\t (nested))", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenString {
		t.Fatalf("expected string, got %+v", tok)
	}
	if !bytes.Equal(tok.Bytes, []byte("Hi\n()\t (nested)")) {
		t.Fatalf("unexpected literal string: %q", tok.Bytes)
	}
}

func TestScanner_LiteralStringLineContinuation(t *testing.T) {
	s := newScanner(t, "(Line\\\r\ncontinued)", Config{})
	tok := nextToken(t, s)
	if got := string(tok.Bytes); got != "Linecontinued" {
		t.Fatalf("unexpected literal string with continuation: %q", got)
	}
}

func TestScanner_HexStringOddLength(t *testing.T) {
	s := newScanner(t, "<48656c6c6f3>", Config{})
	tok := nextToken(t, s)
	want := []byte("Hello0")
	if tok.Type != TokenString || !tok.Hex || !bytes.Equal(tok.Bytes, want) {
		t.Fatalf("expected padded hex string %q, got %+v", want, tok)
	}
}

func TestScanner_ReferenceDetection(t *testing.T) {
	s := newScanner(t, "12 5 R %comment\n", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenRef || tok.Ref.Num != 12 || tok.Ref.Gen != 5 {
		t.Fatalf("unexpected ref value: %+v", tok)
	}
}

func TestScanner_NumbersBeforeOperatorAreNotReferences(t *testing.T) {
	s := newScanner(t, "1 0 RG", Config{})
	for _, want := range []int64{1, 0} {
		tok := nextToken(t, s)
		if tok.Type != TokenNumber || tok.Int != want {
			t.Fatalf("expected number %d, got %+v", want, tok)
		}
	}
	if tok := nextToken(t, s); !tok.Is("RG") {
		t.Fatalf("expected RG, got %+v", tok)
	}
}

func TestScanner_ContentStreamDisablesReferences(t *testing.T) {
	s := newScanner(t, "3 0 R", Config{ContentStream: true})
	if tok := nextToken(t, s); tok.Type != TokenNumber {
		t.Fatalf("expected number, got %+v", tok)
	}
}

func TestScanner_StreamWithLength(t *testing.T) {
	s := newScanner(t, "stream\r\nabcde\r\nendstream", Config{})
	s.SetNextStreamLength(5)
	tok := nextToken(t, s)
	if tok.Type != TokenStream || string(tok.Bytes) != "abcde" {
		t.Fatalf("unexpected stream token: %+v", tok)
	}
}

func TestScanner_StreamLengthContainingEndstream(t *testing.T) {
	s := newScanner(t, "stream\nxxendstreamyy\nendstream", Config{})
	s.SetNextStreamLength(13)
	tok := nextToken(t, s)
	if string(tok.Bytes) != "xxendstreamyy" {
		t.Fatalf("length hint should win over embedded marker, got %q", tok.Bytes)
	}
}

func TestScanner_StreamFallbackToEndstream(t *testing.T) {
	s := newScanner(t, "stream\nabc\r\nendstream\n", Config{})
	tok := nextToken(t, s)
	if got := string(tok.Bytes); got != "abc" {
		t.Fatalf("unexpected stream payload: %q", got)
	}
}

func TestScanner_StreamCRPrecedingEndstream(t *testing.T) {
	s := newScanner(t, "stream\rdata\rendstream\r", Config{})
	tok := nextToken(t, s)
	if got := string(tok.Bytes); got != "data" {
		t.Fatalf("unexpected stream payload: %q", got)
	}
}

func TestScanner_WrongLengthWithoutRecovery(t *testing.T) {
	s := newScanner(t, "stream\nabcdef\nendstream", Config{})
	s.SetNextStreamLength(2)
	if _, err := s.Next(); err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected length mismatch error, got %v", err)
	}
}

func TestScanner_Limits(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		cfg    Config
		length int64
		want   string
	}{
		{"hex", "<000102>", Config{MaxStringLength: 2}, -1, "hex string too long"},
		{"literal", "(abcdef)", Config{MaxStringLength: 3}, -1, "literal string too long"},
		{"stream", "stream\nabcdef\nendstream", Config{MaxStreamLength: 3}, 6, "stream too long"},
		{"inline", "ID \nabcdefghijk\nEI", Config{MaxInlineImage: 5}, -1, "inline image too long"},
		{"unterminated literal", "(abc", Config{}, -1, "unterminated literal string"},
		{"unterminated hex", "<abc", Config{}, -1, "unterminated hex string"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newScanner(t, tc.data, tc.cfg)
			s.SetNextStreamLength(tc.length)
			if _, err := s.Next(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestScanner_InlineImage(t *testing.T) {
	s := newScanner(t, "ID \x00\x01EI2\nEI\nBT", Config{ContentStream: true})
	tok := nextToken(t, s)
	if tok.Type != TokenInlineImage {
		t.Fatalf("expected inline image token, got %+v", tok)
	}
	if got := string(tok.Bytes); got != "\x00\x01EI2" {
		t.Fatalf("unexpected inline image payload: %q", got)
	}
	if tok = nextToken(t, s); !tok.Is("BT") {
		t.Fatalf("expected BT after inline image, got %+v", tok)
	}
}

func TestScanner_DepthLimits(t *testing.T) {
	s := newScanner(t, "<< /A << /B << >> >> >>", Config{MaxDictDepth: 2})
	var err error
	for err == nil {
		_, err = s.Next()
	}
	if !strings.Contains(err.Error(), "dict depth exceeded") {
		t.Fatalf("expected dict depth exceeded, got %v", err)
	}
}

type fixRecovery struct{}

func (f *fixRecovery) OnError(ctx recovery.Context, err error, loc recovery.Location) recovery.Action {
	return recovery.ActionFix
}

func TestScanner_FixUnterminatedStrings(t *testing.T) {
	for _, tc := range []struct{ in, want string }{{"(abc", "abc"}, {"<4142", "AB"}} {
		s := New([]byte(tc.in), Config{Recovery: &fixRecovery{}})
		tok, err := s.Next()
		if err != nil {
			t.Fatalf("expected recovery to continue, got %v", err)
		}
		if tok.Type != TokenString || string(tok.Bytes) != tc.want {
			t.Fatalf("unexpected token after recovery: %+v", tok)
		}
	}
}

func TestScanner_FixTruncatedStreamLength(t *testing.T) {
	s := New([]byte("stream\nabc"), Config{Recovery: &fixRecovery{}})
	s.SetNextStreamLength(5)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("expected recovery to continue, got %v", err)
	}
	if tok.Type != TokenStream || string(tok.Bytes) != "abc" {
		t.Fatalf("unexpected stream payload after recovery: %+v", tok)
	}
}

type recordRecovery struct {
	loc recovery.Location
	err error
}

func (r *recordRecovery) OnError(ctx recovery.Context, err error, loc recovery.Location) recovery.Action {
	r.loc = loc
	r.err = err
	return recovery.ActionWarn
}

func TestScanner_RecoveryContextIncludesObject(t *testing.T) {
	rec := &recordRecovery{}
	s := New([]byte("<abc"), Config{Recovery: rec})
	s.SetRecoveryLocation(recovery.Location{ObjectNum: 5, ObjectGen: 2, Component: "parser"})
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected unterminated hex string error")
	}
	if rec.loc.ObjectNum != 5 || rec.loc.ObjectGen != 2 {
		t.Fatalf("expected object context 5 2, got %+v", rec.loc)
	}
	if !strings.Contains(rec.loc.Component, "scanner:hex") {
		t.Fatalf("expected component to include scanner:hex, got %q", rec.loc.Component)
	}
}
