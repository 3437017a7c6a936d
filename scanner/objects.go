package scanner

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/recovery"
)

// ObjectReader assembles raw objects from scanner tokens.
type ObjectReader struct {
	s   Scanner
	buf []Token
	rec recovery.Strategy
	loc recovery.Location
	// LengthOf resolves an indirect /Length entry. Without it such streams
	// fall back to searching for endstream.
	LengthOf func(ref raw.ObjectRef) (int64, bool)
}

func NewObjectReader(s Scanner, rec recovery.Strategy) *ObjectReader {
	return &ObjectReader{s: s, rec: rec}
}

func (r *ObjectReader) Next() (Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

func (r *ObjectReader) Unread(tok Token) { r.buf = append(r.buf, tok) }

// Seek repositions the underlying scanner and drops pushed back tokens.
func (r *ObjectReader) Seek(offset int64) error {
	r.buf = r.buf[:0]
	return r.s.Seek(offset)
}

// ReadIndirect parses "num gen obj ... endobj" at the current position.
func (r *ObjectReader) ReadIndirect() (raw.ObjectRef, raw.Object, error) {
	var ref raw.ObjectRef
	num, err := r.Next()
	if err != nil {
		return ref, nil, err
	}
	gen, err := r.Next()
	if err != nil {
		return ref, nil, err
	}
	kw, err := r.Next()
	if err != nil {
		return ref, nil, err
	}
	if num.Type != TokenNumber || !num.IsInt || gen.Type != TokenNumber || !gen.IsInt || !kw.Is("obj") {
		return ref, nil, fmt.Errorf("expected object header at offset %d", num.Pos)
	}
	ref = raw.ObjectRef{Num: int(num.Int), Gen: int(gen.Int)}
	r.loc = recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "parser"}
	r.s.SetRecoveryLocation(r.loc)
	defer func() { r.loc = recovery.Location{} }()

	tok, err := r.Next()
	if err != nil {
		return ref, nil, err
	}
	if tok.Is("endobj") {
		if err := r.recover(errors.New("empty object body")); err != nil {
			return ref, nil, err
		}
		return ref, raw.NullObj{}, nil
	}
	r.Unread(tok)
	obj, err := r.ReadObject()
	if err != nil {
		return ref, nil, err
	}
	if dict, ok := obj.(*raw.DictObj); ok && len(r.buf) == 0 {
		r.s.SetNextStreamLength(r.streamLength(dict))
		next, err := r.Next()
		r.s.SetNextStreamLength(-1)
		if err == nil {
			if next.Type == TokenStream {
				obj = raw.NewStream(dict, next.Bytes)
			} else {
				r.Unread(next)
			}
		}
	}
	if next, err := r.Next(); err == nil && !next.Is("endobj") {
		r.Unread(next)
	}
	return ref, obj, nil
}

func (r *ObjectReader) streamLength(dict *raw.DictObj) int64 {
	v, ok := dict.Get("Length")
	if !ok {
		return -1
	}
	switch l := v.(type) {
	case raw.NumberObj:
		if l.IsInt && l.I >= 0 {
			return l.I
		}
	case raw.RefObj:
		if r.LengthOf != nil {
			if n, ok := r.LengthOf(l.R); ok && n >= 0 {
				return n
			}
		}
	}
	return -1
}

// ReadObject parses one direct object.
func (r *ObjectReader) ReadObject() (raw.Object, error) {
	tok, err := r.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberFloat(tok.Float), nil
	case TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case TokenNull:
		return raw.NullObj{}, nil
	case TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case TokenRef:
		return raw.RefObj{R: tok.Ref}, nil
	case TokenArray:
		return r.readArray()
	case TokenDict:
		return r.readDict()
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
}

func (r *ObjectReader) readArray() (raw.Object, error) {
	arr := &raw.ArrayObj{}
	for {
		tok, err := r.Next()
		if err != nil {
			if rerr := r.recover(fmt.Errorf("unterminated array: %w", err)); rerr != nil {
				return nil, rerr
			}
			return arr, nil
		}
		if tok.Is("]") {
			return arr, nil
		}
		if tok.Is("endobj") || tok.Is(">>") {
			if err := r.recover(errors.New("unterminated array")); err != nil {
				return nil, err
			}
			r.Unread(tok)
			return arr, nil
		}
		r.Unread(tok)
		item, err := r.ReadObject()
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

func (r *ObjectReader) readDict() (raw.Object, error) {
	d := raw.Dict()
	for {
		tok, err := r.Next()
		if err != nil {
			if rerr := r.recover(fmt.Errorf("unterminated dictionary: %w", err)); rerr != nil {
				return nil, rerr
			}
			return d, nil
		}
		if tok.Is(">>") {
			return d, nil
		}
		if tok.Is("endobj") || tok.Type == TokenStream {
			if err := r.recover(errors.New("unexpected " + tokenName(tok) + " in dict (missing >>?)")); err != nil {
				return nil, err
			}
			r.Unread(tok)
			return d, nil
		}
		if tok.Type != TokenName {
			if err := r.recover(fmt.Errorf("expected name in dict at offset %d", tok.Pos)); err != nil {
				return nil, err
			}
			continue
		}
		val, err := r.ReadObject()
		if err != nil {
			return nil, err
		}
		// A null value is equivalent to an absent entry.
		if _, isNull := val.(raw.NullObj); isNull {
			continue
		}
		d.Set(tok.Str, val)
	}
}

func tokenName(tok Token) string {
	if tok.Type == TokenStream {
		return "stream"
	}
	return tok.Str
}

func (r *ObjectReader) recover(err error) error {
	if r.rec == nil {
		return err
	}
	loc := r.loc
	if loc.Component == "" {
		loc.Component = "parser"
	}
	switch r.rec.OnError(nil, err, loc) {
	case recovery.ActionFix, recovery.ActionSkip, recovery.ActionWarn:
		return nil
	}
	return err
}
