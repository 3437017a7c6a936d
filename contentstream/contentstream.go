// Package contentstream parses page content streams into operations and
// runs them through a graphics state machine with pluggable operator
// handlers.
package contentstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfshrink/coords"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/scanner"
)

// Operation is one operator with its operands. Inline images (BI ... EI)
// become a single "BI" operation with Inline set.
type Operation struct {
	Operator string
	Operands []raw.Object
	Inline   *InlineImage
}

// InlineImage holds the dictionary and undecoded data of a BI/ID/EI block.
// Keys keep their abbreviated inline form (W, H, CS, F ...).
type InlineImage struct {
	Dict *raw.DictObj
	Data []byte
}

// Parse splits a decoded content stream into operations. A syntax error
// stops parsing; the operations read so far are returned with the error.
func Parse(data []byte) ([]Operation, error) {
	s := scanner.New(data, scanner.Config{ContentStream: true, MaxArrayDepth: 64, MaxDictDepth: 64})
	r := scanner.NewObjectReader(s, nil)
	var ops []Operation
	var operands []raw.Object
	for {
		tok, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ops, nil
			}
			return ops, err
		}
		if tok.Type != scanner.TokenKeyword {
			r.Unread(tok)
			obj, err := r.ReadObject()
			if err != nil {
				return ops, err
			}
			operands = append(operands, obj)
			continue
		}
		if tok.Str == "BI" {
			img, err := readInlineImage(r)
			if err != nil {
				return ops, err
			}
			ops = append(ops, Operation{Operator: "BI", Inline: img})
			operands = nil
			continue
		}
		ops = append(ops, Operation{Operator: tok.Str, Operands: operands})
		operands = nil
	}
}

func readInlineImage(r *scanner.ObjectReader) (*InlineImage, error) {
	img := &InlineImage{Dict: raw.Dict()}
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("inline image: %w", err)
		}
		switch tok.Type {
		case scanner.TokenInlineImage:
			img.Data = tok.Bytes
			return img, nil
		case scanner.TokenName:
			val, err := r.ReadObject()
			if err != nil {
				return nil, fmt.Errorf("inline image /%s: %w", tok.Str, err)
			}
			img.Dict.Set(tok.Str, val)
		default:
			return nil, fmt.Errorf("inline image: unexpected token at offset %d", tok.Pos)
		}
	}
}

type Processor interface {
	// Process parses stream and runs the resulting operations.
	Process(ctx context.Context, stream []byte, ec *ExecutionContext) error
	Run(ctx context.Context, ops []Operation, ec *ExecutionContext) error
	RegisterHandler(op string, h OperatorHandler)
}

// OperatorHandler is called after the built-in state update for op.
type OperatorHandler interface {
	Handle(ec *ExecutionContext, op Operation) error
}

type HandlerFunc func(ec *ExecutionContext, op Operation) error

func (f HandlerFunc) Handle(ec *ExecutionContext, op Operation) error { return f(ec, op) }

// ExecutionContext is the interpreter state for one content stream.
type ExecutionContext struct {
	Doc           *raw.Document
	Resources     *raw.DictObj
	GraphicsState *GraphicsState
	OpIndex       int
}

// NewExecutionContext starts a stream with ctm as the initial matrix.
func NewExecutionContext(doc *raw.Document, resources *raw.DictObj, ctm coords.Matrix) *ExecutionContext {
	if resources == nil {
		resources = raw.Dict()
	}
	return &ExecutionContext{Doc: doc, Resources: resources, GraphicsState: NewGraphicsState(ctm)}
}

// Resource looks up name in the given resource category (XObject, Font,
// ExtGState, ColorSpace ...).
func (ec *ExecutionContext) Resource(category, name string) (raw.Object, bool) {
	catObj, ok := ec.Resources.Get(category)
	if !ok {
		return nil, false
	}
	cat, ok := ec.Doc.DictOf(catObj)
	if !ok {
		return nil, false
	}
	return cat.Get(name)
}

type simpleProcessor struct{ handlers map[string]OperatorHandler }

func NewProcessor() Processor { return &simpleProcessor{handlers: make(map[string]OperatorHandler)} }

func (p *simpleProcessor) RegisterHandler(op string, h OperatorHandler) { p.handlers[op] = h }

func (p *simpleProcessor) Process(ctx context.Context, stream []byte, ec *ExecutionContext) error {
	ops, perr := Parse(stream)
	if err := p.Run(ctx, ops, ec); err != nil {
		return err
	}
	return perr
}

func (p *simpleProcessor) Run(ctx context.Context, ops []Operation, ec *ExecutionContext) error {
	for i, op := range ops {
		if i&0xff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ec.OpIndex = i
		ec.GraphicsState.apply(ec, op)
		if h, ok := p.handlers[op.Operator]; ok {
			if err := h.Handle(ec, op); err != nil {
				return err
			}
		}
	}
	return nil
}

// Numbers converts operands to floats; ok is false if any operand is not
// numeric or the count differs from n.
func Numbers(operands []raw.Object, n int) ([]float64, bool) {
	if len(operands) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, o := range operands {
		f, ok := raw.AsFloat(o)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
