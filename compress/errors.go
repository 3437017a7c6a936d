package compress

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfshrink/codec"
	"github.com/wudi/pdfshrink/ir/raw"
	"github.com/wudi/pdfshrink/optimize"
)

// ParseError means the input is not a readable PDF. It is fatal for the
// document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", name(e.Path), e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// UnsupportedImageError is an embedded image whose filter or colour space
// cannot be decoded. The image is left unmodified.
type UnsupportedImageError struct {
	Ref raw.ObjectRef
	Err error
}

func (e *UnsupportedImageError) Error() string {
	return fmt.Sprintf("image %s unsupported: %v", e.Ref, e.Err)
}
func (e *UnsupportedImageError) Unwrap() error { return e.Err }

// EncodeError means the codec rejected a pixel buffer. Ref names the
// embedded image; Page is the 1-based page number for rasterized pages
// and 0 otherwise.
type EncodeError struct {
	Ref  raw.ObjectRef
	Page int
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("encode page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("encode image %s: %v", e.Ref, e.Err)
}
func (e *EncodeError) Unwrap() error { return e.Err }

// WriteError means the output could not be produced or stored. It is
// fatal for the document.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", name(e.Path), e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ConfigError is an invalid setting, reported before any input is read.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Warning is a recovered problem in an otherwise successful run. Err is
// an *UnsupportedImageError, an *EncodeError or a repaired syntax problem.
type Warning struct {
	Ref raw.ObjectRef
	Err error
}

func (w Warning) String() string {
	if w.Ref.Num == 0 {
		return w.Err.Error()
	}
	return fmt.Sprintf("object %s: %v", w.Ref, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

func imageWarning(f optimize.Failure) Warning {
	if errors.Is(f.Err, codec.ErrEncode) {
		return Warning{Ref: f.Ref, Err: &EncodeError{Ref: f.Ref, Err: f.Err}}
	}
	return Warning{Ref: f.Ref, Err: &UnsupportedImageError{Ref: f.Ref, Err: f.Err}}
}

func name(path string) string {
	if path == "" {
		return "<memory>"
	}
	return path
}
