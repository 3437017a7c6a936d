// Package verify re-reads finished output with pdfcpu, an independent
// parser, before it is stored.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrInvalid wraps pdfcpu read and validation failures.
	ErrInvalid = errors.New("output failed validation")
	// ErrPageCount means the output page count differs from the input's.
	ErrPageCount = errors.New("page count changed")
)

var disableConfigDir sync.Once

// PdfcpuVerifier validates serialized documents with pdfcpu.
type PdfcpuVerifier struct {
	// Strict uses pdfcpu's strict validation mode instead of relaxed.
	Strict bool
}

func New() *PdfcpuVerifier {
	// pdfcpu otherwise creates a configuration directory in the user's
	// home on first use.
	disableConfigDir.Do(api.DisableConfigDir)
	return &PdfcpuVerifier{}
}

// Verify checks that data parses and validates, and, when wantPages is
// positive, that it has exactly wantPages pages.
func (v *PdfcpuVerifier) Verify(ctx context.Context, data []byte, wantPages int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if v.Strict {
		conf.ValidationMode = model.ValidationStrict
	}
	pctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return fmt.Errorf("%w: read: %v", ErrInvalid, err)
	}
	if err := api.ValidateContext(pctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := pctx.EnsurePageCount(); err != nil {
		return fmt.Errorf("%w: page count: %v", ErrInvalid, err)
	}
	if wantPages > 0 && pctx.PageCount != wantPages {
		return fmt.Errorf("%w: got %d, want %d", ErrPageCount, pctx.PageCount, wantPages)
	}
	return nil
}
