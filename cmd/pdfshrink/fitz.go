//go:build fitz

package main

import (
	"github.com/wudi/pdfshrink/render"
	"github.com/wudi/pdfshrink/render/fitz"
)

func init() {
	fitzRenderer = func() render.PageRenderer { return fitz.New() }
}
