package compress

import (
	"fmt"
	"strings"
)

// Mode selects the compression pipeline.
type Mode string

const (
	// ModeRasterize replaces every page with a single JPEG of it.
	ModeRasterize Mode = "rasterize-pages"
	// ModeReencode re-encodes embedded images and keeps everything else.
	ModeReencode Mode = "reencode-images"
)

// ParseMode accepts the canonical names and the short forms
// "rasterize" and "reencode".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeRasterize), "rasterize":
		return ModeRasterize, nil
	case string(ModeReencode), "reencode":
		return ModeReencode, nil
	}
	return "", &ConfigError{Field: "mode", Value: s, Reason: "want rasterize-pages or reencode-images"}
}

// Config is the user facing compression setting. It is a value; copies
// never share state.
type Config struct {
	// Quality is the JPEG quality, 1 to 100.
	Quality int
	// Resolution is the rasterization DPI, or the target PPI above which
	// embedded images are downsampled.
	Resolution int
	Mode       Mode
}

// DefaultConfig matches the original tool: quality 80 at 150 DPI,
// rasterizing pages.
func DefaultConfig() Config {
	return Config{Quality: 80, Resolution: 150, Mode: ModeRasterize}
}

// Validate returns a *ConfigError for the first invalid field.
func (c Config) Validate() error {
	if c.Quality < 1 || c.Quality > 100 {
		return &ConfigError{Field: "quality", Value: c.Quality, Reason: "must be between 1 and 100"}
	}
	if c.Resolution <= 0 {
		return &ConfigError{Field: "resolution", Value: c.Resolution, Reason: "must be a positive DPI"}
	}
	if c.Mode != ModeRasterize && c.Mode != ModeReencode {
		return &ConfigError{Field: "mode", Value: c.Mode, Reason: "want rasterize-pages or reencode-images"}
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("%s q=%d dpi=%d", c.Mode, c.Quality, c.Resolution)
}
