// Command pdfshrink makes PDF files smaller by rasterizing their pages or
// re-encoding their images.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfshrink/compress"
	"github.com/wudi/pdfshrink/observability"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "pdfshrink",
	Short:         "Reduce the size of PDF files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfshrink: %v\n", err)
		var cerr *compress.ConfigError
		if errors.As(err, &cerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(w io.Writer) observability.Logger {
	opts := &slog.HandlerOptions{Level: observability.ParseLevel(logLevel)}
	if logFormat == "json" {
		return observability.NewSlogLogger(slog.NewJSONHandler(w, opts))
	}
	return observability.NewSlogLogger(slog.NewTextHandler(w, opts))
}
