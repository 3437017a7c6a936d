package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfshrink/batch"
	"github.com/wudi/pdfshrink/compress"
	"github.com/wudi/pdfshrink/render"
	"github.com/wudi/pdfshrink/verify"
)

// settings are the flags shared by compress and batch.
type settings struct {
	quality        int
	resolution     int
	mode           string
	verify         bool
	strict         bool
	renderer       string
	skipAnnots     bool
	recompressJPEG bool
	keepLarger     bool
	streams        bool
}

// fitzRenderer is set when built with the fitz tag.
var fitzRenderer func() render.PageRenderer

func (s *settings) register(cmd *cobra.Command) {
	def := compress.DefaultConfig()
	f := cmd.Flags()
	f.IntVarP(&s.quality, "quality", "q", def.Quality, "JPEG quality, 1-100")
	f.IntVarP(&s.resolution, "resolution", "r", def.Resolution, "Rasterization DPI, or target PPI for embedded images")
	f.StringVarP(&s.mode, "mode", "m", string(def.Mode), "rasterize-pages or reencode-images")
	f.BoolVar(&s.verify, "verify", false, "Validate the output with pdfcpu before writing it")
	f.BoolVar(&s.strict, "strict", false, "Fail on malformed input instead of repairing it")
	f.StringVar(&s.renderer, "renderer", "builtin", "Page renderer: builtin or fitz (needs a fitz build)")
	f.BoolVar(&s.skipAnnots, "skip-annotations", false, "Do not draw annotation appearances when rasterizing")
	f.BoolVar(&s.recompressJPEG, "recompress-jpeg", true, "Re-encode images that are already JPEG")
	f.BoolVar(&s.keepLarger, "keep-if-larger", true, "Keep an image's original bytes when re-encoding does not shrink it")
	f.BoolVar(&s.streams, "recompress-streams", false, "Re-deflate LZW, ASCII and RunLength streams")
}

func (s *settings) compressor(cmd *cobra.Command) (*compress.Compressor, error) {
	mode, err := compress.ParseMode(s.mode)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd.ErrOrStderr())
	opts := compress.DefaultOptions()
	opts.Logger = log
	opts.Strict = s.strict
	opts.Policy.RecompressJPEG = s.recompressJPEG
	opts.Policy.KeepIfLarger = s.keepLarger
	opts.RecompressStreams = s.streams
	switch s.renderer {
	case "builtin":
		opts.Renderer = render.New(render.Options{SkipAnnotations: s.skipAnnots, Logger: log})
	case "fitz":
		if fitzRenderer == nil {
			return nil, &compress.ConfigError{Field: "renderer", Value: s.renderer, Reason: "binary built without the fitz tag"}
		}
		opts.Renderer = fitzRenderer()
	default:
		return nil, &compress.ConfigError{Field: "renderer", Value: s.renderer, Reason: "want builtin or fitz"}
	}
	if s.verify {
		opts.Verifier = verify.New()
	}
	return compress.New(compress.Config{Quality: s.quality, Resolution: s.resolution, Mode: mode}, opts)
}

var (
	compressFlags  settings
	compressOutput string
)

var compressCmd = &cobra.Command{
	Use:   "compress <input.pdf>",
	Short: "Compress one PDF",
	Long: `Compresses a single PDF. Without -o the output is written next to the
input as <name>_compressed_q<quality>.pdf.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := compressFlags.compressor(cmd)
		if err != nil {
			return err
		}
		in := args[0]
		out := compressOutput
		if out == "" {
			out = filepath.Join(filepath.Dir(in), batch.OutputName(in, c.Config().Quality))
		}
		res, err := c.CompressFile(cmd.Context(), in, out)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s -> %s\n", in, out)
		fmt.Fprintf(w, "  Original:   %.2f KB\n", res.Sizes.OriginalKB)
		fmt.Fprintf(w, "  Compressed: %.2f KB\n", res.Sizes.CompressedKB)
		fmt.Fprintf(w, "  Reduction:  %.2f%%\n", res.Sizes.PercentReduction)
		for _, warn := range res.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "  warning: %s\n", warn)
		}
		return nil
	},
}

func init() {
	compressFlags.register(compressCmd)
	compressCmd.Flags().StringVarP(&compressOutput, "output", "o", "", "Output file")
	rootCmd.AddCommand(compressCmd)
}

var (
	batchFlags   settings
	batchOutput  string
	batchWorkers int
	batchReport  string
)

var batchCmd = &cobra.Command{
	Use:   "batch <directory>",
	Short: "Compress every PDF in a directory",
	Long: `Compresses each *.pdf file of a directory (case-insensitive, not recursive)
into <name>_compressed_q<quality>.pdf in the output directory. A file that
fails is reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := batchFlags.compressor(cmd)
		if err != nil {
			return err
		}
		res, err := batch.Run(cmd.Context(), c, args[0], batch.Options{
			OutputDir: batchOutput,
			Workers:   batchWorkers,
			Report:    batchReport,
			Logger:    newLogger(cmd.ErrOrStderr()),
		})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range res.Entries {
			if e.Failed() {
				fmt.Fprintf(w, "%s: error: %s\n", filepath.Base(e.Input), e.Error)
				continue
			}
			fmt.Fprintf(w, "%s: %.2f KB -> %.2f KB (%.2f%%)\n", filepath.Base(e.Input), e.Sizes.OriginalKB, e.Sizes.CompressedKB, e.Sizes.PercentReduction)
		}
		s := res.Summary
		fmt.Fprintf(w, "%d files, %d compressed, %d failed\n", s.Files, s.Succeeded, s.Failed)
		if s.Failed > 0 {
			return fmt.Errorf("%d of %d files failed", s.Failed, s.Files)
		}
		return nil
	},
}

func init() {
	batchFlags.register(batchCmd)
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "Output directory (default: <directory>/"+batch.DefaultOutputDir+")")
	batchCmd.Flags().IntVarP(&batchWorkers, "workers", "w", 0, "Files processed at once (default: number of CPUs)")
	batchCmd.Flags().StringVar(&batchReport, "report", "", "Write a report file (.json, .md or .html)")
	rootCmd.AddCommand(batchCmd)
}
