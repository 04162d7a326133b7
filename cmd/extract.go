package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/media/config"
	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/extract"
	"github.com/babelcloud/gbox/packages/media/internal/media/ffmpeg"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

type extractOptions struct {
	OutDir     string
	Limit      int
	NoFallback bool
	windowFlags
}

func NewExtractCommand() *cobra.Command {
	opts := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "extract <source>",
		Short: "Extract decoded video frames as PNG images",
		Long: `Decode the video track of a source inside a time window and write every frame as a PNG file.
Frames are named by their index and their time relative to the window start.
When the ffmpeg decoder cannot handle the track, the whole source is rendered by ffmpeg instead.`,
		Example: `  gmedia extract movie.mp4 --start 2 --end 4 --out frames
  gmedia extract https://example.com/clip.webm --limit 1 --out thumb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutDir, "out", "frames", "Directory to write frames to")
	flags.IntVar(&opts.Limit, "limit", 0, "Stop after this many frames (0 for all)")
	flags.BoolVar(&opts.NoFallback, "no-fallback", false, "Fail instead of rendering when the decoder cannot be used")
	opts.windowFlags.register(cmd)
	return cmd
}

func extractorOptions(src source.Source, window media.Window, noFallback bool) extract.Options {
	ffmpegPath := config.GetFFmpegPath()
	opts := extract.Options{
		Source:              src,
		Window:              window,
		Platform:            ffmpeg.NewPlatform(ffmpegPath),
		BrokenPlatforms:     config.GetBrokenDecoderPlatforms(),
		HighWaterMark:       config.GetExtractHighWaterMark(),
		DecodeHighWaterMark: config.GetDecodeHighWaterMark(),
		DemuxOptions:        demuxOptions(),
	}
	if !noFallback {
		opts.Fallback = func(_ context.Context, src source.Source, track *media.VideoMetadata, window media.Window) (extract.Strategy, error) {
			return ffmpeg.NewRenderer(ffmpegPath, src, track, window), nil
		}
	}
	return opts
}

func runExtract(cmd *cobra.Command, arg string, opts *extractOptions) error {
	window, err := opts.window()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := openSource(arg)
	ext := extract.New(extractorOptions(src, window, opts.NoFallback))
	defer ext.Dispose()

	logger := util.GetLogger().With("component", "extract_cmd", "session", ext.ID())

	meta, err := ext.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	logger.Debug("Extracting", "codec", meta.Video.Codec, "strategy", ext.StrategyName(), "out", opts.OutDir)

	sp := util.NewSpinner(fmt.Sprintf("Extracting frames from %s (%s)", src, ext.StrategyName()))
	written := 0

	var g errgroup.Group
	g.Go(func() error {
		return ext.Start(ctx)
	})
	g.Go(func() error {
		for opts.Limit <= 0 || written < opts.Limit {
			frame, err := ext.Next(ctx)
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if err := writeFrame(opts.OutDir, frame); err != nil {
				ext.Cancel()
				return err
			}
			written++
			sp.Update(fmt.Sprintf("Extracted %d frames", written))
		}
		ext.Cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		sp.Fail(fmt.Sprintf("Extraction failed after %d frames", written))
		return err
	}

	summary := fmt.Sprintf("Extracted %d frames to %s", written, opts.OutDir)
	if ctx.Err() != nil {
		summary += " (interrupted)"
	}
	if rotation := ext.Rotation(); rotation != 0 {
		summary += fmt.Sprintf(", display rotation %g°", rotation)
	}
	sp.Success(summary)
	return nil
}

// framePath names a frame by its index and window-relative time.
func framePath(dir string, f *extract.Frame) string {
	return filepath.Join(dir, fmt.Sprintf("frame-%05d-%010dus.png", f.Index, f.TimestampUs))
}

func writeFrame(dir string, f *extract.Frame) error {
	if f.Format != decode.PixelFormatRGBA {
		return fmt.Errorf("frame %d has unsupported pixel format %s", f.Index, f.Format)
	}
	img := &image.NRGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}

	path := framePath(dir, f)
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return out.Close()
}
