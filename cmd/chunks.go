package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/demux"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

type chunksOptions struct {
	Track        string
	Limit        int
	OutputFormat string
	windowFlags
}

type chunkRow struct {
	Index       int    `json:"index"`
	Type        string `json:"type"`
	TimestampUs int64  `json:"timestampUs"`
	DurationUs  int64  `json:"durationUs"`
	Size        int    `json:"size"`
}

func NewChunksCommand() *cobra.Command {
	opts := &chunksOptions{}

	cmd := &cobra.Command{
		Use:   "chunks <source>",
		Short: "List the encoded chunks of a track",
		Long: `Demux a source and list the encoded chunks of its video or audio track inside a time window.
Video listings start at the last key frame at or before --start so that the first chunk is decodable.`,
		Example: `  gmedia chunks movie.mp4
  gmedia chunks movie.mp4 --track audio --start 1.5 --end 3
  gmedia chunks clip.webm --limit 10 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChunks(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Track, "track", "video", "Track to list (video or audio)")
	flags.IntVar(&opts.Limit, "limit", 0, "Stop after this many chunks (0 for all)")
	opts.windowFlags.register(cmd)
	registerOutputFlag(cmd, &opts.OutputFormat, []string{"text", "json"})
	cmd.RegisterFlagCompletionFunc("track", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"video", "audio"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func runChunks(cmd *cobra.Command, arg string, opts *chunksOptions) error {
	window, err := opts.window()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	src := openSource(arg)
	d := demux.New(src, demuxOptions()...)
	defer d.Stop()

	meta, err := d.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to demux %s: %w", src, err)
	}

	var track media.TrackMetadata
	switch opts.Track {
	case "video":
		if meta.Video == nil {
			return media.ErrMissingVideoTrack
		}
		track = meta.Video
	case "audio":
		if meta.Audio == nil {
			return fmt.Errorf("%s has no audio track: %w", src, media.ErrMissingTrack)
		}
		track = meta.Audio
	default:
		return fmt.Errorf("unknown track %q, expected video or audio", opts.Track)
	}

	stream, err := d.GetChunkStream(track, window)
	if err != nil {
		return err
	}

	var rows []chunkRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Start(gctx)
	})
	g.Go(func() error {
		defer stream.Cancel()
		for opts.Limit <= 0 || len(rows) < opts.Limit {
			chunk, err := stream.Recv(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			rows = append(rows, chunkRow{
				Index:       len(rows),
				Type:        string(chunk.Type),
				TimestampUs: chunk.TimestampUs,
				DurationUs:  chunk.DurationUs,
				Size:        len(chunk.Data),
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to read chunks: %w", err)
	}

	w := cmd.OutOrStdout()
	if ok, err := encode(w, opts.OutputFormat, rows); ok {
		return err
	}
	printChunks(w, rows)
	return nil
}

func printChunks(w io.Writer, rows []chunkRow) {
	tableRows := make([]map[string]any, len(rows))
	for i, r := range rows {
		typ := r.Type
		if typ == string(media.ChunkKey) {
			typ = color.GreenString(typ)
		}
		tableRows[i] = map[string]any{
			"index":     r.Index,
			"type":      typ,
			"timestamp": fmt.Sprintf("%.3f", float64(r.TimestampUs)/1e6),
			"duration":  fmt.Sprintf("%.3f", float64(r.DurationUs)/1e6),
			"size":      r.Size,
		}
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "#", Key: "index", Right: true},
		{Header: "TYPE", Key: "type"},
		{Header: "TIME (s)", Key: "timestamp", Right: true},
		{Header: "DURATION (s)", Key: "duration", Right: true},
		{Header: "BYTES", Key: "size", Right: true},
	}, tableRows)
}
