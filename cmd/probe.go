package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/demux"
	"github.com/babelcloud/gbox/packages/media/internal/media/webm"
)

type probeOptions struct {
	OutputFormat string
}

// probeReport is the structured probe output.
type probeReport struct {
	Source   string               `json:"source" yaml:"source" toml:"source"`
	Type     media.ContainerType  `json:"type" yaml:"type" toml:"type"`
	Duration float64              `json:"duration" yaml:"duration" toml:"duration"`
	Video    *media.VideoMetadata `json:"video,omitempty" yaml:"video,omitempty" toml:"video,omitempty"`
	Audio    *media.AudioMetadata `json:"audio,omitempty" yaml:"audio,omitempty" toml:"audio,omitempty"`
}

func NewProbeCommand() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe <source>",
		Short: "Show container and track metadata",
		Long: `Detect the container of a source and print its duration and the first video and audio tracks.
The source is a file path, an http(s) URL or "-" for standard input.`,
		Example: `  gmedia probe movie.mp4
  gmedia probe https://example.com/clip.webm -o json
  cat clip.webm | gmedia probe -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, args[0], opts)
		},
	}

	registerOutputFlag(cmd, &opts.OutputFormat, outputFormats)
	return cmd
}

func runProbe(cmd *cobra.Command, arg string, opts *probeOptions) error {
	src := openSource(arg)
	d := demux.New(src, demuxOptions()...)
	defer d.Stop()

	meta, err := d.Init(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", src, err)
	}

	w := cmd.OutOrStdout()
	report := probeReport{
		Source:   src.String(),
		Type:     meta.Type,
		Duration: meta.Duration,
		Video:    meta.Video,
		Audio:    meta.Audio,
	}
	if ok, err := encode(w, opts.OutputFormat, report); ok {
		return err
	}
	printProbe(w, report)
	return nil
}

func printProbe(w io.Writer, r probeReport) {
	label := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", label("Source:   "), r.Source)
	fmt.Fprintf(w, "%s %s\n", label("Container:"), r.Type)
	fmt.Fprintf(w, "%s %.3fs\n", label("Duration: "), r.Duration)

	if v := r.Video; v != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.New(color.Bold).Sprint("Video"))
		fmt.Fprintf(w, "  Track:      %d\n", v.ID)
		fmt.Fprintf(w, "  Codec:      %s%s\n", v.Codec, codecIDSuffix(r.Type, v.Codec))
		fmt.Fprintf(w, "  Size:       %dx%d\n", v.CodedWidth, v.CodedHeight)
		fmt.Fprintf(w, "  Frame rate: %.3f fps\n", v.FPS)
		fmt.Fprintf(w, "  Duration:   %.3fs\n", v.Duration)
		if v.Rotation != 0 {
			fmt.Fprintf(w, "  Rotation:   %s\n", color.YellowString("%g°", v.Rotation))
		}
		if !v.ColorSpace.IsZero() {
			fmt.Fprintf(w, "  Colour:     %s\n", colorSpaceString(v.ColorSpace))
		}
	} else {
		fmt.Fprintf(w, "\n%s\n", color.YellowString("No video track"))
	}

	if a := r.Audio; a != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.New(color.Bold).Sprint("Audio"))
		fmt.Fprintf(w, "  Track:       %d\n", a.ID)
		fmt.Fprintf(w, "  Codec:       %s%s\n", a.Codec, codecIDSuffix(r.Type, a.Codec))
		fmt.Fprintf(w, "  Sample rate: %d Hz\n", a.SampleRate)
		fmt.Fprintf(w, "  Channels:    %d\n", a.NumberOfChannels)
		fmt.Fprintf(w, "  Duration:    %.3fs\n", a.Duration)
		if a.CodecDelay != nil {
			fmt.Fprintf(w, "  Codec delay: %dus\n", *a.CodecDelay)
		}
	} else {
		fmt.Fprintf(w, "\n%s\n", color.YellowString("No audio track"))
	}
}

// codecIDSuffix names the Matroska codec id behind a WebM codec string.
func codecIDSuffix(container media.ContainerType, codec string) string {
	if container != media.ContainerWebM {
		return ""
	}
	if id, ok := webm.CodecID(codec); ok {
		return color.HiBlackString(" (%s)", id)
	}
	return ""
}

func colorSpaceString(cs *media.ColorSpace) string {
	var parts []string
	for _, kv := range [][2]string{{"primaries", cs.Primaries}, {"transfer", cs.Transfer}, {"matrix", cs.Matrix}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if cs.FullRange != nil {
		parts = append(parts, fmt.Sprintf("fullRange=%t", *cs.FullRange))
	}
	return strings.Join(parts, " ")
}
