package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/babelcloud/gbox/packages/media/config"
	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/demux"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

// windowFlags are the --start/--end flags shared by chunks and extract.
type windowFlags struct {
	Start float64
	End   float64
}

func (w *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&w.Start, "start", 0, "Window start in seconds")
	cmd.Flags().Float64Var(&w.End, "end", 0, "Window end in seconds (0 for the end of the source)")
}

func (w *windowFlags) window() (media.Window, error) {
	if w.Start < 0 {
		return media.Window{}, fmt.Errorf("--start must not be negative, got %g", w.Start)
	}
	win := media.WindowSeconds(w.Start, w.End)
	if err := win.Validate(); err != nil {
		return media.Window{}, err
	}
	return win, nil
}

// openSource turns a command line argument into a source using the
// configured HTTP settings.
func openSource(arg string) source.Source {
	return source.Parse(arg,
		source.WithTimeout(config.GetHTTPTimeout()),
		source.WithUserAgent(config.GetHTTPUserAgent()))
}

func demuxOptions() []demux.Option {
	return []demux.Option{
		demux.WithHighWaterMark(config.GetChunkHighWaterMark()),
		demux.WithSniffLength(config.GetSniffBytes()),
	}
}

var outputFormats = []string{"text", "json", "yaml", "toml"}

func registerOutputFlag(cmd *cobra.Command, target *string, formats []string) {
	cmd.Flags().StringVarP(target, "output", "o", "text", fmt.Sprintf("Output format (%s)", strings.Join(formats, ", ")))
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return formats, cobra.ShellCompDirectiveNoFileComp
	})
}

// encode writes v in a structured format; ok is false for "text".
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "text", "":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "toml":
		return true, toml.NewEncoder(w).Encode(v)
	default:
		return true, fmt.Errorf("unsupported output format %q", format)
	}
}
