package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/media/internal/util"
	"github.com/babelcloud/gbox/packages/media/internal/version"
)

var rootCmd = NewRootCommand()

// Execute runs the gmedia command line.
func Execute() error {
	return rootCmd.Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "gmedia",
		Short: "Inspect and extract frames from MP4 and WebM media",
		Long: `gmedia demuxes MP4 (progressive and fragmented) and WebM sources from files, URLs or standard input.
It prints container metadata, lists the encoded chunks of a track inside a time window and extracts decoded video frames.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose || util.IsVerbose())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Current()
				fmt.Fprintf(cmd.OutOrStdout(), "gmedia version %s, build %s\n", info.Version, info.GitCommit)
				return nil
			}
			return cmd.Help()
		},
	}

	cmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	cmd.AddCommand(NewProbeCommand())
	cmd.AddCommand(NewChunksCommand())
	cmd.AddCommand(NewExtractCommand())
	cmd.AddCommand(NewVersionCommand())
	return cmd
}
