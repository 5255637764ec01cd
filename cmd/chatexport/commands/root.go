package commands

import (
	"context"
	"fmt"
	"os"
	"webchat-export/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	verbose    *bool
	configPath *string
)

func init() {
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logs and dump every http exchange to .dev/resty.")
	configPath = rootCmd.PersistentFlags().String("config", "config.json5", "The config file to read.")
}

var rootCmd = &cobra.Command{
	Use:           "chatexport",
	Short:         "chatexport downloads a conversation of a chat web app together with its media.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
		if *verbose {
			telemetry.InstrumentPerfStats(cmd.Context())
		}
	},
}

func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
