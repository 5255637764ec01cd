package commands

import (
	"os"
	"webchat-export/internal/media/candidates"
	"webchat-export/internal/media/pointer"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(candidatesCmd)
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates <pointer>",
	Short: "Lists the urls a media pointer would be looked for at, in order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pointer.Normalize(args[0])
		if err != nil {
			return err
		}

		var topology candidates.Topology
		origin := "https://chatgpt.com"
		if _, statErr := os.Stat(*configPath); statErr == nil {
			cfg, err := readConfig(*configPath)
			if err != nil {
				return err
			}
			topology = cfg.Topology
			origin = cfg.Origin
		}

		generator, err := candidates.NewGenerator(topology)
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"#", "Tier", "Public", "URL"})
		for i, candidate := range generator.Generate(p, origin) {
			t.AppendRow(table.Row{i + 1, candidate.Tier, candidate.Public, candidate.URL})
		}
		t.SetCaption("%s pointer, id %s", p.Category(), p.ID())
		t.Render()
		return nil
	},
}
