package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"webchat-export/internal/archive"
	"webchat-export/internal/components/chrono"
	"webchat-export/internal/components/telemetry"
	"webchat-export/internal/conversation"
	"webchat-export/internal/credentials"
	"webchat-export/internal/export"
	"webchat-export/internal/media/candidates"
	"webchat-export/internal/media/resolver"
	"webchat-export/internal/media/transport"
	"webchat-export/lib/restyutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	exportPage *string
	exportOut  *string
	exportDir  *string
)

func init() {
	exportPage = exportCmd.Flags().String("page", "", "A saved html page of the conversation, used to match images the payload has no url for.")
	exportOut = exportCmd.Flags().String("out", ".", "The directory the zip archive is written to.")
	exportDir = exportCmd.Flags().String("dir", "", "Write files into this directory instead of a zip archive.")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id> [--page <page.html>] [--out <dir>] [--dir <dir>]",
	Short: "Exports a conversation and every media item it references.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := readConfig(*configPath)
		if err != nil {
			return err
		}

		var output restyutil.InstrumentOutput
		if *verbose {
			fsOutput, err := restyutil.NewFilesystemOutput(".dev/resty")
			if err != nil {
				return err
			}
			output = fsOutput
		}

		tel := telemetry.SlogAPI{}
		clock := chrono.NewStandardImpl()
		cookies := cfg.sessionCookies()

		session, err := credentials.NewSessionSource(credentials.SessionOptions{
			Origin:    cfg.Origin,
			Cookies:   cookies,
			UserAgent: cfg.UserAgent,
			Output:    output,
		}, tel)
		if err != nil {
			return err
		}
		creds := credentials.NewCache(session, cfg.TokenTTL.Std(), clock)

		client, err := conversation.NewClient(conversation.Options{
			Origin:     cfg.Origin,
			UserAgent:  cfg.UserAgent,
			Timeout:    cfg.timeout(),
			MaxRetries: cfg.MaxRetries,
			Output:     output,
		}, creds, tel)
		if err != nil {
			return err
		}

		generator, err := candidates.NewGenerator(cfg.Topology)
		if err != nil {
			return err
		}

		transportOpts := transport.Options{
			Origin:       cfg.Origin,
			UserAgent:    cfg.UserAgent,
			Timeout:      cfg.timeout(),
			MaxBodyBytes: cfg.MaxBodyBytes,
			Cookies:      cookies,
			Output:       output,
		}
		privileged, err := transport.NewPrivileged(transportOpts, tel)
		if err != nil {
			return err
		}
		sameOrigin, err := transport.NewSameOrigin(transportOpts, tel)
		if err != nil {
			return err
		}
		anonymous, err := transport.NewAnonymous(transportOpts, tel)
		if err != nil {
			return err
		}

		res := resolver.NewResolver(resolver.Options{Origin: cfg.Origin}, generator, resolver.Transports{
			Privileged: privileged,
			SameOrigin: sameOrigin,
			Anonymous:  anonymous,
		}, tel)

		exporter := export.NewExporter(export.Options{
			Origin: cfg.Origin,
			Orchestrator: export.OrchestratorOptions{
				ItemDelay:            cfg.ItemDelay.Std(),
				WritePlaceholders:    cfg.Placeholders,
				CorrelationThreshold: cfg.CorrelationThreshold,
			},
		}, creds, client, generator, res, clock, tel)

		var page io.Reader
		if *exportPage != "" {
			file, err := os.Open(*exportPage)
			if err != nil {
				return err
			}
			defer file.Close()
			page = file
		}

		var zip *archive.Zip
		var dispatcher archive.Dispatcher
		if *exportDir != "" {
			dir, err := archive.NewDirectory(*exportDir)
			if err != nil {
				return err
			}
			dispatcher = dir
		} else {
			zip = archive.NewZip(clock)
			dispatcher = zip
		}

		result, err := exporter.Export(ctx, export.Request{
			ConversationID: args[0],
			Page:           page,
			Dispatcher:     dispatcher,
			Progress: func(msg string) {
				slog.Info(msg)
			},
		})
		if err != nil {
			return err
		}

		location := *exportDir
		if zip != nil {
			location, err = zip.Save(*exportOut, result.Conversation.Title)
			if err != nil {
				return err
			}
		}

		printOutcomes(result.Outcomes, result.Tally)
		slog.Info(
			"export finished",
			"location", location,
			"total", result.Tally.Total,
			"completed", result.Tally.Completed,
			"failed", result.Tally.Failed,
		)
		if result.Tally.Failed > 0 {
			slog.Warn("some media could not be downloaded", "err", export.Errors(result.Outcomes))
		}
		return nil
	},
}

func printOutcomes(outcomes []export.Outcome, tally export.Tally) {
	if len(outcomes) == 0 {
		return
	}
	t := newTable()
	t.AppendHeader(table.Row{"#", "Pointer", "File", "Method", "Attempts", "Error"})
	for i, outcome := range outcomes {
		method := ""
		if outcome.Err == nil {
			method = outcome.Resolved.Method.String()
		}
		errText := ""
		if outcome.Err != nil {
			errText = firstLine(outcome.Err.Error())
		}
		t.AppendRow(table.Row{
			i + 1,
			outcome.Reference.RawPointer(),
			outcome.Filename,
			method,
			strconv.Itoa(outcome.Resolved.Attempts),
			errText,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d of %d saved, %d failed", tally.Completed, tally.Total, tally.Failed)})
	t.Render()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
