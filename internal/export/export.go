// Package export ties the pieces of an export together: it fetches the
// conversation, resolves every media item and writes the archive manifest.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
	"webchat-export/internal/archive"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/chrono"
	"webchat-export/internal/components/telemetry"
	"webchat-export/internal/conversation"
	"webchat-export/internal/correlate"
	"webchat-export/internal/media/naming"
	"webchat-export/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

// ErrFatal wraps failures that stop an export before any media is touched.
var ErrFatal = errors.New("export aborted")

const ManifestName = "conversation.json"

const (
	report_exporter_export = "exporter.export"
	report_exporter_page   = "exporter.page"
)

// Credentials is implemented by credentials.Cache.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

// ConversationSource is implemented by conversation.Client.
type ConversationSource interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// SignatureChecker is implemented by candidates.Generator.
type SignatureChecker interface {
	IsSignedMirror(link string) bool
}

type Options struct {
	Origin       string
	Orchestrator OrchestratorOptions
}

type Exporter struct {
	opts          Options
	credentials   Credentials
	conversations ConversationSource
	signatures    SignatureChecker
	resolver      Resolver
	clock         chrono.API
	tel           telemetry.API
}

func NewExporter(
	opts Options,
	credentials Credentials,
	conversations ConversationSource,
	signatures SignatureChecker,
	res Resolver,
	clock chrono.API,
	tel telemetry.API,
) Exporter {
	assert.NotNil(credentials)
	assert.NotNil(conversations)
	assert.NotNil(signatures)
	assert.NotNil(res)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return Exporter{
		opts:          opts,
		credentials:   credentials,
		conversations: conversations,
		signatures:    signatures,
		resolver:      res,
		clock:         clock,
		tel:           telemetry.NewScopedAPI("export", tel),
	}
}

type Request struct {
	ConversationID string
	// Page is an optional html snapshot of the conversation page.
	Page       io.Reader
	Dispatcher archive.Dispatcher
	Progress   func(string)
}

type Result struct {
	RunID        string
	Conversation conversation.Conversation
	Tally        Tally
	Outcomes     []Outcome
}

// Export runs a single export. Only failing to get a token or the
// conversation is an error, failed media items are reported in the result.
func (e Exporter) Export(ctx context.Context, req Request) (Result, error) {
	assert.NotNil(req.Dispatcher)

	progress := req.Progress
	if progress == nil {
		progress = func(string) {}
	}

	ctx, span := tracer.Start(ctx, "export")
	defer span.End()

	bearer, err := e.credentials.AccessToken(ctx)
	if err != nil {
		e.tel.ReportBroken(report_exporter_export, err)
		return Result{}, fmt.Errorf("%w: %w", ErrFatal, err)
	}

	progress("fetching conversation")
	payload, err := e.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	conv, err := conversation.Scan(payload)
	if err != nil {
		e.tel.ReportBroken(report_exporter_export, err, req.ConversationID)
		return Result{}, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if conv.ID == "" {
		conv.ID = req.ConversationID
	}
	progress(fmt.Sprintf("found %d messages and %d media items", len(conv.Messages), len(conv.References)))

	evidence := correlate.Evidence{
		Images:     e.pageImages(req.Page),
		SignedURLs: conversation.SignedURLs(payload, e.signatures.IsSignedMirror),
	}

	registry := naming.NewRegistry()
	registry.Reserve(ManifestName)

	orchestrator, err := NewOrchestrator(e.opts.Orchestrator, e.resolver, registry, req.Dispatcher, e.tel)
	if err != nil {
		return Result{}, err
	}
	tally, outcomes := orchestrator.Run(ctx, Batch{
		References: conv.References,
		Evidence:   evidence,
		Bearer:     bearer,
	}, progress)

	result := Result{
		RunID:        uuid.NewString(),
		Conversation: conv,
		Tally:        tally,
		Outcomes:     outcomes,
	}

	manifest, err := json.MarshalIndent(newManifest(result, e.opts.Orchestrator.MediaDir, e.clock.Now()), "", "  ")
	if err != nil {
		return result, err
	}
	err = req.Dispatcher.ScheduleSave(ctx, ManifestName, manifest)
	if err != nil {
		return result, fmt.Errorf("save manifest: %w", err)
	}
	return result, nil
}

func (e Exporter) pageImages(page io.Reader) []htmlutil.Image {
	if page == nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		e.tel.ReportWarning(report_exporter_page, err)
		return nil
	}
	var base *url.URL
	if e.opts.Origin != "" {
		base, err = url.Parse(e.opts.Origin)
		if err != nil {
			base = nil
		}
	}
	return htmlutil.GetImages(base, doc.Find("img"))
}

type manifestMedia struct {
	Pointer     string `json:"pointer,omitempty"`
	Category    string `json:"category"`
	Message     string `json:"message_id,omitempty"`
	File        string `json:"file,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Method      string `json:"method,omitempty"`
	Attempts    int    `json:"attempts"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Error       string `json:"error,omitempty"`
}

type manifestTally struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type manifest struct {
	RunID        string                    `json:"run_id"`
	ExportedAt   time.Time                 `json:"exported_at"`
	Conversation conversation.Conversation `json:"conversation"`
	Media        []manifestMedia           `json:"media"`
	Tally        manifestTally             `json:"tally"`
}

func newManifest(result Result, mediaDir string, now time.Time) manifest {
	if mediaDir == "" {
		mediaDir = "media"
	}
	out := manifest{
		RunID:        result.RunID,
		ExportedAt:   now.UTC(),
		Conversation: result.Conversation,
		Media:        []manifestMedia{},
		Tally: manifestTally{
			Total:     result.Tally.Total,
			Completed: result.Tally.Completed,
			Failed:    result.Tally.Failed,
		},
	}
	for _, outcome := range result.Outcomes {
		media := manifestMedia{
			Pointer:     outcome.Reference.RawPointer(),
			Category:    outcome.Reference.Category().String(),
			Message:     outcome.Reference.SourceMessageID,
			ContentType: outcome.Resolved.ContentType,
			Method:      outcome.Resolved.Method.String(),
			Attempts:    outcome.Resolved.Attempts,
			Width:       outcome.Reference.Width,
			Height:      outcome.Reference.Height,
		}
		if outcome.Filename != "" {
			media.File = mediaDir + "/" + outcome.Filename
		}
		if outcome.Err != nil {
			media.Error = outcome.Err.Error()
		}
		out.Media = append(out.Media, media)
	}
	return out
}
