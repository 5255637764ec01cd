package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"webchat-export/internal/archive"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/telemetry"
	"webchat-export/internal/correlate"
	"webchat-export/internal/media/naming"
	"webchat-export/internal/media/pointer"
	"webchat-export/internal/media/resolver"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var (
	tracer = otel.Tracer("webchat-export/export")
	meter  = otel.Meter("webchat-export/export")
)

const (
	report_orchestrator_resolve     = "orchestrator.resolve"
	report_orchestrator_save        = "orchestrator.save"
	report_orchestrator_placeholder = "orchestrator.placeholder"
)

// Resolver is implemented by resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, ref pointer.Reference, bearer string) resolver.Resolved
}

type Batch struct {
	References []pointer.Reference
	Evidence   correlate.Evidence
	Bearer     string
}

type Outcome struct {
	Reference pointer.Reference
	Resolved  resolver.Resolved
	// Filename is the name inside the media directory, it is empty when
	// resolution failed.
	Filename string
	Err      error
}

type Tally struct {
	Total     int
	Completed int
	Failed    int
}

type OrchestratorOptions struct {
	// ItemDelay is the minimum time between the start of two references.
	ItemDelay            time.Duration
	WritePlaceholders    bool
	MediaDir             string
	CorrelationThreshold float64
}

type Orchestrator struct {
	opts       OrchestratorOptions
	resolver   Resolver
	registry   *naming.Registry
	dispatcher archive.Dispatcher
	limiter    *rate.Limiter
	tel        telemetry.API

	resolvedCounter metric.Int64Counter
	failedCounter   metric.Int64Counter
}

func NewOrchestrator(
	opts OrchestratorOptions,
	res Resolver,
	registry *naming.Registry,
	dispatcher archive.Dispatcher,
	tel telemetry.API,
) (*Orchestrator, error) {
	assert.NotNil(res)
	assert.NotNil(registry)
	assert.NotNil(dispatcher)
	assert.NotNil(tel)

	if opts.MediaDir == "" {
		opts.MediaDir = "media"
	}

	limit := rate.Inf
	if opts.ItemDelay > 0 {
		limit = rate.Every(opts.ItemDelay)
	}

	resolvedCounter, err := meter.Int64Counter(
		"media.resolved",
		metric.WithDescription("media references that were downloaded"),
	)
	if err != nil {
		return nil, err
	}
	failedCounter, err := meter.Int64Counter(
		"media.failed",
		metric.WithDescription("media references that could not be downloaded"),
	)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		opts:            opts,
		resolver:        res,
		registry:        registry,
		dispatcher:      dispatcher,
		limiter:         rate.NewLimiter(limit, 1),
		tel:             telemetry.NewScopedAPI("export", tel),
		resolvedCounter: resolvedCounter,
		failedCounter:   failedCounter,
	}, nil
}

// Run resolves every reference of the batch one after another. A reference
// that fails never stops the batch, only cancellation of ctx does.
func (o *Orchestrator) Run(ctx context.Context, batch Batch, progress func(string)) (Tally, []Outcome) {
	if len(batch.References) == 0 {
		return Tally{}, nil
	}
	if progress == nil {
		progress = func(string) {}
	}

	links := correlate.CreateLinks(batch.References, batch.Evidence, o.opts.CorrelationThreshold)
	refs := correlate.BackFill(batch.References, links)
	if len(links) > 0 {
		progress(fmt.Sprintf("matched %d media items to the page", len(links)))
	}

	tally := Tally{Total: len(refs)}
	outcomes := make([]Outcome, 0, len(refs))
	for i, ref := range refs {
		err := ctx.Err()
		if err == nil {
			err = o.limiter.Wait(ctx)
		}
		if err != nil {
			for _, skipped := range refs[i:] {
				outcomes = append(outcomes, Outcome{Reference: skipped, Err: err})
				tally.Failed++
			}
			progress(fmt.Sprintf("cancelled, %d media items skipped", len(refs)-i))
			break
		}

		progress(fmt.Sprintf("resolving media %d of %d", i+1, len(refs)))
		outcome := o.resolveOne(ctx, ref, batch.Bearer)
		outcomes = append(outcomes, outcome)
		if outcome.Err != nil {
			tally.Failed++
			progress(fmt.Sprintf("media %d of %d failed", i+1, len(refs)))
			continue
		}
		tally.Completed++
		progress(fmt.Sprintf("saved %s", outcome.Filename))
	}

	return tally, outcomes
}

func (o *Orchestrator) resolveOne(ctx context.Context, ref pointer.Reference, bearer string) Outcome {
	ctx, span := tracer.Start(ctx, "resolveReference")
	defer span.End()

	categoryAttr := attribute.String("media.category", ref.Category().String())
	span.SetAttributes(
		attribute.String("media.pointer", ref.RawPointer()),
		categoryAttr,
		attribute.Bool("media.rendered", ref.RenderedURL != ""),
	)

	resolved := o.resolver.Resolve(ctx, ref, bearer)
	span.SetAttributes(attribute.Int("media.attempts", resolved.Attempts))

	if !resolved.Success {
		err := resolved.Err
		if err == nil {
			err = resolver.ErrExhausted
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not resolve media")
		o.failedCounter.Add(ctx, 1, metric.WithAttributes(categoryAttr))
		o.tel.ReportWarning(report_orchestrator_resolve, ref.String(), err)

		o.writePlaceholder(ctx, ref, err)
		return Outcome{Reference: ref, Resolved: resolved, Err: err}
	}

	span.SetAttributes(
		attribute.String("media.method", resolved.Method.String()),
		attribute.String("media.content_type", resolved.ContentType),
	)

	name := o.registry.Assign(ref, resolved.ContentType)
	err := o.dispatcher.ScheduleSave(ctx, path.Join(o.opts.MediaDir, name), resolved.Bytes)
	if err != nil {
		err = fmt.Errorf("save %s: %w", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not save media")
		o.failedCounter.Add(ctx, 1, metric.WithAttributes(categoryAttr))
		o.tel.ReportBroken(report_orchestrator_save, err)
		return Outcome{Reference: ref, Resolved: resolved, Err: err}
	}

	o.resolvedCounter.Add(ctx, 1, metric.WithAttributes(categoryAttr))
	return Outcome{Reference: ref, Resolved: resolved, Filename: name}
}

func (o *Orchestrator) writePlaceholder(ctx context.Context, ref pointer.Reference, cause error) {
	if !o.opts.WritePlaceholders {
		return
	}
	name := o.registry.Assign(ref, ref.ClaimedMIME) + ".missing.txt"
	err := o.dispatcher.ScheduleSave(ctx, path.Join(o.opts.MediaDir, name), []byte(placeholderNote(ref, cause)))
	if err != nil {
		o.tel.ReportWarning(report_orchestrator_placeholder, name, err)
	}
}

func placeholderNote(ref pointer.Reference, cause error) string {
	var note strings.Builder
	note.WriteString("This media item could not be downloaded.\n\n")
	fmt.Fprintf(&note, "pointer: %s\n", ref.RawPointer())
	fmt.Fprintf(&note, "category: %s\n", ref.Category())
	if ref.TitleHint != "" {
		fmt.Fprintf(&note, "title: %s\n", ref.TitleHint)
	}
	if ref.FileName != "" {
		fmt.Fprintf(&note, "filename: %s\n", ref.FileName)
	}
	if ref.SourceMessageID != "" {
		fmt.Fprintf(&note, "message: %s\n", ref.SourceMessageID)
	}
	note.WriteString("\nreasons:\n")
	for _, reason := range flatten(cause) {
		fmt.Fprintf(&note, "- %s\n", reason)
	}
	return note.String()
}

// flatten lists the messages of a joined error one per line.
func flatten(err error) []string {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, inner := range joined.Unwrap() {
		out = append(out, flatten(inner)...)
	}
	return out
}

// Errors returns the error of every failed outcome.
func Errors(outcomes []Outcome) error {
	var errs []error
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Reference, outcome.Err))
		}
	}
	return errors.Join(errs...)
}
