// Package resolver finds working bytes for a media reference by walking its
// candidate urls with every fetch strategy that applies to them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/telemetry"
	"webchat-export/internal/media/candidates"
	"webchat-export/internal/media/pointer"
	"webchat-export/internal/media/transport"
	"webchat-export/internal/media/validate"

	"github.com/PuerkitoBio/purell"
)

const (
	report_resolver_resolve = "resolver.resolve"
	report_resolver_attempt = "resolver.attempt"
)

const DefaultMaxQueue = 256

type Strategy string

const (
	StrategyPrivileged Strategy = "privileged"
	StrategySameOrigin Strategy = "same-origin"
	StrategyAnonymous  Strategy = "anonymous"
)

// Method is how a reference was eventually resolved.
type Method struct {
	Strategy Strategy
	Tier     candidates.Tier
}

func (m Method) String() string {
	if m.Strategy == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", m.Strategy, m.Tier)
}

type Resolved struct {
	Success bool
	Bytes   []byte
	// ContentType is the type confirmed by looking at the bytes, not the one
	// the server claimed.
	ContentType string
	Method      Method
	// Err joins every reason a candidate was rejected, it is nil on success.
	Err error
	// URL the bytes were finally downloaded from.
	URL      string
	Attempts int
}

// CandidateSource is implemented by candidates.Generator.
type CandidateSource interface {
	Generate(p pointer.Pointer, origin string) []candidates.Candidate
	IsSignedMirror(link string) bool
	IsStorageHost(host string) bool
}

// Transports holds one fetcher per strategy, Anonymous may be nil in which
// case public candidates are only fetched with the other two.
type Transports struct {
	Privileged transport.Fetcher
	SameOrigin transport.Fetcher
	Anonymous  transport.Fetcher
}

type Options struct {
	Origin   string
	MaxQueue int
}

type Resolver struct {
	origin     string
	maxQueue   int
	source     CandidateSource
	transports Transports
	tel        telemetry.API
}

func NewResolver(opts Options, source CandidateSource, transports Transports, tel telemetry.API) Resolver {
	assert.NotNil(source)
	assert.NotNil(transports.Privileged)
	assert.NotNil(transports.SameOrigin)
	assert.NotNil(tel)

	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	return Resolver{
		origin:     opts.Origin,
		maxQueue:   opts.MaxQueue,
		source:     source,
		transports: transports,
		tel:        telemetry.NewScopedAPI("resolver", tel),
	}
}

// Resolve tries candidates one at a time until one of them validates. The
// bearer token is only handed to the same-origin transport.
func (r Resolver) Resolve(ctx context.Context, ref pointer.Reference, bearer string) Resolved {
	err := ref.Valid()
	if err != nil {
		return Resolved{Err: err}
	}

	run := &resolution{
		resolver: r,
		ref:      ref,
		bearer:   bearer,
		queued:   map[string]struct{}{},
		tried:    map[string]struct{}{},
	}

	signed := ref.RenderedURL != "" && r.source.IsSignedMirror(ref.RenderedURL)
	if signed {
		direct := candidates.Candidate{URL: ref.RenderedURL, Tier: candidates.TierRendered}
		run.markQueued(direct.URL)
		result, ok := run.attempt(ctx, direct, StrategyPrivileged)
		if ok {
			return result
		}
		run.redirected = false
	}

	if ref.RenderedURL != "" && !signed {
		run.enqueue(candidates.Candidate{URL: ref.RenderedURL, Tier: candidates.TierRendered})
	}
	if ref.Pointer != nil {
		for _, c := range r.source.Generate(ref.Pointer, r.origin) {
			run.enqueue(c)
		}
	}

	for i := 0; i < len(run.queue); i++ {
		err := ctx.Err()
		if err != nil {
			run.reasons = append(run.reasons, err)
			break
		}

		c := run.queue[i]
		for _, strategy := range r.strategies(c) {
			result, ok := run.attempt(ctx, c, strategy)
			if ok {
				return result
			}
			if run.redirected {
				run.redirected = false
				break
			}
		}
	}

	r.tel.ReportDebug(report_resolver_resolve, ref.String(), "exhausted", run.attempts)
	return Resolved{
		Err:      errors.Join(append([]error{ErrExhausted}, run.reasons...)...),
		Attempts: run.attempts,
	}
}

func (r Resolver) strategies(c candidates.Candidate) []Strategy {
	out := []Strategy{StrategyPrivileged, StrategySameOrigin}
	if c.Public && r.transports.Anonymous != nil {
		out = append(out, StrategyAnonymous)
	}
	return out
}

func (r Resolver) fetcher(strategy Strategy) transport.Fetcher {
	switch strategy {
	case StrategySameOrigin:
		return r.transports.SameOrigin
	case StrategyAnonymous:
		return r.transports.Anonymous
	default:
		return r.transports.Privileged
	}
}

// resolution is the state of resolving a single reference.
type resolution struct {
	resolver Resolver
	ref      pointer.Reference
	bearer   string

	queue  []candidates.Candidate
	queued map[string]struct{}
	tried  map[string]struct{}

	reasons    []error
	attempts   int
	redirected bool
}

// normalize gives equivalent spellings of a url the same key.
func normalize(link string) string {
	normalized, err := purell.NormalizeURLString(
		link,
		purell.FlagsSafe|
			purell.FlagRemoveDotSegments|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
	if err != nil {
		return link
	}
	return normalized
}

func (s *resolution) markQueued(link string) bool {
	key := normalize(link)
	_, exists := s.queued[key]
	if exists {
		return false
	}
	s.queued[key] = struct{}{}
	return true
}

func (s *resolution) enqueue(c candidates.Candidate) {
	_, queued := s.queued[normalize(c.URL)]
	if queued {
		return
	}
	if len(s.queue) >= s.resolver.maxQueue {
		s.reasons = append(s.reasons, fmt.Errorf("queue limit of %d reached, dropped %s", s.resolver.maxQueue, c.URL))
		return
	}
	s.markQueued(c.URL)
	s.queue = append(s.queue, c)
}

// attempt fetches a candidate with one strategy, it returns true when the
// reference is resolved.
func (s *resolution) attempt(ctx context.Context, c candidates.Candidate, strategy Strategy) (Resolved, bool) {
	key := string(strategy) + " " + normalize(c.URL)
	_, done := s.tried[key]
	if done {
		return Resolved{}, false
	}
	s.tried[key] = struct{}{}
	s.attempts++

	fetcher := s.resolver.fetcher(strategy)
	req := transport.Request{URL: c.URL}
	if strategy == StrategySameOrigin {
		req.Bearer = s.bearer
	}

	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		s.reasons = append(s.reasons, &TransportError{URL: c.URL, Strategy: strategy, Err: err})
		s.resolver.tel.ReportDebug(report_resolver_attempt, strategy, c.URL, err)
		return Resolved{}, false
	}
	if resp.URL == "" {
		resp.URL = c.URL
	}

	verdict := validate.Inspect(resp, validate.Options{IsStorageHost: s.resolver.source.IsStorageHost})
	s.resolver.tel.ReportDebug(report_resolver_attempt, strategy, c.URL, verdict.Kind.String())

	switch verdict.Kind {
	case validate.Binary:
		if s.ref.Category() == pointer.CategoryGeneratedImage && !strings.HasPrefix(verdict.ContentType, "image/") {
			s.reasons = append(s.reasons, &ValidationError{
				URL:      c.URL,
				Strategy: strategy,
				Reason:   fmt.Sprintf("expected an image, got %s", verdict.ContentType),
			})
			return Resolved{}, false
		}
		return Resolved{
			Success:     true,
			Bytes:       resp.Body,
			ContentType: verdict.ContentType,
			Method:      Method{Strategy: strategy, Tier: c.Tier},
			URL:         resp.URL,
			Attempts:    s.attempts,
		}, true
	case validate.Redirect:
		s.enqueue(candidates.Candidate{URL: verdict.URL, Tier: candidates.TierRedirect})
		s.redirected = true
		return Resolved{}, false
	default:
		s.reasons = append(s.reasons, &ValidationError{URL: c.URL, Strategy: strategy, Reason: verdict.Reason})
		return Resolved{}, false
	}
}
