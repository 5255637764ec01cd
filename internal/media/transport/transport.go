// Package transport holds the http clients media is downloaded with. Each
// client models one way a page can fetch a url: from a privileged context that
// ignores cross-origin rules, from the page itself, or anonymously.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/telemetry"
	"webchat-export/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
)

const DefaultMaxBodyBytes = 64 << 20

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

var ErrBodyTooLarge = errors.New("response body too large")

type Response struct {
	Status      int
	ContentType string
	Body        []byte
	// URL is the url the body was finally served from, after redirects.
	URL string
}

type Request struct {
	URL string
	// Bearer is only ever sent by SameOrigin and only to the origin host.
	Bearer string
}

// Fetcher downloads a single url. A non-2xx status is not an error, only a
// failure to get any response at all is.
//
// note: fault injection point
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

type Options struct {
	// Origin is the web app the conversation belongs to, ex. https://chatgpt.com
	Origin       string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// Cookies are the session cookies of the origin, only given to the
	// privileged and same-origin clients.
	Cookies []*http.Cookie
	// Output receives request dumps in verbose mode, it can be nil.
	Output restyutil.InstrumentOutput
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second * 30
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return o
}

func newClient(opts Options, withCookies bool, tel telemetry.API) (*resty.Client, error) {
	client := resty.New()

	if withCookies {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		if opts.Origin != "" && len(opts.Cookies) > 0 {
			origin, err := url.Parse(opts.Origin)
			if err != nil {
				return nil, fmt.Errorf("parse origin: %w", err)
			}
			jar.SetCookies(origin, opts.Cookies)
		}
		client.SetCookieJar(jar)
	} else {
		client.SetCookieJar(nil)
	}

	client.GetClient().Transport = limitBody{
		inner: cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport),
		max:   opts.MaxBodyBytes,
	}
	client.SetHeader("user-agent", opts.UserAgent)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, tel)
	restyutil.InstrumentClient(client, nil, opts.Output)

	return client, nil
}

func toResponse(res *resty.Response) Response {
	final := res.Request.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		final = res.RawResponse.Request.URL.String()
	}
	return Response{
		Status:      res.StatusCode(),
		ContentType: res.Header().Get("content-type"),
		Body:        res.Body(),
		URL:         final,
	}
}

func get(ctx context.Context, req *resty.Request, link string) (Response, error) {
	res, err := req.SetContext(ctx).Get(link)
	if err != nil {
		return Response{}, err
	}
	return toResponse(res), nil
}

// Privileged fetches with the cookies of the session but without any of the
// restrictions a page has, the bearer token is never attached.
type Privileged struct {
	http *resty.Client
}

func NewPrivileged(opts Options, tel telemetry.API) (Privileged, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("privileged_transport", tel)

	client, err := newClient(opts.withDefaults(), true, tel)
	if err != nil {
		return Privileged{}, err
	}
	return Privileged{http: client}, nil
}

func (p Privileged) Fetch(ctx context.Context, req Request) (Response, error) {
	return get(ctx, p.http.R(), req.URL)
}

// SameOrigin fetches like the page itself would, it carries the origin and
// referer headers and the bearer token, which is only given to the origin host.
type SameOrigin struct {
	http   *resty.Client
	origin *url.URL
}

func NewSameOrigin(opts Options, tel telemetry.API) (SameOrigin, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.Origin)
	tel = telemetry.NewScopedAPI("same_origin_transport", tel)

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return SameOrigin{}, fmt.Errorf("parse origin: %w", err)
	}
	client, err := newClient(opts.withDefaults(), true, tel)
	if err != nil {
		return SameOrigin{}, err
	}
	client.SetHeader("origin", origin.Scheme+"://"+origin.Host)
	client.SetHeader("referer", origin.Scheme+"://"+origin.Host+"/")

	return SameOrigin{http: client, origin: origin}, nil
}

func (s SameOrigin) Fetch(ctx context.Context, req Request) (Response, error) {
	r := s.http.R()
	if req.Bearer != "" && s.isOrigin(req.URL) {
		r.SetAuthToken(req.Bearer)
	}
	return get(ctx, r, req.URL)
}

func (s SameOrigin) isOrigin(link string) bool {
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	return parsed.Scheme == s.origin.Scheme && parsed.Host == s.origin.Host
}

// Anonymous fetches without cookies or credentials, it is only meant for
// public cdn urls.
type Anonymous struct {
	http *resty.Client
}

func NewAnonymous(opts Options, tel telemetry.API) (Anonymous, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("anonymous_transport", tel)

	opts.Cookies = nil
	client, err := newClient(opts.withDefaults(), false, tel)
	if err != nil {
		return Anonymous{}, err
	}
	return Anonymous{http: client}, nil
}

func (a Anonymous) Fetch(ctx context.Context, req Request) (Response, error) {
	return get(ctx, a.http.R(), req.URL)
}
