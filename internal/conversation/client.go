package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/telemetry"
	"webchat-export/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"
)

const (
	report_client_get = "client.get"
)

var ErrNotFound = errors.New("conversation not found")

// Credentials hands out the bearer token of the session, Clear is called when
// the token was rejected so that the next call fetches a fresh one.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
	Clear()
}

type Options struct {
	Origin     string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries uint64
	// RetryBase is the first backoff of the exponential retry.
	RetryBase time.Duration
	Output    restyutil.InstrumentOutput
}

type Client struct {
	http        *resty.Client
	credentials Credentials
	maxRetries  uint64
	retryBase   time.Duration
	tel         telemetry.API
}

func NewClient(opts Options, credentials Credentials, tel telemetry.API) (Client, error) {
	assert.NotNil(credentials)
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.Origin)

	tel = telemetry.NewScopedAPI("conversation", tel)

	_, err := url.Parse(opts.Origin)
	if err != nil {
		return Client{}, fmt.Errorf("parse origin: %w", err)
	}

	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second * 30
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(opts.Origin)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetHeader("accept", "application/json")
	httpClient.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(httpClient, tel)
	restyutil.InstrumentClient(httpClient, nil, opts.Output)

	return Client{
		http:        httpClient,
		credentials: credentials,
		maxRetries:  opts.MaxRetries,
		retryBase:   opts.RetryBase,
		tel:         tel,
	}, nil
}

// Get downloads the raw conversation payload. Rate limits and server errors
// are retried with an exponential backoff, a rejected token is refreshed once.
func (c Client) Get(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("get conversation: empty id")
	}

	refreshed := false
	var payload []byte

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := c.credentials.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("get access token: %w", err)
		}

		res, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("id", id).
			Get("/backend-api/conversation/{id}")
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request conversation: %w", err))
		}

		switch code := res.StatusCode(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			c.credentials.Clear()
			if refreshed {
				return fmt.Errorf("token rejected: %s", res.Status())
			}
			refreshed = true
			return retry.RetryableError(fmt.Errorf("token rejected: %s", res.Status()))
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		case code == http.StatusTooManyRequests || code >= 500:
			return retry.RetryableError(fmt.Errorf("conversation endpoint: %s", res.Status()))
		case code < 200 || code > 299:
			return fmt.Errorf("conversation endpoint: %s", res.Status())
		}

		payload = res.Body()
		return nil
	})
	if err != nil {
		c.tel.ReportBroken(report_client_get, err, id)
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return payload, nil
}
