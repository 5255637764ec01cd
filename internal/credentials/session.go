package credentials

import (
	"context"
	"encoding/json"
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
	"golang.org/x/oauth2"
)

const (
	report_session_token = "session.token"
)

// ErrNoSession means the session endpoint answered but nobody is logged in.
var ErrNoSession = errors.New("no active session")

// SessionCookie is the cookie the session endpoint authenticates with.
const SessionCookie = "__Secure-next-auth.session-token"

type SessionOptions struct {
	Origin string
	// Cookies must contain the session cookie of the origin.
	Cookies   []*http.Cookie
	UserAgent string
	Output    restyutil.InstrumentOutput
}

// SessionSource exchanges the session cookie for a bearer token.
type SessionSource struct {
	http *resty.Client
	tel  telemetry.API
}

func NewSessionSource(opts SessionOptions, tel telemetry.API) (SessionSource, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.Origin)

	tel = telemetry.NewScopedAPI("credentials", tel)

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return SessionSource{}, fmt.Errorf("parse origin: %w", err)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}

	client := resty.New()
	client.SetBaseURL(opts.Origin)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return SessionSource{}, err
	}
	jar.SetCookies(origin, opts.Cookies)
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", opts.UserAgent)
	client.SetHeader("accept", "application/json")
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, tel)
	restyutil.InstrumentClient(client, nil, opts.Output)

	return SessionSource{http: client, tel: tel}, nil
}

type sessionResponse struct {
	AccessToken string `json:"accessToken"`
	Expires     string `json:"expires"`
}

func (s SessionSource) Token() (*oauth2.Token, error) {
	return s.TokenContext(context.Background())
}

func (s SessionSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	res, err := s.http.R().
		SetContext(ctx).
		Get("/api/auth/session")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		err := fmt.Errorf("session endpoint: %s", res.Status())
		s.tel.ReportBroken(report_session_token, err)
		return nil, err
	}

	var session sessionResponse
	err = json.Unmarshal(res.Body(), &session)
	if err != nil {
		s.tel.ReportBroken(report_session_token, fmt.Errorf("unmarshal session: %w", err))
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.AccessToken == "" {
		return nil, ErrNoSession
	}

	token := &oauth2.Token{
		AccessToken: session.AccessToken,
		TokenType:   "Bearer",
	}
	expiry, err := time.Parse(time.RFC3339, session.Expires)
	if err == nil {
		token.Expiry = expiry
	}
	return token, nil
}
