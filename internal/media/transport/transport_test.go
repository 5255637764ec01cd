package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"webchat-export/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

type seen struct {
	mutex   sync.Mutex
	headers []http.Header
}

func (s *seen) handler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mutex.Unlock()

		w.Header().Set("content-type", "image/png")
		w.Write([]byte(body))
	}
}

func (s *seen) last() http.Header {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.headers[len(s.headers)-1]
}

func TestSameOriginBearerScope(t *testing.T) {
	originSeen := &seen{}
	origin := httptest.NewServer(originSeen.handler("origin"))
	defer origin.Close()
	otherSeen := &seen{}
	other := httptest.NewServer(otherSeen.handler("other"))
	defer other.Close()

	fetcher, err := NewSameOrigin(Options{Origin: origin.URL}, &telemetry.Recorder{})
	if err != nil {
		t.Fatal(err)
	}

	res, err := fetcher.Fetch(context.Background(), Request{URL: origin.URL + "/file", Bearer: "tok"})
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "origin", string(res.Body))
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, "Bearer tok", originSeen.last().Get("authorization"))
	require.Equal(t, origin.URL, originSeen.last().Get("origin"))

	_, err = fetcher.Fetch(context.Background(), Request{URL: other.URL + "/file", Bearer: "tok"})
	require.NoError(t, err)
	require.Empty(t, otherSeen.last().Get("authorization"))
}

func TestPrivilegedCookies(t *testing.T) {
	originSeen := &seen{}
	origin := httptest.NewServer(originSeen.handler("ok"))
	defer origin.Close()

	cookies := []*http.Cookie{{Name: "session", Value: "s3cret"}}
	privileged, err := NewPrivileged(Options{Origin: origin.URL, Cookies: cookies}, &telemetry.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = privileged.Fetch(context.Background(), Request{URL: origin.URL, Bearer: "tok"})
	require.NoError(t, err)
	require.Contains(t, originSeen.last().Get("cookie"), "session=s3cret")
	require.Empty(t, originSeen.last().Get("authorization"))

	anonymous, err := NewAnonymous(Options{Origin: origin.URL, Cookies: cookies}, &telemetry.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = anonymous.Fetch(context.Background(), Request{URL: origin.URL, Bearer: "tok"})
	require.NoError(t, err)
	require.Empty(t, originSeen.last().Get("cookie"))
	require.Empty(t, originSeen.last().Get("authorization"))
}

func TestErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"not found"}`))
	}))
	defer srv.Close()

	fetcher, err := NewAnonymous(Options{}, &telemetry.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.Status)
	require.JSONEq(t, `{"detail":"not found"}`, string(res.Body))
}

func TestRedirectFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher, err := NewPrivileged(Options{}, &telemetry.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL + "/start"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/end", res.URL)
	require.Equal(t, "done", string(res.Body))
}

func TestMaxBodyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 10) + r.URL.Query().Get("extra")))
	}))
	defer srv.Close()

	tel := &telemetry.Recorder{}
	fetcher, err := NewAnonymous(Options{MaxBodyBytes: 10}, tel)
	if err != nil {
		t.Fatal(err)
	}

	res, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, res.Body, 10)

	_, err = fetcher.Fetch(context.Background(), Request{URL: srv.URL + "?extra=bbbb"})
	require.True(t, errors.Is(err, ErrBodyTooLarge), err)
	require.NotEmpty(t, tel.Reports("warning"))
}

func TestLimitedReadCloser(t *testing.T) {
	body := &limitedReadCloser{inner: nopCloser{strings.NewReader("abcdef")}, remaining: 4}
	buf := make([]byte, 3)
	n, err := body.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	_, err = body.Read(buf)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

type nopCloser struct {
	*strings.Reader
}

func (nopCloser) Close() error {
	return nil
}
