package transport

import (
	"fmt"
	"io"
	"net/http"
)

// limitBody fails responses whose body grows past max instead of buffering
// them whole.
type limitBody struct {
	inner http.RoundTripper
	max   int64
}

func (l limitBody) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := l.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if res.ContentLength > l.max {
		res.Body.Close()
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrBodyTooLarge, res.ContentLength, l.max)
	}
	res.Body = &limitedReadCloser{inner: res.Body, remaining: l.max}
	return res, nil
}

type limitedReadCloser struct {
	inner     io.ReadCloser
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	// read one byte past the limit so an exact fit is not an error.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.inner.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrBodyTooLarge
	}
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.inner.Close()
}
