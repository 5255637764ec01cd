package validate

import (
	"strings"
	"testing"
	"webchat-export/internal/media/transport"

	"github.com/google/go-cmp/cmp"
)

const pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01"

func storageHost(host string) bool {
	return strings.HasSuffix(host, ".oaiusercontent.com")
}

func TestInspect(t *testing.T) {
	table := []struct {
		name     string
		resp     transport.Response
		expected Verdict
	}{
		{
			name:     "png served as json",
			resp:     transport.Response{Status: 200, ContentType: "application/json", Body: []byte(pngHeader)},
			expected: Verdict{Kind: Binary, ContentType: "image/png"},
		},
		{
			name:     "error json",
			resp:     transport.Response{Status: 200, ContentType: "application/json", Body: []byte(`{"detail":"File not found"}`)},
			expected: Verdict{Kind: Invalid, Reason: "File not found"},
		},
		{
			name:     "error status with json detail",
			resp:     transport.Response{Status: 404, ContentType: "application/json", Body: []byte(`{"detail":"not found"}`)},
			expected: Verdict{Kind: Invalid, Reason: "status 404: not found"},
		},
		{
			name:     "error status",
			resp:     transport.Response{Status: 403, Body: []byte(pngHeader)},
			expected: Verdict{Kind: Invalid, Reason: "status 403"},
		},
		{
			name:     "status error shape",
			resp:     transport.Response{Status: 200, ContentType: "application/json", Body: []byte(`{"status":"error","message":"expired"}`)},
			expected: Verdict{Kind: Invalid, Reason: "expired"},
		},
		{
			name:     "nested error object",
			resp:     transport.Response{Status: 200, Body: []byte(`{"error":{"message":"rate limited","code":"429"}}`)},
			expected: Verdict{Kind: Invalid, Reason: "rate limited"},
		},
		{
			name:     "empty",
			resp:     transport.Response{Status: 200, ContentType: "image/png"},
			expected: Verdict{Kind: Invalid, Reason: "empty body"},
		},
		{
			name: "download url",
			resp: transport.Response{
				Status:      200,
				ContentType: "application/json",
				Body:        []byte(`{"status":"success","download_url":"https://sdmntpreastus.oaiusercontent.com/files/a/raw?se=1&sig=2","url":"https://example.com/other"}`),
			},
			expected: Verdict{Kind: Redirect, URL: "https://sdmntpreastus.oaiusercontent.com/files/a/raw?se=1&sig=2"},
		},
		{
			name:     "nested under data",
			resp:     transport.Response{Status: 200, Body: []byte(`{"data":{"signedUrl":"https://files.example.com/x"}}`)},
			expected: Verdict{Kind: Redirect, URL: "https://files.example.com/x"},
		},
		{
			name: "relative redirect",
			resp: transport.Response{
				Status: 200,
				Body:   []byte(`{"location":"/backend-api/files/x/raw"}`),
				URL:    "https://chatgpt.com/backend-api/files/download/x",
			},
			expected: Verdict{Kind: Redirect, URL: "https://chatgpt.com/backend-api/files/x/raw"},
		},
		{
			name: "deep storage link",
			resp: transport.Response{
				Status: 200,
				Body:   []byte(`{"meta":{"items":[{"thumb":"not a link"},{"source":"https://sdmntprwestus.oaiusercontent.com/files/y/raw"}]}}`),
			},
			expected: Verdict{Kind: Redirect, URL: "https://sdmntprwestus.oaiusercontent.com/files/y/raw"},
		},
		{
			name: "storage link too deep",
			resp: transport.Response{
				Status:      200,
				ContentType: "application/json",
				Body:        []byte(`{"a":{"b":{"c":{"d":{"e":{"f":{"g":"https://sdmntprwestus.oaiusercontent.com/z"}}}}}}}`),
			},
			expected: Verdict{Kind: Binary, ContentType: "application/json"},
		},
		{
			name:     "html login page",
			resp:     transport.Response{Status: 200, ContentType: "image/png", Body: []byte("<!DOCTYPE html><html><head><title>Log in</title></head></html>")},
			expected: Verdict{Kind: Invalid, Reason: "html page instead of media"},
		},
		{
			name:     "claimed html",
			resp:     transport.Response{Status: 200, ContentType: "text/html; charset=utf-8", Body: []byte("just a moment")},
			expected: Verdict{Kind: Invalid, Reason: "html page instead of media"},
		},
		{
			name:     "unknown binary keeps claimed type",
			resp:     transport.Response{Status: 200, ContentType: "application/x-custom", Body: []byte{0x00, 0x01, 0x02, 0x03, 0x04}},
			expected: Verdict{Kind: Binary, ContentType: "application/x-custom"},
		},
		{
			name:     "unknown binary without type",
			resp:     transport.Response{Status: 200, Body: []byte{0x00, 0x01, 0x02, 0x03, 0x04}},
			expected: Verdict{Kind: Binary, ContentType: "application/octet-stream"},
		},
	}

	opts := Options{IsStorageHost: storageHost}
	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			got := Inspect(row.resp, opts)
			if diff := cmp.Diff(row.expected, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestInspectWithoutStorageHosts(t *testing.T) {
	got := Inspect(transport.Response{
		Status: 200,
		Body:   []byte(`{"meta":{"source":"https://sdmntprwestus.oaiusercontent.com/files/y/raw"}}`),
	}, Options{})
	if got.Kind != Binary {
		t.Fatalf("expected binary, got %s", got.Kind)
	}
}
