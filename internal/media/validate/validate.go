// Package validate decides whether a downloaded body is the media itself, a
// pointer to where the media really is, or an error dressed up as a success.
package validate

import (
	"fmt"
	"net/url"
	"strings"
	"webchat-export/internal/media/sniff"
	"webchat-export/internal/media/transport"

	"github.com/tidwall/gjson"
)

type Kind int

const (
	Invalid Kind = iota
	Binary
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Redirect:
		return "redirect"
	default:
		return "invalid"
	}
}

type Verdict struct {
	Kind Kind
	// ContentType is set for Binary verdicts.
	ContentType string
	// URL is set for Redirect verdicts, it is always absolute.
	URL string
	// Reason is set for Invalid verdicts.
	Reason string
}

type Options struct {
	// IsStorageHost recognizes hosts of the provider's file storage, string
	// values on such hosts anywhere in a json body count as redirects.
	IsStorageHost func(host string) bool
}

const (
	jsonSampleSize      = 512
	jsonPrintableCutoff = 0.9
	maxScanDepth        = 5
)

// fields that name where the actual file is, in order of preference.
var redirectFields = []string{
	"download_url",
	"downloadUrl",
	"signed_url",
	"signedUrl",
	"url",
	"file_url",
	"fileUrl",
	"redirect_url",
	"location",
	"href",
}

var redirectContainers = []string{"data", "file", "result", "asset", "content"}

// Inspect classifies a single response.
func Inspect(resp transport.Response, opts Options) Verdict {
	if resp.Status < 200 || resp.Status > 299 {
		reason := fmt.Sprintf("status %d", resp.Status)
		if gjson.ValidBytes(resp.Body) {
			detail, ok := errorDetail(gjson.ParseBytes(resp.Body))
			if ok {
				reason += ": " + detail
			}
		}
		return invalid(reason)
	}
	if len(resp.Body) == 0 {
		return invalid("empty body")
	}

	classified := sniff.Classify(resp.Body)
	claimed := sniff.BaseType(resp.ContentType)

	shouldParse := sniff.IsJSONType(claimed) ||
		classified == sniff.JSON ||
		(classified == sniff.Unknown && sniff.PrintableRatio(resp.Body, jsonSampleSize) > jsonPrintableCutoff)
	if shouldParse && gjson.ValidBytes(resp.Body) {
		root := gjson.ParseBytes(resp.Body)

		link, ok := findRedirect(root, resp.URL, opts)
		if ok {
			return Verdict{Kind: Redirect, URL: link}
		}
		detail, ok := errorDetail(root)
		if ok {
			return invalid(detail)
		}
	}

	contentType := classified
	if contentType == sniff.Unknown {
		if sniff.IsHTML(resp.Body) {
			return invalid("html page instead of media")
		}
		contentType = claimed
	}
	if contentType == sniff.HTML {
		return invalid("html page instead of media")
	}
	if contentType == "" {
		contentType = sniff.Detect(resp.Body)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Verdict{Kind: Binary, ContentType: contentType}
}

func invalid(reason string) Verdict {
	return Verdict{Kind: Invalid, Reason: reason}
}

func findRedirect(root gjson.Result, base string, opts Options) (string, bool) {
	if !root.IsObject() && !root.IsArray() {
		return "", false
	}

	for _, field := range redirectFields {
		link, ok := asLink(root.Get(field), base)
		if ok {
			return link, true
		}
	}
	for _, container := range redirectContainers {
		nested := root.Get(container)
		if !nested.IsObject() {
			continue
		}
		for _, field := range redirectFields {
			link, ok := asLink(nested.Get(field), base)
			if ok {
				return link, true
			}
		}
	}

	if opts.IsStorageHost == nil {
		return "", false
	}
	return scanStorageLinks(root, base, opts.IsStorageHost, 0)
}

// scanStorageLinks walks the document in order and returns the first string
// that points to a storage host.
func scanStorageLinks(node gjson.Result, base string, isStorageHost func(string) bool, depth int) (string, bool) {
	if depth > maxScanDepth {
		return "", false
	}

	var found string
	node.ForEach(func(_, value gjson.Result) bool {
		switch {
		case value.Type == gjson.String:
			link, ok := asLink(value, base)
			if !ok {
				return true
			}
			parsed, err := url.Parse(link)
			if err == nil && isStorageHost(parsed.Hostname()) {
				found = link
				return false
			}
		case value.IsObject() || value.IsArray():
			link, ok := scanStorageLinks(value, base, isStorageHost, depth+1)
			if ok {
				found = link
				return false
			}
		}
		return true
	})
	return found, found != ""
}

// asLink resolves a json string into an absolute http(s) url.
func asLink(value gjson.Result, base string) (string, bool) {
	if value.Type != gjson.String {
		return "", false
	}
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return "", false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if !parsed.IsAbs() {
		if base == "" || !strings.HasPrefix(raw, "/") {
			return "", false
		}
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		parsed = baseURL.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}
	return parsed.String(), true
}

// errorDetail recognizes the shapes the provider uses for errors.
func errorDetail(root gjson.Result) (string, bool) {
	if !root.IsObject() {
		return "", false
	}

	status := root.Get("status")
	isError := status.Type == gjson.String && strings.EqualFold(status.String(), "error")

	for _, field := range []string{"detail", "error", "message"} {
		value := root.Get(field)
		if !value.Exists() || value.Type == gjson.Null {
			continue
		}
		if field == "message" && !isError {
			continue
		}
		if value.Type == gjson.False {
			continue
		}
		return describe(value), true
	}
	if isError {
		return "error status", true
	}
	return "", false
}

func describe(value gjson.Result) string {
	switch {
	case value.Type == gjson.String:
		return value.String()
	case value.IsObject():
		for _, field := range []string{"message", "detail", "code"} {
			inner := value.Get(field)
			if inner.Type == gjson.String {
				return inner.String()
			}
		}
	}
	return value.Raw
}
