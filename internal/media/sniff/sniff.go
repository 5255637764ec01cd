// Package sniff identifies the real content type of a payload from its leading
// bytes, independently of whatever content type the server claimed.
package sniff

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	JSON    = "application/json"
	HTML    = "text/html"
	Unknown = ""
)

type signature struct {
	offset int
	magic  []byte
	mime   string
}

// order matters where prefixes overlap, more specific signatures come first.
var signatures = []signature{
	{0, []byte("\x89PNG\r\n\x1a\n"), "image/png"},
	{0, []byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{0, []byte("GIF87a"), "image/gif"},
	{0, []byte("GIF89a"), "image/gif"},
	{0, []byte("BM"), "image/bmp"},
	{0, []byte{0x00, 0x00, 0x01, 0x00}, "image/x-icon"},
	{0, []byte{'I', 'I', 0x2A, 0x00}, "image/tiff"},
	{0, []byte{'M', 'M', 0x00, 0x2A}, "image/tiff"},
	{0, []byte{0x1A, 0x45, 0xDF, 0xA3}, "video/webm"},
	{0, []byte("ID3"), "audio/mpeg"},
	{0, []byte("OggS"), "audio/ogg"},
	{0, []byte("fLaC"), "audio/flac"},
	{0, []byte("%PDF-"), "application/pdf"},
	{0, []byte("PK\x03\x04"), "application/zip"},
	{0, []byte("PK\x05\x06"), "application/zip"},
	{0, []byte{0x1F, 0x8B}, "application/gzip"},
	{0, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, "application/x-7z-compressed"},
	{0, []byte("Rar!\x1a\x07"), "application/vnd.rar"},
}

// RIFF containers share a prefix, the format lives at offset 8.
var riffFormats = map[string]string{
	"WEBP": "image/webp",
	"WAVE": "audio/wav",
	"AVI ": "video/x-msvideo",
}

// ISO base media files carry a brand after the "ftyp" box type at offset 4.
var ftypBrands = map[string]string{
	"avif": "image/avif",
	"avis": "image/avif",
	"heic": "image/heic",
	"heix": "image/heic",
	"mif1": "image/heif",
	"msf1": "image/heif",
	"M4A ": "audio/mp4",
	"M4B ": "audio/mp4",
	"qt  ": "video/quicktime",
}

// Classify returns the confirmed mime type of b, or Unknown. Only fixed magic
// numbers are trusted, plus a JSON heuristic on the first non-whitespace byte.
func Classify(b []byte) string {
	for _, sig := range signatures {
		if hasSignature(b, sig.offset, sig.magic) {
			return sig.mime
		}
	}

	if len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) {
		format, ok := riffFormats[string(b[8:12])]
		if ok {
			return format
		}
	}

	if len(b) >= 12 && bytes.Equal(b[4:8], []byte("ftyp")) {
		format, ok := ftypBrands[string(b[8:12])]
		if ok {
			return format
		}
		return "video/mp4"
	}

	// mpeg audio frame sync without an ID3 tag.
	if len(b) >= 2 && b[0] == 0xFF && (b[1]&0xE0) == 0xE0 && (b[1]&0x06) != 0 {
		return "audio/mpeg"
	}

	if looksLikeJSON(b) {
		return JSON
	}
	return Unknown
}

func hasSignature(b []byte, offset int, magic []byte) bool {
	if len(b) < offset+len(magic) {
		return false
	}
	return bytes.Equal(b[offset:offset+len(magic)], magic)
}

func looksLikeJSON(b []byte) bool {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	// a UTF-8 byte order mark sometimes precedes json error bodies.
	trimmed = bytes.TrimPrefix(trimmed, []byte("\xEF\xBB\xBF"))
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// Detect is Classify with a broad fallback guess for anything the signature
// table does not know. The fallback is not authoritative, it is only used to
// spot text and html pages and to give files a sensible extension.
func Detect(b []byte) string {
	classified := Classify(b)
	if classified != Unknown {
		return classified
	}
	if len(b) == 0 {
		return Unknown
	}
	detected := mimetype.Detect(b)
	if detected.Is("application/octet-stream") {
		return Unknown
	}
	return BaseType(detected.String())
}

// IsHTML reports whether b is an html document.
func IsHTML(b []byte) bool {
	return Detect(b) == HTML
}

// BaseType strips parameters like "; charset=utf-8" and lowercases the type.
func BaseType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// IsJSONType reports whether a claimed content type is some flavor of json.
func IsJSONType(contentType string) bool {
	base := BaseType(contentType)
	return base == JSON || strings.HasSuffix(base, "+json") || base == "text/json"
}

// PrintableRatio is the fraction of printable ASCII (and common whitespace)
// bytes in the first `sample` bytes of b.
func PrintableRatio(b []byte, sample int) float64 {
	if len(b) > sample {
		b = b[:sample]
	}
	if len(b) == 0 {
		return 0
	}
	printable := 0
	for _, c := range b {
		if (c >= 0x20 && c < 0x7F) || c == '\n' || c == '\r' || c == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(len(b))
}
