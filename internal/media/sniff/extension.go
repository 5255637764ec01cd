package sniff

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// the lookup table of the mimetype library picks uncommon extensions for a
// few types, these are the ones people expect to see.
var preferredExtensions = map[string]string{
	"image/jpeg":          "jpg",
	"image/png":           "png",
	"image/gif":           "gif",
	"image/webp":          "webp",
	"image/svg+xml":       "svg",
	"image/x-icon":        "ico",
	"image/tiff":          "tiff",
	"image/heic":          "heic",
	"image/heif":          "heif",
	"image/avif":          "avif",
	"audio/mpeg":          "mp3",
	"audio/mp4":           "m4a",
	"audio/wav":           "wav",
	"audio/ogg":           "ogg",
	"video/mp4":           "mp4",
	"video/quicktime":     "mov",
	"video/webm":          "webm",
	"application/pdf":     "pdf",
	"application/zip":     "zip",
	"application/json":    "json",
	"text/plain":          "txt",
	"text/csv":            "csv",
	"text/markdown":       "md",
	"application/gzip":    "gz",
	"application/vnd.rar": "rar",
}

// Extension maps a mime type to a file extension without the leading dot,
// it returns "" when the type is unknown.
func Extension(mime string) string {
	mime = BaseType(mime)
	if mime == "" {
		return ""
	}
	ext, ok := preferredExtensions[mime]
	if ok {
		return ext
	}
	found := mimetype.Lookup(mime)
	if found == nil {
		return ""
	}
	return strings.TrimPrefix(found.Extension(), ".")
}
