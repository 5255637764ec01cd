// Package pointer turns the opaque file references found in conversation
// payloads into typed pointers with a canonical id.
package pointer

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNormalization = errors.New("could not normalize pointer")

type Category int

const (
	CategoryUnknown Category = iota
	CategoryGeneratedImage
	CategoryUserUpload
)

func (c Category) String() string {
	switch c {
	case CategoryGeneratedImage:
		return "generated-image"
	case CategoryUserUpload:
		return "user-upload"
	default:
		return "unknown"
	}
}

// Label is the word used for the category in synthesized filenames.
func (c Category) Label() string {
	switch c {
	case CategoryGeneratedImage:
		return "image"
	case CategoryUserUpload:
		return "file"
	default:
		return "media"
	}
}

const (
	schemeGeneratedImage = "sediment"
	schemeUserUpload     = "file-service"
)

const (
	prefixHyphen     = "file-"
	prefixUnderscore = "file_"
)

// Pointer is one of GeneratedImagePointer, UserUploadPointer or UnknownPointer.
type Pointer interface {
	Category() Category
	// Raw is the string the pointer was parsed from.
	Raw() string
	// ID is the canonical id, without scheme or "file" prefix.
	ID() string
	// Variants lists every spelling of the id a storage backend might use,
	// the spelling seen in the raw pointer comes first.
	Variants() []string

	isPointer()
}

// ident is the part shared by every pointer shape.
type ident struct {
	raw    string
	id     string
	prefix string
}

func (i ident) Raw() string {
	return i.raw
}

func (i ident) ID() string {
	return i.id
}

func (i ident) Variants() []string {
	forms := []string{
		i.prefix + i.id,
		prefixHyphen + i.id,
		prefixUnderscore + i.id,
		i.id,
	}
	out := make([]string, 0, len(forms))
	seen := map[string]struct{}{}
	for _, f := range forms {
		_, dup := seen[f]
		if dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (ident) isPointer() {}

// GeneratedImagePointer points to an image produced by the assistant, these
// live in internal storage addressed by the "sediment" scheme.
type GeneratedImagePointer struct {
	ident
}

func (GeneratedImagePointer) Category() Category {
	return CategoryGeneratedImage
}

// UserUploadPointer points to a file uploaded by the user or an attachment
// from before generated images had their own scheme.
type UserUploadPointer struct {
	ident
}

func (UserUploadPointer) Category() Category {
	return CategoryUserUpload
}

// UnknownPointer is any other scheme, or a bare id.
type UnknownPointer struct {
	ident
	// Scheme is empty for bare ids.
	Scheme string
}

func (UnknownPointer) Category() Category {
	return CategoryUnknown
}

// Normalize parses a raw pointer. Normalizing the id of a pointer yields the
// same id again.
func Normalize(raw string) (Pointer, error) {
	trimmed := strings.TrimSpace(raw)

	var scheme string
	rest := trimmed
	before, after, found := strings.Cut(trimmed, "://")
	if found {
		scheme = strings.ToLower(before)
		rest = after
	}

	id, prefix := stripPrefixes(rest)
	if id == "" {
		return nil, fmt.Errorf("%w: %q has no id", ErrNormalization, raw)
	}
	base := ident{raw: raw, id: id, prefix: prefix}

	switch scheme {
	case schemeGeneratedImage:
		return GeneratedImagePointer{ident: base}, nil
	case schemeUserUpload:
		return UserUploadPointer{ident: base}, nil
	default:
		return UnknownPointer{ident: base, Scheme: scheme}, nil
	}
}

// stripPrefixes removes every leading "file_" / "file-", returning the id and
// the first prefix that was removed.
func stripPrefixes(s string) (id string, prefix string) {
	s = strings.Trim(s, "/")
	for {
		switch {
		case strings.HasPrefix(s, prefixUnderscore):
			if prefix == "" {
				prefix = prefixUnderscore
			}
			s = s[len(prefixUnderscore):]
		case strings.HasPrefix(s, prefixHyphen):
			if prefix == "" {
				prefix = prefixHyphen
			}
			s = s[len(prefixHyphen):]
		default:
			return s, prefix
		}
	}
}

// AsGeneratedImage reinterprets p as a generated image, payload metadata
// sometimes knows better than the pointer scheme.
func AsGeneratedImage(p Pointer) Pointer {
	switch p := p.(type) {
	case GeneratedImagePointer:
		return p
	case UserUploadPointer:
		return GeneratedImagePointer{ident: p.ident}
	case UnknownPointer:
		return GeneratedImagePointer{ident: p.ident}
	}
	return p
}
