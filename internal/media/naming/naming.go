// Package naming gives every downloaded media item a readable filename that is
// unique within one archive.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"webchat-export/internal/media/pointer"
	"webchat-export/internal/media/sniff"
)

const (
	maxGeneratedBase = 200
	maxBase          = 50
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	disallowed   = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	repeatedSeps = regexp.MustCompile(`([_-])[_-]+`)
)

// Sanitize reduces s to characters that are safe in a filename on every
// platform.
func Sanitize(s string) string {
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "_")
	s = disallowed.ReplaceAllString(s, "")
	s = repeatedSeps.ReplaceAllString(s, "$1")
	return strings.Trim(s, "_-")
}

func truncate(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return strings.Trim(s, "_-")
}

// Registry keeps track of the names already handed out in an archive, names
// are compared case-insensitively.
type Registry struct {
	mutex sync.Mutex
	taken map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{taken: map[string]struct{}{}}
}

// Reserve marks a fixed name as taken, it reports false if it already was.
func (r *Registry) Reserve(name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := strings.ToLower(name)
	_, exists := r.taken[key]
	if exists {
		return false
	}
	r.taken[key] = struct{}{}
	return true
}

// Assign synthesizes the filename of a resolved reference and records it.
func (r *Registry) Assign(ref pointer.Reference, contentType string) string {
	base, ext := Synthesize(ref, contentType)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := base + "." + ext
	for i := 1; ; i++ {
		key := strings.ToLower(name)
		_, exists := r.taken[key]
		if !exists {
			r.taken[key] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s_%d.%s", base, i, ext)
	}
}

// Synthesize returns the preferred base name and extension of a reference
// without consulting any registry.
func Synthesize(ref pointer.Reference, contentType string) (base string, ext string) {
	id := Sanitize(ref.CanonicalID())
	category := ref.Category()

	if category == pointer.CategoryGeneratedImage {
		hint := Sanitize(ref.TitleHint)
		if hint == "" {
			hint = Sanitize(ref.CustomNameHint)
		}
		if hint == "" {
			return truncate(fallbackBase(category, id), maxGeneratedBase), "png"
		}
		if id == "" {
			return truncate(hint, maxGeneratedBase), "png"
		}
		return truncate(id+"-"+hint, maxGeneratedBase), "png"
	}

	return chooseBase(ref, category, id), chooseExtension(ref, contentType)
}

func chooseBase(ref pointer.Reference, category pointer.Category, id string) string {
	fileStem := strings.TrimSuffix(ref.FileName, path.Ext(ref.FileName))
	for _, candidate := range []string{ref.TitleHint, ref.CustomNameHint, fileStem} {
		sanitized := truncate(Sanitize(candidate), maxBase)
		if sanitized != "" {
			return sanitized
		}
	}
	return truncate(fallbackBase(category, id), maxBase)
}

func fallbackBase(category pointer.Category, id string) string {
	if id == "" {
		return category.Label()
	}
	return category.Label() + "_" + id
}

func chooseExtension(ref pointer.Reference, contentType string) string {
	candidates := []string{
		ref.FormatHint,
		path.Ext(ref.FileName),
		sniff.Extension(contentType),
	}
	for _, candidate := range candidates {
		ext := strings.ToLower(Sanitize(strings.TrimPrefix(candidate, ".")))
		if ext != "" {
			return ext
		}
	}
	if strings.HasPrefix(sniff.BaseType(contentType), "image/") {
		return "png"
	}
	return "bin"
}
