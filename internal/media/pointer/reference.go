package pointer

import "fmt"

// Reference is one media item of a conversation, it is created while scanning
// the payload and the page and is discarded once the export finishes.
type Reference struct {
	// Pointer is nil for images that were only ever seen in the page.
	Pointer Pointer

	// RenderedURL is the url the page itself displayed the media with, it
	// is the most trustworthy source and may carry a short-lived token.
	RenderedURL string

	SourceMessageID string
	TitleHint       string
	CustomNameHint  string

	FileName    string
	FormatHint  string
	ClaimedMIME string
	Width       int
	Height      int
}

// NewReference normalizes raw into the pointer of a new reference.
func NewReference(raw string) (Reference, error) {
	p, err := Normalize(raw)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Pointer: p}, nil
}

func (r Reference) Category() Category {
	if r.Pointer == nil {
		return CategoryUnknown
	}
	return r.Pointer.Category()
}

func (r Reference) CanonicalID() string {
	if r.Pointer == nil {
		return ""
	}
	return r.Pointer.ID()
}

func (r Reference) RawPointer() string {
	if r.Pointer == nil {
		return ""
	}
	return r.Pointer.Raw()
}

// Valid reports whether the reference can be resolved at all.
func (r Reference) Valid() error {
	if r.RenderedURL != "" {
		return nil
	}
	if r.CanonicalID() == "" {
		return fmt.Errorf("%w: reference has neither an id nor a rendered url", ErrNormalization)
	}
	return nil
}

func (r Reference) String() string {
	if r.Pointer == nil {
		return r.RenderedURL
	}
	return r.Pointer.Raw()
}
