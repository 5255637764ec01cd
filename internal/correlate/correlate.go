// Package correlate matches generated images of a conversation to the urls the
// page rendered them with, so the resolver can start from a url that is known
// to work.
package correlate

import (
	"net/url"
	"path"
	"slices"
	"strings"
	"webchat-export/internal/media/pointer"
	"webchat-export/lib/htmlutil"

	"github.com/antzucaro/matchr"
)

const DefaultThreshold = 0.9

const (
	SourceImageID  = "img-id"
	SourceImageAlt = "img-alt"
	SourceSigned   = "payload-signed"
)

// Evidence is everything observed outside of the references themselves.
type Evidence struct {
	Images []htmlutil.Image
	// SignedURLs are storage urls found anywhere in the conversation payload.
	SignedURLs []string
}

type Link struct {
	// Reference is the index of the reference in the slice given to CreateLinks.
	Reference   int
	URL         string
	Correlation float64
	Source      string
}

// CreateLinks pairs references with rendered urls. Exact id matches are made
// first, then every reference still without a url is paired with the image
// whose alt text is most similar to its title hint. An image is used at most once.
func CreateLinks(refs []pointer.Reference, evidence Evidence, threshold float64) []Link {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var result []Link
	matchedRef := make(map[int]struct{})
	matchedImage := make(map[int]struct{})
	matchedSigned := make(map[int]struct{})

	eligible := func(i int) bool {
		ref := refs[i]
		if ref.Category() != pointer.CategoryGeneratedImage || ref.RenderedURL != "" || ref.CanonicalID() == "" {
			return false
		}
		_, matched := matchedRef[i]
		return !matched
	}

	for i, ref := range refs {
		if !eligible(i) {
			continue
		}
		for j, img := range evidence.Images {
			_, taken := matchedImage[j]
			if taken {
				continue
			}
			if mentionsID(img.Src, ref.Pointer.Variants()) {
				result = append(result, Link{Reference: i, URL: img.Src.String(), Correlation: 1, Source: SourceImageID})
				matchedRef[i] = struct{}{}
				matchedImage[j] = struct{}{}
				break
			}
		}
	}

	for i, ref := range refs {
		if !eligible(i) {
			continue
		}
		for j, link := range evidence.SignedURLs {
			_, taken := matchedSigned[j]
			if taken {
				continue
			}
			parsed, err := url.Parse(link)
			if err != nil {
				continue
			}
			if mentionsID(parsed, ref.Pointer.Variants()) {
				result = append(result, Link{Reference: i, URL: link, Correlation: 1, Source: SourceSigned})
				matchedRef[i] = struct{}{}
				matchedSigned[j] = struct{}{}
				break
			}
		}
	}

	for i, ref := range refs {
		if !eligible(i) {
			continue
		}
		hint := strings.ToLower(strings.TrimSpace(ref.TitleHint))
		if hint == "" {
			continue
		}

		var mostSimilarity float64
		mostSimilarImage := -1
		for j, img := range evidence.Images {
			_, taken := matchedImage[j]
			if taken || img.Alt == "" {
				continue
			}
			if ref.SourceMessageID != "" && img.Message != "" && ref.SourceMessageID != img.Message {
				continue
			}

			similarity := matchr.JaroWinkler(hint, strings.ToLower(img.Alt), false)
			if similarity > mostSimilarity {
				mostSimilarity = similarity
				mostSimilarImage = j
			}
		}

		if mostSimilarImage >= 0 && mostSimilarity >= threshold {
			result = append(result, Link{
				Reference:   i,
				URL:         evidence.Images[mostSimilarImage].Src.String(),
				Correlation: mostSimilarity,
				Source:      SourceImageAlt,
			})
			matchedRef[i] = struct{}{}
			matchedImage[mostSimilarImage] = struct{}{}
		}
	}

	return result
}

// mentionsID reports whether a whole path segment or query value of link is
// one of the id variants. A file extension on the segment is ignored.
func mentionsID(link *url.URL, variants []string) bool {
	if link == nil {
		return false
	}
	var tokens []string
	for _, segment := range strings.Split(link.Path, "/") {
		tokens = append(tokens, segment, strings.TrimSuffix(segment, path.Ext(segment)))
	}
	for _, values := range link.Query() {
		tokens = append(tokens, values...)
	}
	for _, token := range tokens {
		if token != "" && slices.Contains(variants, token) {
			return true
		}
	}
	return false
}

// BackFill returns a copy of refs with the rendered url of every link set.
func BackFill(refs []pointer.Reference, links []Link) []pointer.Reference {
	out := make([]pointer.Reference, len(refs))
	copy(out, refs)
	for _, link := range links {
		if link.Reference < 0 || link.Reference >= len(out) {
			continue
		}
		out[link.Reference].RenderedURL = link.URL
	}
	return out
}
