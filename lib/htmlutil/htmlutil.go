package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// GetText concatenates every text node under node.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var whitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText strips non-printable characters and collapses whitespace.
func CleanText(text string) string {
	text = whitespace.ReplaceAllString(text, " ")
	text = removeNonPrintable(text)
	return strings.TrimSpace(text)
}

// Image is an <img> element as it was rendered in a page.
type Image struct {
	Src *url.URL
	Alt string
	// Message is the id of the closest ancestor carrying a message id, if any.
	Message string
}

// lazily loaded images keep the real url in one of these.
var srcAttributes = []string{"src", "data-src", "data-original"}

// GetImages collects every image in the selection, relative sources are
// resolved against `base` and data: urls are skipped. Images without alt text
// take the caption of their figure instead.
func GetImages(base *url.URL, sel *goquery.Selection) []Image {
	var images []Image
	sel.Each(func(_ int, img *goquery.Selection) {
		var src string
		for _, attr := range srcAttributes {
			value, exists := img.Attr(attr)
			if exists && strings.TrimSpace(value) != "" {
				src = strings.TrimSpace(value)
				break
			}
		}
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}

		link, err := url.Parse(src)
		if err != nil {
			return
		}
		if base != nil {
			link = base.ResolveReference(link)
		}
		if link.Scheme != "http" && link.Scheme != "https" {
			return
		}

		alt := CleanText(img.AttrOr("alt", ""))
		if alt == "" {
			caption := img.Closest("figure").Find("figcaption")
			if caption.Length() > 0 {
				alt = CleanText(GetText(caption.Nodes[0]))
			}
		}

		images = append(images, Image{
			Src:     link,
			Alt:     alt,
			Message: img.Closest("[data-message-id]").AttrOr("data-message-id", ""),
		})
	})
	return images
}
