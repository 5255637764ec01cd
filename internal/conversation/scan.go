// Package conversation downloads conversation payloads and extracts the
// transcript and media references from them.
package conversation

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
	"webchat-export/internal/media/pointer"

	"github.com/tidwall/gjson"
)

var ErrMalformed = errors.New("malformed conversation payload")

type Message struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Text    string    `json:"text"`
	Created *time.Time `json:"created,omitempty"`
	// Media lists the raw pointers of the media attached to the message.
	Media []string `json:"media,omitempty"`
}

type Conversation struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Created  *time.Time `json:"created,omitempty"`
	Updated  *time.Time `json:"updated,omitempty"`
	Messages []Message  `json:"messages"`

	References []pointer.Reference `json:"-"`
}

type node struct {
	id      string
	parent  string
	message gjson.Result
}

// Scan walks the message tree of a payload. When the payload names a current
// node only the branch leading to it is kept, otherwise every message is kept
// in order of creation.
func Scan(payload []byte) (Conversation, error) {
	if !gjson.ValidBytes(payload) {
		return Conversation{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(payload)
	mapping := root.Get("mapping")
	if !mapping.IsObject() {
		return Conversation{}, fmt.Errorf("%w: missing mapping", ErrMalformed)
	}

	conv := Conversation{
		ID:      firstString(root, "conversation_id", "id"),
		Title:   root.Get("title").String(),
		Created: unixTime(root.Get("create_time")),
		Updated: unixTime(root.Get("update_time")),
	}

	nodes := map[string]node{}
	var order []string
	mapping.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		nodes[id] = node{
			id:      id,
			parent:  value.Get("parent").String(),
			message: value.Get("message"),
		}
		order = append(order, id)
		return true
	})

	path := branch(nodes, root.Get("current_node").String())
	if path == nil {
		path = byCreation(nodes, order)
	}

	scanner := referenceScanner{index: map[string]int{}}
	for _, id := range path {
		msg := nodes[id].message
		if !msg.IsObject() {
			continue
		}
		message := Message{
			ID:      firstString(msg, "id"),
			Role:    msg.Get("author.role").String(),
			Created: unixTime(msg.Get("create_time")),
		}
		if message.ID == "" {
			message.ID = id
		}

		var text []string
		msg.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Type == gjson.String:
				if strings.TrimSpace(part.String()) != "" {
					text = append(text, part.String())
				}
			case part.IsObject() && part.Get("content_type").String() == "image_asset_pointer":
				raw, ok := scanner.assetPointer(part, message.ID, msg.Get("metadata.image_gen_title").String())
				if ok {
					message.Media = append(message.Media, raw)
				}
			}
			return true
		})
		if msg.Get("content.text").Type == gjson.String {
			text = append(text, msg.Get("content.text").String())
		}
		message.Text = strings.Join(text, "\n")

		msg.Get("metadata.attachments").ForEach(func(_, attachment gjson.Result) bool {
			raw, ok := scanner.attachment(attachment, message.ID)
			if ok && !slices.Contains(message.Media, raw) {
				message.Media = append(message.Media, raw)
			}
			return true
		})

		if message.Text == "" && len(message.Media) == 0 {
			continue
		}
		conv.Messages = append(conv.Messages, message)
	}

	conv.References = scanner.refs
	return conv, nil
}

// branch follows parents up from the current node, returning nil if the chain
// is broken or cyclic.
func branch(nodes map[string]node, current string) []string {
	if current == "" {
		return nil
	}
	var path []string
	visited := map[string]struct{}{}
	for id := current; id != ""; id = nodes[id].parent {
		_, known := nodes[id]
		if !known {
			return nil
		}
		_, seen := visited[id]
		if seen {
			return nil
		}
		visited[id] = struct{}{}
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func byCreation(nodes map[string]node, order []string) []string {
	out := make([]string, len(order))
	copy(out, order)
	sort.SliceStable(out, func(i, j int) bool {
		return nodes[out[i]].message.Get("create_time").Float() < nodes[out[j]].message.Get("create_time").Float()
	})
	return out
}

// referenceScanner collects references keyed by canonical id, so the same
// asset seen as an image part and as an attachment becomes one reference.
type referenceScanner struct {
	refs  []pointer.Reference
	index map[string]int
}

func scanKey(ref pointer.Reference) string {
	id := ref.CanonicalID()
	if id == "" {
		return ref.RawPointer()
	}
	return id
}

func (s *referenceScanner) add(ref pointer.Reference) (pointer.Reference, bool) {
	i, exists := s.index[scanKey(ref)]
	if exists {
		return s.refs[i], false
	}
	s.index[scanKey(ref)] = len(s.refs)
	s.refs = append(s.refs, ref)
	return ref, true
}

func (s *referenceScanner) update(ref pointer.Reference) {
	s.refs[s.index[scanKey(ref)]] = ref
}

func (s *referenceScanner) assetPointer(part gjson.Result, messageID, nameHint string) (string, bool) {
	raw := part.Get("asset_pointer").String()
	p, err := pointer.Normalize(raw)
	if err != nil {
		return "", false
	}

	metadata := part.Get("metadata")
	generated := isPresent(metadata.Get("dalle")) || isPresent(metadata.Get("generation"))
	if generated {
		p = pointer.AsGeneratedImage(p)
	}

	ref, isNew := s.add(pointer.Reference{
		Pointer:         p,
		SourceMessageID: messageID,
		TitleHint:       metadata.Get("dalle.prompt").String(),
		CustomNameHint:  nameHint,
		FormatHint:      part.Get("format").String(),
		Width:           int(part.Get("width").Int()),
		Height:          int(part.Get("height").Int()),
	})
	if !isNew {
		if ref.Width == 0 {
			ref.Width = int(part.Get("width").Int())
			ref.Height = int(part.Get("height").Int())
		}
		if ref.TitleHint == "" {
			ref.TitleHint = metadata.Get("dalle.prompt").String()
		}
		if ref.CustomNameHint == "" {
			ref.CustomNameHint = nameHint
		}
		if ref.FormatHint == "" {
			ref.FormatHint = part.Get("format").String()
		}
		if generated && ref.Category() != pointer.CategoryGeneratedImage {
			ref.Pointer = pointer.AsGeneratedImage(ref.Pointer)
		}
		s.update(ref)
	}
	return ref.RawPointer(), true
}

func (s *referenceScanner) attachment(attachment gjson.Result, messageID string) (string, bool) {
	id := attachment.Get("id").String()
	if id == "" {
		return "", false
	}
	raw := id
	if !strings.Contains(id, "://") {
		raw = "file-service://" + id
	}
	p, err := pointer.Normalize(raw)
	if err != nil {
		return "", false
	}

	name := attachment.Get("name").String()
	mime := attachment.Get("mime_type").String()
	format := attachment.Get("format").String()

	ref, isNew := s.add(pointer.Reference{
		Pointer:         p,
		SourceMessageID: messageID,
		FileName:        name,
		ClaimedMIME:     mime,
		FormatHint:      format,
		Width:           int(attachment.Get("width").Int()),
		Height:          int(attachment.Get("height").Int()),
	})
	if !isNew {
		if ref.FileName == "" {
			ref.FileName = name
		}
		if ref.ClaimedMIME == "" {
			ref.ClaimedMIME = mime
		}
		if ref.FormatHint == "" {
			ref.FormatHint = format
		}
		if ref.Width == 0 {
			ref.Width = int(attachment.Get("width").Int())
			ref.Height = int(attachment.Get("height").Int())
		}
		s.update(ref)
	}
	return ref.RawPointer(), true
}

// SignedURLs lists every url in the payload that isSigned accepts, in document
// order and without duplicates.
func SignedURLs(payload []byte, isSigned func(link string) bool) []string {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	var walk func(value gjson.Result)
	walk = func(value gjson.Result) {
		value.ForEach(func(_, child gjson.Result) bool {
			switch {
			case child.Type == gjson.String:
				link := child.String()
				if !strings.HasPrefix(link, "https://") {
					return true
				}
				_, err := url.Parse(link)
				if err != nil || !isSigned(link) {
					return true
				}
				_, dup := seen[link]
				if !dup {
					seen[link] = struct{}{}
					out = append(out, link)
				}
			case child.IsObject() || child.IsArray():
				walk(child)
			}
			return true
		})
	}
	walk(gjson.ParseBytes(payload))
	return out
}

func isPresent(value gjson.Result) bool {
	return value.Exists() && value.Type != gjson.Null
}

func firstString(value gjson.Result, fields ...string) string {
	for _, field := range fields {
		found := value.Get(field)
		if found.Type == gjson.String && found.String() != "" {
			return found.String()
		}
	}
	return ""
}

// unixTime converts fractional unix seconds, it is nil when the value is
// missing.
func unixTime(value gjson.Result) *time.Time {
	if value.Type != gjson.Number {
		return nil
	}
	seconds, frac := math.Modf(value.Float())
	t := time.Unix(int64(seconds), int64(frac*1e9)).UTC()
	return &t
}
