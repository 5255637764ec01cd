package conversation

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
	"webchat-export/internal/media/pointer"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T) []byte {
	t.Helper()
	payload, err := os.ReadFile("testdata/conversation.json")
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

type referenceSummary struct {
	Raw      string
	Category pointer.Category
	Title    string
	FileName string
	MIME     string
	Message  string
	Width    int
}

func at(sec, nsec int64) *time.Time {
	t := time.Unix(sec, nsec).UTC()
	return &t
}

func summarize(refs []pointer.Reference) []referenceSummary {
	var out []referenceSummary
	for _, ref := range refs {
		out = append(out, referenceSummary{
			Raw:      ref.RawPointer(),
			Category: ref.Category(),
			Title:    ref.TitleHint,
			FileName: ref.FileName,
			MIME:     ref.ClaimedMIME,
			Message:  ref.SourceMessageID,
			Width:    ref.Width,
		})
	}
	return out
}

func TestScan(t *testing.T) {
	conv, err := Scan(readFixture(t))
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, "c0ffee", conv.ID)
	require.Equal(t, "Foxes and files", conv.Title)
	require.Equal(t, at(1717000000, 500000000), conv.Created)

	expectedMessages := []Message{
		{
			ID:      "m2",
			Role:    "user",
			Text:    "draw a fox like this one",
			Created: at(1717000010, 0),
			Media:   []string{"file-service://file-upl0ad", "file-service://file-d0c"},
		},
		{
			ID:      "m3",
			Role:    "tool",
			Text:    "generating",
			Created: at(1717000020, 0),
		},
		{
			ID:      "m4",
			Role:    "assistant",
			Created: at(1717000040, 0),
			Media:   []string{"sediment://file_abcd1234", "file-service://file-old999"},
		},
	}
	if diff := cmp.Diff(expectedMessages, conv.Messages); diff != "" {
		t.Fatal(diff)
	}

	expectedRefs := []referenceSummary{
		{Raw: "file-service://file-upl0ad", Category: pointer.CategoryUserUpload, FileName: "fox.jpg", MIME: "image/jpeg", Message: "m2", Width: 640},
		{Raw: "file-service://file-d0c", Category: pointer.CategoryUserUpload, FileName: "notes.pdf", MIME: "application/pdf", Message: "m2"},
		{Raw: "sediment://file_abcd1234", Category: pointer.CategoryGeneratedImage, Title: "a red fox", Message: "m4", Width: 1024},
		{Raw: "file-service://file-old999", Category: pointer.CategoryGeneratedImage, Title: "an old fox", Message: "m4", Width: 512},
	}
	if diff := cmp.Diff(expectedRefs, summarize(conv.References)); diff != "" {
		t.Fatal(diff)
	}
}

func TestScanWithoutCurrentNode(t *testing.T) {
	payload := []byte(`{
		"title": "t",
		"mapping": {
			"b": {"parent": "a", "message": {"id": "m-b", "author": {"role": "assistant"}, "create_time": 20, "content": {"parts": ["second"]}}},
			"a": {"parent": null, "message": {"id": "m-a", "author": {"role": "user"}, "create_time": 10, "content": {"parts": ["first"]}}}
		}
	}`)
	conv, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "first", conv.Messages[0].Text)
	require.Equal(t, "second", conv.Messages[1].Text)
	require.Empty(t, conv.References)
}

func TestScanDeduplicates(t *testing.T) {
	payload := []byte(`{
		"mapping": {
			"a": {"message": {"id": "m1", "create_time": 1, "content": {"parts": [
				{"content_type": "image_asset_pointer", "asset_pointer": "sediment://file_x", "metadata": {"dalle": {"prompt": "p"}}}
			]}}},
			"b": {"message": {"id": "m2", "create_time": 2, "content": {"parts": [
				{"content_type": "image_asset_pointer", "asset_pointer": "sediment://file_x"},
				{"content_type": "image_asset_pointer", "asset_pointer": ""}
			]}}}
		}
	}`)
	conv, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, conv.References, 1)
	require.Equal(t, "p", conv.References[0].TitleHint)
	require.Equal(t, "m1", conv.References[0].SourceMessageID)
}

func TestScanMergesAttachmentIntoImagePart(t *testing.T) {
	payload := []byte(`{
		"mapping": {
			"a": {"message": {
				"id": "m1",
				"create_time": 1,
				"content": {"parts": [
					{"content_type": "image_asset_pointer", "asset_pointer": "sediment://file_u1", "width": 800, "height": 600}
				]},
				"metadata": {"attachments": [
					{"id": "file_u1", "name": "photo.png", "mime_type": "image/png", "format": "png"}
				]}
			}}
		}
	}`)
	conv, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}

	require.Len(t, conv.References, 1)
	ref := conv.References[0]
	require.Equal(t, "sediment://file_u1", ref.RawPointer())
	require.Equal(t, pointer.CategoryGeneratedImage, ref.Category())
	require.Equal(t, "photo.png", ref.FileName)
	require.Equal(t, "image/png", ref.ClaimedMIME)
	require.Equal(t, "png", ref.FormatHint)
	require.Equal(t, 800, ref.Width)
	require.Equal(t, 600, ref.Height)

	require.Len(t, conv.Messages, 1)
	require.Equal(t, []string{"sediment://file_u1"}, conv.Messages[0].Media)
}

func TestScanNameHints(t *testing.T) {
	payload := []byte(`{
		"mapping": {
			"a": {"message": {
				"id": "m1",
				"content": {"parts": [
					{"content_type": "image_asset_pointer", "asset_pointer": "sediment://file_g1", "format": "webp", "metadata": {"generation": {"gen_id": "g"}}}
				]},
				"metadata": {"image_gen_title": "Fox at dusk"}
			}}
		}
	}`)
	conv, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}

	require.Len(t, conv.References, 1)
	require.Equal(t, "Fox at dusk", conv.References[0].CustomNameHint)
	require.Equal(t, "webp", conv.References[0].FormatHint)
	require.Nil(t, conv.Messages[0].Created)
	require.Nil(t, conv.Created)
}

func TestScanMalformed(t *testing.T) {
	for _, payload := range []string{"", "{", `{"title":"no mapping"}`, `[]`} {
		_, err := Scan([]byte(payload))
		require.True(t, errors.Is(err, ErrMalformed), payload)
	}
}

func TestSignedURLs(t *testing.T) {
	payload := readFixture(t)
	links := SignedURLs(payload, func(link string) bool {
		return strings.Contains(link, "sig=")
	})
	require.Equal(t, []string{
		"https://sdmntprwestus.oaiusercontent.com/files/file_abcd1234/raw?se=2030-01-01&sp=r&sig=abc",
	}, links)
	require.Nil(t, SignedURLs([]byte("not json"), func(string) bool { return true }))
}
