package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"webchat-export/internal/components/chrono"
	"webchat-export/internal/components/telemetry"
	"webchat-export/internal/conversation"
	"webchat-export/internal/media/pointer"
	"webchat-export/internal/media/resolver"

	"github.com/stretchr/testify/require"
)

const payload = `{
  "conversation_id": "c1",
  "title": "Foxes",
  "current_node": "n2",
  "mapping": {
    "n1": {
      "id": "n1",
      "parent": null,
      "children": ["n2"],
      "message": {
        "id": "m1",
        "author": {"role": "user"},
        "create_time": 1717000000,
        "content": {"content_type": "text", "parts": ["draw a fox"]}
      }
    },
    "n2": {
      "id": "n2",
      "parent": "n1",
      "children": [],
      "message": {
        "id": "m2",
        "author": {"role": "assistant"},
        "create_time": 1717000010,
        "content": {
          "content_type": "multimodal_text",
          "parts": [
            {
              "content_type": "image_asset_pointer",
              "asset_pointer": "sediment://file_abcd1234",
              "width": 1024,
              "height": 768,
              "metadata": {"dalle": {"prompt": "a red fox"}}
            },
            {
              "content_type": "image_asset_pointer",
              "asset_pointer": "sediment://file_gone",
              "metadata": {"dalle": {"prompt": "a lost fox"}}
            }
          ]
        }
      }
    }
  }
}`

type staticCredentials struct {
	token string
	err   error
}

func (c staticCredentials) AccessToken(context.Context) (string, error) {
	return c.token, c.err
}

type staticConversations struct {
	payload []byte
	err     error
}

func (c staticConversations) Get(context.Context, string) ([]byte, error) {
	return c.payload, c.err
}

type signatureFunc func(string) bool

func (f signatureFunc) IsSignedMirror(link string) bool {
	return f(link)
}

func neverSigned(string) bool {
	return false
}

func newTestExporter(creds Credentials, conversations ConversationSource, res Resolver, tel telemetry.API) Exporter {
	return NewExporter(
		Options{Origin: "https://chat.test"},
		creds,
		conversations,
		signatureFunc(neverSigned),
		res,
		chrono.NewFakeImpl(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		tel,
	)
}

func TestExport(t *testing.T) {
	var bearers []string
	var rendered []string
	res := &stubResolver{fn: func(ref pointer.Reference) resolver.Resolved {
		rendered = append(rendered, ref.RenderedURL)
		if ref.CanonicalID() == "gone" {
			return resolver.Resolved{Err: errors.Join(resolver.ErrExhausted, errors.New("status 404")), Attempts: 2}
		}
		return succeed(ref)
	}}
	tokenCheck := &tokenResolver{inner: res, bearers: &bearers}

	exporter := newTestExporter(
		staticCredentials{token: "tok"},
		staticConversations{payload: []byte(payload)},
		tokenCheck,
		&telemetry.Recorder{},
	)

	page := `<html><body><div data-message-id="m2">
		<img src="/backend-api/estuary/content?id=file_abcd1234" alt="a red fox">
	</div></body></html>`

	dispatcher := newMemoryDispatcher()
	var progress []string
	result, err := exporter.Export(context.Background(), Request{
		ConversationID: "c1",
		Page:           strings.NewReader(page),
		Dispatcher:     dispatcher,
		Progress: func(msg string) {
			progress = append(progress, msg)
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, "Foxes", result.Conversation.Title)
	require.Equal(t, Tally{Total: 2, Completed: 1, Failed: 1}, result.Tally)
	require.Equal(t, []string{"tok", "tok"}, bearers)
	require.Equal(t, []string{"https://chat.test/backend-api/estuary/content?id=file_abcd1234", ""}, rendered)
	require.NotEmpty(t, progress)

	require.ElementsMatch(t, []string{"conversation.json", "media/abcd1234-a_red_fox.png"}, dispatcher.names())

	var manifest struct {
		RunID        string                    `json:"run_id"`
		ExportedAt   time.Time                 `json:"exported_at"`
		Conversation conversation.Conversation `json:"conversation"`
		Media        []struct {
			Pointer string `json:"pointer"`
			File    string `json:"file"`
			Width   int    `json:"width"`
			Height  int    `json:"height"`
			Error   string `json:"error"`
		} `json:"media"`
		Tally struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
		} `json:"tally"`
	}
	err = json.Unmarshal(dispatcher.files["conversation.json"], &manifest)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, result.RunID, manifest.RunID)
	require.True(t, manifest.ExportedAt.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
	require.Len(t, manifest.Conversation.Messages, 2)
	require.Len(t, manifest.Media, 2)
	require.Equal(t, "sediment://file_abcd1234", manifest.Media[0].Pointer)
	require.Equal(t, "media/abcd1234-a_red_fox.png", manifest.Media[0].File)
	require.Equal(t, 1024, manifest.Media[0].Width)
	require.Equal(t, 768, manifest.Media[0].Height)
	require.Empty(t, manifest.Media[1].File)
	require.Contains(t, manifest.Media[1].Error, "status 404")
	require.Equal(t, 2, manifest.Tally.Total)
	require.Equal(t, 1, manifest.Tally.Failed)
}

type tokenResolver struct {
	inner   Resolver
	bearers *[]string
}

func (r *tokenResolver) Resolve(ctx context.Context, ref pointer.Reference, bearer string) resolver.Resolved {
	*r.bearers = append(*r.bearers, bearer)
	return r.inner.Resolve(ctx, ref, bearer)
}

func TestExportFatal(t *testing.T) {
	testCases := []struct {
		name          string
		creds         staticCredentials
		conversations staticConversations
		target        error
	}{
		{
			name:          "no token",
			creds:         staticCredentials{err: errors.New("no session")},
			conversations: staticConversations{payload: []byte(payload)},
		},
		{
			name:          "conversation missing",
			creds:         staticCredentials{token: "tok"},
			conversations: staticConversations{err: conversation.ErrNotFound},
			target:        conversation.ErrNotFound,
		},
		{
			name:          "malformed conversation",
			creds:         staticCredentials{token: "tok"},
			conversations: staticConversations{payload: []byte("<html>")},
			target:        conversation.ErrMalformed,
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			res := &stubResolver{fn: succeed}
			dispatcher := newMemoryDispatcher()
			exporter := newTestExporter(test.creds, test.conversations, res, &telemetry.Recorder{})

			_, err := exporter.Export(context.Background(), Request{ConversationID: "c1", Dispatcher: dispatcher})
			require.ErrorIs(t, err, ErrFatal)
			if test.target != nil {
				require.ErrorIs(t, err, test.target)
			}
			require.Equal(t, 0, res.calls)
			require.Empty(t, dispatcher.names())
		})
	}
}

func TestExportWithoutMedia(t *testing.T) {
	text := `{"conversation_id": "c2", "title": "Plain", "mapping": {
		"n1": {"id": "n1", "message": {"id": "m1", "author": {"role": "user"}, "content": {"parts": ["hi"]}}}
	}}`
	res := &stubResolver{fn: succeed}
	dispatcher := newMemoryDispatcher()
	exporter := newTestExporter(staticCredentials{token: "tok"}, staticConversations{payload: []byte(text)}, res, &telemetry.Recorder{})

	result, err := exporter.Export(context.Background(), Request{ConversationID: "c2", Dispatcher: dispatcher})
	require.NoError(t, err)
	require.Equal(t, Tally{}, result.Tally)
	require.Equal(t, 0, res.calls)
	require.Equal(t, []string{"conversation.json"}, dispatcher.names())

	manifest := string(dispatcher.files["conversation.json"])
	require.NotContains(t, manifest, `"created"`)
	require.NotContains(t, manifest, "0001-01-01")
}
