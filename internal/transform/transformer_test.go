package transform

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/toastodon/internal/model"
	"github.com/hitoshi/toastodon/internal/security"
)

// fakeMaterializer はURLごとに結果を返すテスト用Materializer。
// failURLsに含まれるURLはFetchErrorを返す。
type fakeMaterializer struct {
	mu       sync.Mutex
	failURLs map[string]bool
	calls    []string
}

func (f *fakeMaterializer) Materialize(ctx context.Context, rawURL string) (model.MaterializedMedia, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()

	if f.failURLs[rawURL] {
		return model.MaterializedMedia{}, model.NewFetchError(rawURL, errors.New("boom"))
	}
	return model.MaterializedMedia{
		SourceURL:   rawURL,
		Bytes:       []byte(rawURL),
		ContentType: model.DefaultMediaType,
	}, nil
}

func newTestTransformer(fails ...string) (*Transformer, *fakeMaterializer) {
	m := &fakeMaterializer{failURLs: map[string]bool{}}
	for _, u := range fails {
		m.failURLs[u] = true
	}
	return NewTransformer(security.NewContentSanitizer(), m, nil), m
}

const plainStatus = `{
	"id": "1",
	"created_at": "2024-05-01T10:00:00.000Z",
	"url": "https://m.test/@alice/1",
	"content": "<p class=\"x\">hello <span>world</span></p><script>x()</script>",
	"account": {"id": "10", "acct": "alice", "display_name": "Alice", "avatar": "https://m.test/alice.png"},
	"media_attachments": [
		{"id": "a1", "type": "image", "url": "https://m.test/1.png", "preview_url": "https://m.test/1s.png"},
		{"id": "a2", "type": "image", "url": "https://m.test/2.png"}
	]
}`

const reblogStatus = `{
	"id": "2",
	"content": "<p>primary</p>",
	"account": {"id": "10", "acct": "alice", "avatar": "https://m.test/alice.png"},
	"media_attachments": [],
	"reblog": {
		"id": "99",
		"content": "<p>original <b>text</b></p>",
		"account": {"id": "20", "acct": "bob@remote.test", "display_name": "Bob", "avatar": "https://remote.test/bob.png"},
		"media_attachments": [{"id": "r1", "url": "https://remote.test/r1.png", "preview_url": "https://remote.test/r1s.png"}],
		"reblog": {"id": "deeper", "content": "<p>nested</p>", "account": {"acct": "x", "avatar": "https://x/x.png"}}
	}
}`

func TestTransform_PlainStatus(t *testing.T) {
	tr, _ := newTestTransformer()

	post, err := tr.Transform(context.Background(), json.RawMessage(plainStatus))
	require.NoError(t, err)

	assert.Equal(t, "1", post.ID)
	assert.Equal(t, "<p>hello world</p>", post.Body)
	assert.Equal(t, "alice", post.Account.Handle)
	assert.Equal(t, "Alice", post.Account.DisplayName)
	assert.Equal(t, "https://m.test/alice.png", post.Account.Avatar.SourceURL)
	assert.Nil(t, post.OriginalPost)

	require.Len(t, post.MediaAttachments, 2)
	assert.Equal(t, "https://m.test/1s.png", post.MediaAttachments[0].SourceURL, "preview_url is preferred")
	assert.Equal(t, "https://m.test/2.png", post.MediaAttachments[1].SourceURL, "falls back to url")
}

func TestTransform_ReblogEffectiveBodyIsOriginal(t *testing.T) {
	tr, m := newTestTransformer()

	post, err := tr.Transform(context.Background(), json.RawMessage(reblogStatus))
	require.NoError(t, err)

	require.NotNil(t, post.OriginalPost)
	assert.Equal(t, "<p>original <b>text</b></p>", post.EffectiveBody())
	assert.Equal(t, "<p>primary</p>", post.Body)
	assert.Equal(t, "bob@remote.test", post.EffectiveAccount().Handle)
	require.Len(t, post.EffectiveMedia(), 1)
	assert.Equal(t, "https://remote.test/r1s.png", post.EffectiveMedia()[0].SourceURL)

	// 1階層に平坦化される
	assert.Nil(t, post.OriginalPost.OriginalPost)
	assert.NotContains(t, m.calls, "https://x/x.png")
}

func TestTransform_ReblogAvatarFailureFallsBack(t *testing.T) {
	tr, _ := newTestTransformer("https://remote.test/bob.png")

	post, err := tr.Transform(context.Background(), json.RawMessage(reblogStatus))
	require.NoError(t, err)

	assert.Nil(t, post.OriginalPost)
	assert.Equal(t, "<p>primary</p>", post.EffectiveBody())
	assert.Equal(t, "alice", post.EffectiveAccount().Handle)
	assert.NotNil(t, post.EffectiveMedia())
	assert.Empty(t, post.EffectiveMedia())
}

func TestTransform_ReblogMediaFailureFallsBack(t *testing.T) {
	tr, _ := newTestTransformer("https://remote.test/r1s.png")

	post, err := tr.Transform(context.Background(), json.RawMessage(reblogStatus))
	require.NoError(t, err)
	assert.Nil(t, post.OriginalPost)
}

func TestTransform_PrimaryAttachmentFailureIsOmitted(t *testing.T) {
	tr, _ := newTestTransformer("https://m.test/1s.png")

	post, err := tr.Transform(context.Background(), json.RawMessage(plainStatus))
	require.NoError(t, err)

	require.Len(t, post.MediaAttachments, 1)
	assert.Equal(t, "https://m.test/2.png", post.MediaAttachments[0].SourceURL)
}

func TestTransform_PrimaryAvatarFailureIsTransformError(t *testing.T) {
	tr, _ := newTestTransformer("https://m.test/alice.png")

	post, err := tr.Transform(context.Background(), json.RawMessage(plainStatus))
	assert.Nil(t, post)
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrCodeTransform))
}

func TestTransform_InvalidPayload(t *testing.T) {
	tr, _ := newTestTransformer()

	for _, payload := range []string{"", "{", `"just a string"`, `{"content":"no id"}`} {
		_, err := tr.Transform(context.Background(), json.RawMessage(payload))
		assert.True(t, model.HasCode(err, model.ErrCodeTransform), "payload %q: %v", payload, err)
	}
}

func TestTransform_EmptyBodyAndNoMedia(t *testing.T) {
	tr, _ := newTestTransformer()

	post, err := tr.Transform(context.Background(), json.RawMessage(
		`{"id":"3","account":{"acct":"a","avatar":"https://m.test/a.png"}}`))
	require.NoError(t, err)

	assert.Equal(t, "", post.Body)
	assert.NotNil(t, post.MediaAttachments)
	assert.Empty(t, post.MediaAttachments)
}

func TestTransform_ReblogWithEmptyBodyFallsBack(t *testing.T) {
	for _, content := range []string{`""`, `"<script>x()</script>"`, `" "`} {
		t.Run(content, func(t *testing.T) {
			tr, m := newTestTransformer()

			payload := `{
				"id": "5",
				"content": "<p>primary</p>",
				"account": {"id": "10", "acct": "alice", "avatar": "https://m.test/alice.png"},
				"reblog": {
					"id": "98",
					"content": ` + content + `,
					"account": {"id": "20", "acct": "bob@remote.test", "avatar": "https://remote.test/bob.png"},
					"media_attachments": [{"id": "r1", "url": "https://remote.test/r1.png"}]
				}
			}`
			post, err := tr.Transform(context.Background(), json.RawMessage(payload))
			require.NoError(t, err)

			assert.Nil(t, post.OriginalPost)
			assert.Equal(t, "<p>primary</p>", post.EffectiveBody())
			assert.Equal(t, "alice", post.EffectiveAccount().Handle)
			assert.NotContains(t, m.calls, "https://remote.test/bob.png", "empty reblog is not materialized")
		})
	}
}
