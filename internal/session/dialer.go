package session

import (
	"context"

	"github.com/hitoshi/toastodon/internal/mastodon"
)

// EventStream は1本のイベント購読。
type EventStream interface {
	Next() (mastodon.Event, error)
	Close() error
}

// Dialer はストリーミングエンドポイントの解決と購読の開始を行う。
type Dialer interface {
	FetchStreamingURL(ctx context.Context, domain, accessToken string) (string, error)
	Open(ctx context.Context, streamingURL, accessToken string) (EventStream, error)
}

// MastodonDialer はmastodon.ClientをDialerとして使うためのアダプタ。
type MastodonDialer struct {
	client *mastodon.Client
}

// NewMastodonDialer はMastodonDialerを生成する。
func NewMastodonDialer(client *mastodon.Client) *MastodonDialer {
	return &MastodonDialer{client: client}
}

// FetchStreamingURL はインスタンス情報からストリーミングURLを取得する。
func (d *MastodonDialer) FetchStreamingURL(ctx context.Context, domain, accessToken string) (string, error) {
	return d.client.FetchStreamingURL(ctx, domain, accessToken)
}

// Open はuserストリームの購読を開始する。
func (d *MastodonDialer) Open(ctx context.Context, streamingURL, accessToken string) (EventStream, error) {
	stream, err := d.client.OpenUserStream(ctx, streamingURL, accessToken)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

var _ Dialer = (*MastodonDialer)(nil)
