// Package model はドメインモデルを定義する。
package model

import "time"

// DefaultMediaType はContent-Typeが取得できない場合に使うメディアタイプ。
const DefaultMediaType = "image/png"

// MaterializedMedia はURLから取得したバイト列とメディアタイプを保持する。
// 生成後は変更しない。
type MaterializedMedia struct {
	SourceURL   string `json:"source_url"`
	Bytes       []byte `json:"bytes"`
	ContentType string `json:"content_type"`
}

// Account は表示用のアカウント情報を表す。
type Account struct {
	ID          string            `json:"id"`
	Handle      string            `json:"handle"`
	DisplayName string            `json:"display_name"`
	Avatar      MaterializedMedia `json:"avatar"`
}

// Post は表示可能な状態に正規化された投稿を表す。
// Bodyは常にサニタイズ済み。OriginalPostはブーストされた元投稿で、
// 1階層に平坦化されているため OriginalPost.OriginalPost は常にnil。
type Post struct {
	ID               string              `json:"id"`
	CreatedAt        time.Time           `json:"created_at"`
	URL              string              `json:"url"`
	Body             string              `json:"body"`
	Account          Account             `json:"account"`
	OriginalPost     *Post               `json:"original_post,omitempty"`
	MediaAttachments []MaterializedMedia `json:"media_attachments"`
}

// IsReblog はブーストされた元投稿を保持しているかを返す。
func (p *Post) IsReblog() bool {
	return p.OriginalPost != nil
}

// EffectiveBody は表示に使う本文を返す。ブーストの場合は元投稿の本文。
func (p *Post) EffectiveBody() string {
	if p.OriginalPost != nil {
		return p.OriginalPost.Body
	}
	return p.Body
}

// EffectiveAccount は表示に使うアカウントを返す。ブーストの場合は元投稿の投稿者。
func (p *Post) EffectiveAccount() Account {
	if p.OriginalPost != nil {
		return p.OriginalPost.Account
	}
	return p.Account
}

// EffectiveMedia は表示に使う添付メディアを返す。ブーストの場合は元投稿の添付。
func (p *Post) EffectiveMedia() []MaterializedMedia {
	if p.OriginalPost != nil {
		return p.OriginalPost.MediaAttachments
	}
	return p.MediaAttachments
}

// StagedNotification はステージングキューに保持される通知を表す。
type StagedNotification struct {
	Post       *Post     `json:"post"`
	InsertedAt time.Time `json:"inserted_at"`
}
