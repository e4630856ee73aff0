package mastodon

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status はストリームの update イベントで届く投稿。
// 必要なフィールドだけを持つ。
type Status struct {
	ID               string       `json:"id"`
	CreatedAt        time.Time    `json:"created_at"`
	URL              string       `json:"url"`
	Content          string       `json:"content"`
	Account          Account      `json:"account"`
	Reblog           *Status      `json:"reblog"`
	MediaAttachments []Attachment `json:"media_attachments"`
}

// Account は投稿者のアカウント情報。
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

// Attachment は投稿の添付メディア。
type Attachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	Description string `json:"description"`
}

// ThumbnailURL は通知表示に使うURLを返す。プレビューがなければ元URLを使う。
func (a Attachment) ThumbnailURL() string {
	if a.PreviewURL != "" {
		return a.PreviewURL
	}
	return a.URL
}

// DecodeStatus は update イベントのペイロードを投稿にデコードする。
func DecodeStatus(payload []byte) (*Status, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty status payload")
	}
	var status Status
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if status.ID == "" {
		return nil, fmt.Errorf("status has no id")
	}
	return &status, nil
}
