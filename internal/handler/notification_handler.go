package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/toastodon/internal/display"
	"github.com/hitoshi/toastodon/internal/model"
)

// NotificationSource は表示待ち通知のスナップショットを返す。
type NotificationSource interface {
	Snapshot() []model.StagedNotification
}

// NotificationHandler はステージングキューの内容を返すHTTPハンドラー。
type NotificationHandler struct {
	source NotificationSource
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(source NotificationSource) *NotificationHandler {
	return &NotificationHandler{source: source}
}

// notificationResponse は通知1件のAPIレスポンス。
type notificationResponse struct {
	PostID     string    `json:"post_id"`
	InsertedAt time.Time `json:"inserted_at"`
	CreatedAt  time.Time `json:"created_at"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Body       string    `json:"body"`
	Account    string    `json:"account"`
	BoostedBy  string    `json:"boosted_by,omitempty"`
	AvatarType string    `json:"avatar_type,omitempty"`
	Avatar     []byte    `json:"avatar,omitempty"`
	MediaCount int       `json:"media_count"`
}

// ListNotifications は新しい順に表示待ちの通知を返す。
// GET /api/notifications
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	items := h.source.Snapshot()

	resp := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		p := n.Post
		if p == nil {
			continue
		}
		author := p.EffectiveAccount()
		nr := notificationResponse{
			PostID:     p.ID,
			InsertedAt: n.InsertedAt,
			CreatedAt:  p.CreatedAt,
			URL:        p.URL,
			Title:      display.Title(p),
			Text:       display.PlainText(p.EffectiveBody()),
			Body:       p.EffectiveBody(),
			Account:    author.Handle,
			AvatarType: author.Avatar.ContentType,
			Avatar:     author.Avatar.Bytes,
			MediaCount: len(p.EffectiveMedia()),
		}
		if p.IsReblog() {
			nr.BoostedBy = p.Account.Handle
		}
		resp = append(resp, nr)
	}

	writeJSON(w, http.StatusOK, resp)
}
