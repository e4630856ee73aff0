package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ストリームイベントの種別。
const (
	EventUpdate              = "update"
	EventDelete              = "delete"
	EventNotification        = "notification"
	EventFiltersChanged      = "filters_changed"
	EventConversation        = "conversation"
	EventAnnouncement        = "announcement"
	EventAnnouncementReact   = "announcement.reaction"
	EventAnnouncementDelete  = "announcement.delete"
	EventStatusUpdate        = "status.update"
	EventNotificationsMerged = "notifications_merged"
)

const (
	handshakeTimeout = 15 * time.Second
	// controlWriteTimeout はping/pong/closeフレームの書き込み期限。
	controlWriteTimeout = 5 * time.Second
)

// Event はストリームから受信した1件のイベント。
type Event struct {
	Kind    string
	Payload json.RawMessage
}

// streamMessage はストリーミングAPIのwebsocketメッセージ。
// payload は JSON を文字列化したもの（delete ではIDそのもの）。
type streamMessage struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// Stream はユーザーストリームへの購読1本。Nextは単一ゴルーチンから呼ぶ。
// readTimeoutの間にメッセージ・ping・pongのいずれも届かなければNextはエラーを返す。
type Stream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// OpenUserStream は streamingURL の user ストリームをBearerトークンで購読する。
// ハンドシェイクが401/403で拒否された場合はStatusErrorを返す（IsAuthRejectedで判定できる）。
// ctxがキャンセルされると接続は閉じられ、Nextはエラーを返す。
// 接続中はreadTimeoutの半分の間隔でpingを送る。
func (c *Client) OpenUserStream(ctx context.Context, streamingURL, accessToken string) (*Stream, error) {
	endpoint := toWebSocketURL(strings.TrimRight(streamingURL, "/")) + "/api/v1/streaming?stream=user"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	header.Set("User-Agent", c.userAgent)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("streaming handshake failed: %w", &StatusError{
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(body)),
			})
		}
		return nil, fmt.Errorf("streaming dial failed: %w", err)
	}

	s := &Stream{conn: conn, readTimeout: c.streamReadTimeout, done: make(chan struct{})}
	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go s.keepAlive(ctx)
	return s, nil
}

func (s *Stream) extendDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
}

// keepAlive は定期的にpingを送り、ctxのキャンセルで購読を閉じる。
func (s *Stream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.readTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				// 書き込めない接続は読み取り側もエラーにして再接続させる
				s.conn.Close()
				return
			}
		}
	}
}

// Next は次のイベントを受信するまでブロックする。
// テキスト以外のフレームや解析できないメッセージは読み飛ばす。
func (s *Stream) Next() (Event, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return Event{}, ErrStreamClosed
			default:
			}
			return Event{}, fmt.Errorf("stream read failed: %w", err)
		}
		s.extendDeadline()
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			continue
		}
		return Event{Kind: msg.Event, Payload: json.RawMessage(msg.Payload)}, nil
	}
}

// ErrStreamClosed はCloseまたはctxのキャンセルで購読が終了したことを表す。
var ErrStreamClosed = errors.New("stream closed")

// Close は購読を終了する。複数回呼んでもよい。
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteTimeout))
		err = s.conn.Close()
	})
	return err
}
