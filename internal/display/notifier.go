// Package display はデスクトップ通知による表示先を提供する。
package display

// Urgency はfreedesktop仕様の通知の重要度。
type Urgency byte

const (
	UrgencyLow      Urgency = 0
	UrgencyNormal   Urgency = 1
	UrgencyCritical Urgency = 2
)

// Notification はデスクトップ通知1件の内容。
type Notification struct {
	Title      string  // 見出し（必須）
	Body       string  // 本文
	Icon       string  // 画像ファイルのパスまたはアイコン名
	Timeout    int32   // ms。-1でサーバー既定、0で自動では消えない
	ReplacesID uint32  // 0で新規、それ以外は既存通知の置き換え
	Urgency    Urgency
}

// Notifier はデスクトップ通知を送る。
type Notifier interface {
	// Notify は通知を送り、そのIDを返す。通知が使えない環境では0とnilを返す。
	Notify(n Notification) (uint32, error)
	// Close は指定IDの通知を閉じる。
	Close(id uint32) error
}

type stubNotifier struct{}

func (s *stubNotifier) Notify(_ Notification) (uint32, error) {
	return 0, nil
}

func (s *stubNotifier) Close(_ uint32) error {
	return nil
}
