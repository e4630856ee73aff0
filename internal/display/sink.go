package display

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"strings"
	"sync"

	"github.com/hitoshi/toastodon/internal/model"
)

// maxBodyRunes は通知本文の最大文字数。
const maxBodyRunes = 400

// IconPattern はIconDirに書き出すアバター画像のファイル名パターン。拡張子は画像の種類で変わる。
const IconPattern = "avatar-*"

// shown は表示中の通知。pendingの間はNotifyの完了待ちで、
// その間に届いたDismissはdismissedとして記録される。
type shown struct {
	id        uint32
	icon      string
	pending   bool
	dismissed bool
}

// Sink はキューの変化をデスクトップ通知に反映する。
// 追加された投稿を表示し、キューから除去された投稿の通知を閉じる。
type Sink struct {
	notifier Notifier
	iconDir  string
	logger   *slog.Logger

	mu    sync.Mutex
	shown map[*model.Post]shown
}

// Config はSinkの設定。
type Config struct {
	// IconDir はアバター画像を書き出すディレクトリ。空の場合はアイコンを付けない。
	IconDir string
}

// NewSink はSinkを生成する。
func NewSink(notifier Notifier, logger *slog.Logger, cfg Config) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		notifier: notifier,
		iconDir:  cfg.IconDir,
		logger:   logger,
		shown:    make(map[*model.Post]shown),
	}
}

// OnPush はqueue.Observerの実装。
func (s *Sink) OnPush(n model.StagedNotification, _ int) {
	s.Show(n.Post)
}

// OnEvict はqueue.Observerの実装。
func (s *Sink) OnEvict(n model.StagedNotification, _ int) {
	s.Dismiss(n.Post)
}

// Show は投稿を通知として表示する。
func (s *Sink) Show(post *model.Post) {
	if post == nil {
		return
	}

	s.mu.Lock()
	if _, ok := s.shown[post]; ok {
		s.mu.Unlock()
		return
	}
	s.shown[post] = shown{pending: true}
	s.mu.Unlock()

	account := post.EffectiveAccount()
	icon := s.writeIcon(account.Avatar)

	id, err := s.notifier.Notify(Notification{
		Title:   Title(post),
		Body:    Body(post),
		Icon:    icon,
		Timeout: 0,
		Urgency: UrgencyNormal,
	})

	s.mu.Lock()
	entry, ok := s.shown[post]
	dismissed := !ok || entry.dismissed
	if err != nil || dismissed {
		delete(s.shown, post)
	} else {
		s.shown[post] = shown{id: id, icon: icon}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to show notification",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
		removeIcon(icon)
		return
	}
	if dismissed {
		// 表示中に除去された
		s.close(id, icon)
	}
}

// Dismiss は投稿の通知を閉じ、書き出したアイコンを削除する。
func (s *Sink) Dismiss(post *model.Post) {
	s.mu.Lock()
	entry, ok := s.shown[post]
	if ok && entry.pending {
		entry.dismissed = true
		s.shown[post] = entry
		s.mu.Unlock()
		return
	}
	delete(s.shown, post)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.close(entry.id, entry.icon)
}

func (s *Sink) close(id uint32, icon string) {
	if id != 0 {
		if err := s.notifier.Close(id); err != nil {
			s.logger.Debug("failed to close notification",
				slog.Uint64("notification_id", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	removeIcon(icon)
}

// ReportError はユーザー向けのエラーを重要度の高い通知として表示する。
func (s *Sink) ReportError(err error) {
	if err == nil {
		return
	}

	title := "toastodon"
	body := err.Error()
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		title = appErr.Message
		if appErr.Domain != "" {
			title += " (" + appErr.Domain + ")"
		}
		body = appErr.Action
	}

	s.logger.Error("reported error",
		slog.String("error", err.Error()),
	)
	if _, nerr := s.notifier.Notify(Notification{
		Title:   title,
		Body:    body,
		Timeout: -1,
		Urgency: UrgencyCritical,
	}); nerr != nil {
		s.logger.Warn("failed to show error notification", slog.String("error", nerr.Error()))
	}
}

// Title は通知の見出しを返す。ブーストの場合はブーストしたアカウントも含める。
func Title(post *model.Post) string {
	author := displayName(post.EffectiveAccount())
	if post.IsReblog() {
		return fmt.Sprintf("%s boosted %s", displayName(post.Account), author)
	}
	return author
}

// Body は通知の本文を返す。
func Body(post *model.Post) string {
	text := PlainText(post.EffectiveBody())
	if r := []rune(text); len(r) > maxBodyRunes {
		text = string(r[:maxBodyRunes-1]) + "…"
	}
	if n := len(post.EffectiveMedia()); n > 0 {
		suffix := fmt.Sprintf("[%d attachment(s)]", n)
		if text == "" {
			return suffix
		}
		text += "\n" + suffix
	}
	return text
}

func displayName(a model.Account) string {
	name := strings.TrimSpace(a.DisplayName)
	switch {
	case name == "":
		return "@" + a.Handle
	case a.Handle == "":
		return name
	default:
		return name + " (@" + a.Handle + ")"
	}
}

func (s *Sink) writeIcon(media model.MaterializedMedia) string {
	if s.iconDir == "" || len(media.Bytes) == 0 {
		return ""
	}

	ext := ".img"
	if exts, err := mime.ExtensionsByType(media.ContentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}

	if err := os.MkdirAll(s.iconDir, 0o700); err != nil {
		s.logger.Debug("failed to create icon directory", slog.String("error", err.Error()))
		return ""
	}
	f, err := os.CreateTemp(s.iconDir, IconPattern+ext)
	if err != nil {
		s.logger.Debug("failed to create icon file", slog.String("error", err.Error()))
		return ""
	}
	if _, err := f.Write(media.Bytes); err != nil {
		f.Close()
		os.Remove(f.Name())
		return ""
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return ""
	}
	return f.Name()
}

func removeIcon(path string) {
	if path != "" {
		os.Remove(path)
	}
}
