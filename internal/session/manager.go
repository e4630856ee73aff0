// Package session は認可済みアカウントごとのストリーミング購読を管理する。
// アカウントごとに独立したゴルーチンで購読し、切断時はバックオフ付きで再接続する。
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/model"
)

// Transformer は update イベントのペイロードをPostに変換する。
type Transformer interface {
	Transform(ctx context.Context, payload json.RawMessage) (*model.Post, error)
}

// Sink は変換済みのPostを受け取る。
type Sink interface {
	Push(post *model.Post)
}

// ErrorReporter はユーザーに見せるエラーの通知先。
type ErrorReporter interface {
	ReportError(err error)
}

// Metrics はセッションのメトリクス記録先。
type Metrics interface {
	RecordStreamEvent(kind string)
	RecordTransformFailure()
	RecordReconnect(domain string)
	SetActiveSessions(n int)
}

// ignoredKinds は受信しても何もしないイベント種別。
var ignoredKinds = map[string]bool{
	mastodon.EventDelete:              true,
	mastodon.EventNotification:        true,
	mastodon.EventFiltersChanged:      true,
	mastodon.EventConversation:        true,
	mastodon.EventAnnouncement:        true,
	mastodon.EventAnnouncementReact:   true,
	mastodon.EventAnnouncementDelete:  true,
	mastodon.EventStatusUpdate:        true,
	mastodon.EventNotificationsMerged: true,
}

// Config はManagerの設定。
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter 以上続いた接続、またはイベントを1件以上受信した接続で失敗回数をリセットする。
	StableAfter time.Duration
}

type runningSession struct {
	info   model.StreamSession
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager はアカウントごとのセッションを起動・置換・停止する。
type Manager struct {
	dialer      Dialer
	transformer Transformer
	sink        Sink
	reporter    ErrorReporter
	metrics     Metrics
	logger      *slog.Logger

	maxRetries  int
	stableAfter time.Duration
	backoff     Backoff
	sleep       func(ctx context.Context, d time.Duration) bool
	now         func() time.Time

	mu       sync.Mutex
	sessions map[model.AccountKey]*runningSession
	wg       sync.WaitGroup
}

// NewManager はManagerを生成する。reporterとmetricsはnilでもよい。
func NewManager(
	dialer Dialer,
	transformer Transformer,
	sink Sink,
	reporter ErrorReporter,
	metrics Metrics,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:      dialer,
		transformer: transformer,
		sink:        sink,
		reporter:    reporter,
		metrics:     metrics,
		logger:      logger,
		maxRetries:  cfg.MaxRetries,
		stableAfter: cfg.StableAfter,
		backoff:     Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		sleep:       sleepContext,
		now:         time.Now,
		sessions:    make(map[model.AccountKey]*runningSession),
	}
}

// Start は保存済みの認証情報それぞれについてセッションを開始する。
func (m *Manager) Start(ctx context.Context, creds []*model.Credential) {
	for _, cred := range creds {
		m.Add(ctx, cred)
	}
}

// Add は認証情報のセッションを開始する。同じアカウントのセッションが動いていれば置き換える。
// セッションはctxがキャンセルされるかRemoveされるまで動き続ける。
func (m *Manager) Add(ctx context.Context, cred *model.Credential) {
	key := cred.Key()
	sessCtx, cancel := context.WithCancel(ctx)
	rs := &runningSession{
		info: model.StreamSession{
			ID:            uuid.New().String(),
			Domain:        cred.Domain,
			AccountHandle: cred.AccountHandle,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.sessions[key]
	m.sessions[key] = rs
	m.wg.Add(1)
	active := len(m.sessions)
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("既存のセッションを置き換えます",
			slog.String("account", key.String()),
			slog.String("session_id", old.info.ID),
		)
		old.cancel()
		<-old.done
	}
	m.setActive(active)

	go m.supervise(sessCtx, cred, rs)
}

// Remove はアカウントのセッションを停止し、終了を待つ。存在しなければfalseを返す。
func (m *Manager) Remove(key model.AccountKey) bool {
	m.mu.Lock()
	rs, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rs.cancel()
	<-rs.done
	return true
}

// Active は動作中のセッションのアカウントを返す。
func (m *Manager) Active() []model.AccountKey {
	m.mu.Lock()
	keys := make([]model.AccountKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Domain != keys[j].Domain {
			return keys[i].Domain < keys[j].Domain
		}
		return keys[i].AccountHandle < keys[j].AccountHandle
	})
	return keys
}

// Sessions は動作中のセッション情報のコピーを返す。
func (m *Manager) Sessions() []model.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.StreamSession, 0, len(m.sessions))
	for _, rs := range m.sessions {
		out = append(out, rs.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait は全セッションの終了を待つ。
func (m *Manager) Wait() {
	m.wg.Wait()
}

// supervise は1アカウントのセッションを再接続しながら維持する。
func (m *Manager) supervise(ctx context.Context, cred *model.Credential, rs *runningSession) {
	key := cred.Key()
	logger := m.logger.With(
		slog.String("account", key.String()),
		slog.String("session_id", rs.info.ID),
	)

	defer func() {
		m.mu.Lock()
		if m.sessions[key] == rs {
			delete(m.sessions, key)
		}
		active := len(m.sessions)
		m.mu.Unlock()

		m.setActive(active)
		close(rs.done)
		m.wg.Done()
	}()

	var streamingURL string
	failures := 0
	for {
		healthy, err := m.runSession(ctx, cred, rs, &streamingURL, logger)
		if healthy {
			failures = 0
		}

		switch ClassifyFailure(ctx, err) {
		case FailureCancelled:
			logger.Info("セッションを終了しました")
			return
		case FailureStop:
			logger.Error("認証が拒否されたためセッションを終了します", slog.String("error", err.Error()))
			m.report(model.NewConnectionError(cred.Domain, err))
			return
		}

		failures++
		if failures > m.maxRetries {
			logger.Error("再接続の上限に達したためセッションを終了します",
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			m.report(model.NewConnectionError(cred.Domain, err))
			return
		}

		delay := m.backoff.Delay(failures - 1)
		logger.Warn("ストリームが切断されました。再接続します",
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if m.metrics != nil {
			m.metrics.RecordReconnect(cred.Domain)
		}
		if !m.sleep(ctx, delay) {
			logger.Info("セッションを終了しました")
			return
		}
	}
}

// runSession は接続1回分の処理を行う。
// 接続がイベントを1件以上受信したか、stableAfter以上続いた場合はhealthyがtrueになる。
// 接続直後に閉じられる接続は失敗として数える。
// ストリーミングURLは最初の成功後にキャッシュし、再接続では取り直さない。
func (m *Manager) runSession(
	ctx context.Context,
	cred *model.Credential,
	rs *runningSession,
	streamingURL *string,
	logger *slog.Logger,
) (healthy bool, err error) {
	if *streamingURL == "" {
		u, err := m.dialer.FetchStreamingURL(ctx, cred.Domain, cred.AccessToken)
		if err != nil {
			return false, err
		}
		*streamingURL = u
	}

	stream, err := m.dialer.Open(ctx, *streamingURL, cred.AccessToken)
	if err != nil {
		return false, err
	}
	defer stream.Close()
	// キャンセル時にブロック中のNextを解除する
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	openedAt := m.now()
	m.mu.Lock()
	rs.info.StreamingURL = *streamingURL
	rs.info.StartedAt = openedAt
	m.mu.Unlock()

	logger.Info("ストリームに接続しました", slog.String("streaming_url", *streamingURL))

	received := false
	for {
		ev, err := stream.Next()
		if err != nil {
			return received || m.now().Sub(openedAt) >= m.stableAfter, err
		}
		received = true
		m.dispatch(ctx, ev, logger)
	}
}

// dispatch はイベント種別ごとに処理する。変換の失敗はセッションを止めない。
func (m *Manager) dispatch(ctx context.Context, ev mastodon.Event, logger *slog.Logger) {
	if m.metrics != nil {
		m.metrics.RecordStreamEvent(ev.Kind)
	}

	switch {
	case ev.Kind == mastodon.EventUpdate:
		post, err := m.transformer.Transform(ctx, ev.Payload)
		if err != nil {
			logger.Warn("イベントの変換に失敗したためスキップします", slog.String("error", err.Error()))
			if m.metrics != nil {
				m.metrics.RecordTransformFailure()
			}
			return
		}
		m.sink.Push(post)
	case ignoredKinds[ev.Kind]:
	default:
		logger.Debug("未知のイベント種別を無視します", slog.String("kind", ev.Kind))
	}
}

func (m *Manager) report(err error) {
	if m.reporter != nil {
		m.reporter.ReportError(err)
	}
}

func (m *Manager) setActive(n int) {
	if m.metrics != nil {
		m.metrics.SetActiveSessions(n)
	}
}
