// Package media はリモートのアバター・添付メディアをバイト列として取得する機能を提供する。
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/toastodon/internal/model"
)

const (
	// defaultTimeout はメディア取得1回あたりのタイムアウト。
	defaultTimeout = 10 * time.Second
	// defaultMaxSize は取得するメディアの最大サイズ（8MB）。
	defaultMaxSize = 8 * 1024 * 1024
	// defaultAttempts は1件あたりの最大試行回数（初回 + 再試行1回）。
	defaultAttempts = 2
	// userAgent はメディア取得時のUser-Agent。
	userAgent = "toastodon/1.0 (+notification)"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardを抽象化してテストで差し替えられるようにする。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// LatencyRecorder はメディア取得のメトリクス記録先。
type LatencyRecorder interface {
	RecordMaterialize(duration time.Duration, ok bool)
}

// Config はMaterializerの設定。
type Config struct {
	Timeout  time.Duration
	MaxSize  int64
	Attempts int
}

// Materializer はURLを取得してMaterializedMediaに変換する。
// 生成したHTTPクライアントを共有するため、複数ゴルーチンから同時に呼び出せる。
type Materializer struct {
	ssrfGuard SSRFValidator
	client    *http.Client
	logger    *slog.Logger
	metrics   LatencyRecorder
	maxSize   int64
	attempts  int
}

// NewMaterializer はMaterializerを生成する。
// ssrfGuardがnilの場合は検証なしの通常クライアントを使う（テスト用）。
func NewMaterializer(ssrfGuard SSRFValidator, logger *slog.Logger, metrics LatencyRecorder, cfg Config) *Materializer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	var client *http.Client
	if ssrfGuard != nil {
		client = ssrfGuard.NewSafeClient(cfg.Timeout)
	} else {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Materializer{
		ssrfGuard: ssrfGuard,
		client:    client,
		logger:    logger,
		metrics:   metrics,
		maxSize:   cfg.MaxSize,
		attempts:  cfg.Attempts,
	}
}

// permanentError は再試行しても結果が変わらない失敗を表す。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Materialize はURLを取得し、バイト列と宣言されたメディアタイプを返す。
// 一時的な失敗は1回だけ再試行する。最終的に失敗した場合はFetchErrorを返す。
func (m *Materializer) Materialize(ctx context.Context, rawURL string) (model.MaterializedMedia, error) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		media, err := m.fetchOnce(ctx, rawURL)
		if err == nil {
			m.record(time.Since(start), true)
			return media, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		m.logger.Warn("メディア取得に失敗しました",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	m.record(time.Since(start), false)
	return model.MaterializedMedia{}, model.NewFetchError(rawURL, lastErr)
}

func (m *Materializer) fetchOnce(ctx context.Context, rawURL string) (model.MaterializedMedia, error) {
	if rawURL == "" {
		return model.MaterializedMedia{}, &permanentError{err: errors.New("empty URL")}
	}

	if m.ssrfGuard != nil {
		if err := m.ssrfGuard.ValidateURL(rawURL); err != nil {
			return model.MaterializedMedia{}, &permanentError{err: fmt.Errorf("SSRF検証に失敗: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.MaterializedMedia{}, &permanentError{err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*, video/*, */*")

	resp, err := m.client.Do(req)
	if err != nil {
		return model.MaterializedMedia{}, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return model.MaterializedMedia{}, &permanentError{err: statusErr}
		}
		return model.MaterializedMedia{}, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxSize+1))
	if err != nil {
		return model.MaterializedMedia{}, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}
	if int64(len(body)) > m.maxSize {
		return model.MaterializedMedia{}, &permanentError{err: fmt.Errorf("media exceeds %d bytes", m.maxSize)}
	}

	return model.MaterializedMedia{
		SourceURL:   rawURL,
		Bytes:       body,
		ContentType: extractMediaType(resp.Header),
	}, nil
}

func (m *Materializer) record(d time.Duration, ok bool) {
	if m.metrics != nil {
		m.metrics.RecordMaterialize(d, ok)
	}
}

// extractMediaType はContent-Typeヘッダーからメディアタイプを取り出す。
// http.Header.Getはキーを正規化して引くので、ヘッダー名の大文字小文字に依存しない。
// 欠落・解析不能の場合は image/png を返す。
func extractMediaType(h http.Header) string {
	contentType := strings.TrimSpace(h.Get("Content-Type"))
	if contentType == "" {
		return model.DefaultMediaType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return model.DefaultMediaType
	}
	return strings.ToLower(mediaType)
}
