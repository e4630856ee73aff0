package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/toastodon/internal/mastodon"
)

const (
	// defaultInitialBackoff は再接続の初回遅延。
	defaultInitialBackoff = 2 * time.Second
	// defaultMaxBackoff は再接続遅延の上限。
	defaultMaxBackoff = 2 * time.Minute
	// defaultMaxRetries は健全な接続を得られないまま再試行する最大回数。
	defaultMaxRetries = 5
	// defaultStableAfter はイベントがなくても健全とみなす接続の継続時間。
	defaultStableAfter = 30 * time.Second
)

// FailureKind はストリーム失敗の分類。
type FailureKind int

const (
	// FailureRetry はバックオフして再接続すべき失敗（接続拒否、切断など）。
	FailureRetry FailureKind = iota
	// FailureStop は再試行しても回復しない失敗（401/403）。
	FailureStop
	// FailureCancelled はctxのキャンセルによる終了。
	FailureCancelled
)

// ClassifyFailure はセッション終了の原因を分類する。
func ClassifyFailure(ctx context.Context, err error) FailureKind {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return FailureCancelled
	case mastodon.IsAuthRejected(err):
		return FailureStop
	default:
		return FailureRetry
	}
}

// Backoff は指数バックオフとジッターで再接続の遅延を決める。
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Rand は [0,1) の乱数を返す。nilならmath/rand/v2を使う。
	Rand func() float64
}

// Ceiling は連続失敗回数に対する遅延の上限を返す。
// 初回Initial、2倍ずつ増加し、Maxで頭打ち。
func (b Backoff) Ceiling(consecutiveFailures int) time.Duration {
	delay := b.Initial
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	return delay
}

// Delay は上限の半分を下限としたジッター付きの遅延を返す。
// 複数セッションが同時に切断されたときに再接続が揃わないようにする。
func (b Backoff) Delay(consecutiveFailures int) time.Duration {
	ceiling := b.Ceiling(consecutiveFailures)
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	half := ceiling / 2
	return half + time.Duration(r()*float64(ceiling-half))
}

// sleepContext はdだけ待つ。ctxが先に終わった場合はfalseを返す。
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
