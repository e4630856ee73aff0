// Package queue は表示待ち通知のステージングキューを提供する。
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/toastodon/internal/model"
)

const (
	// DefaultCapacity はキューに保持する通知の最大件数。
	DefaultCapacity = 5
	// DefaultEvictInterval は末尾を1件ずつ取り除く間隔。
	DefaultEvictInterval = 10 * time.Second
)

// Observer はキューの変化を受け取る。
// 呼び出しはキューの変更と同じ順に1つずつ行われる。ObserverからPushやEvictOneを呼んではならない。
type Observer interface {
	OnPush(n model.StagedNotification, length int)
	OnEvict(n model.StagedNotification, length int)
}

// Observers は複数のObserverへ順に通知を配る。
type Observers []Observer

// OnPush はObserverの実装。
func (obs Observers) OnPush(n model.StagedNotification, length int) {
	for _, o := range obs {
		o.OnPush(n, length)
	}
}

// OnEvict はObserverの実装。
func (obs Observers) OnEvict(n model.StagedNotification, length int) {
	for _, o := range obs {
		o.OnEvict(n, length)
	}
}

// Queue は新しい順に並んだ容量固定の通知キュー。
// 先頭への追加と末尾の定期的な除去を単一のミューテックスで直列化する。
type Queue struct {
	// deliverMu は変更からObserver呼び出しまでを保持する。muより先に取る。
	deliverMu sync.Mutex

	mu       sync.Mutex
	items    []model.StagedNotification
	capacity int
	interval time.Duration
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Config はQueueの設定。
type Config struct {
	Capacity      int
	EvictInterval time.Duration
}

// New はQueueを生成する。observerはnilでもよい。
func New(cfg Config, observer Observer, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultEvictInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:    make([]model.StagedNotification, 0, cfg.Capacity+1),
		capacity: cfg.Capacity,
		interval: cfg.EvictInterval,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Push は通知を先頭に追加し、容量を超えた分を末尾から捨てる。
func (q *Queue) Push(post *model.Post) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	q.mu.Lock()
	n := model.StagedNotification{Post: post, InsertedAt: q.now()}
	q.items = append(q.items, model.StagedNotification{})
	copy(q.items[1:], q.items)
	q.items[0] = n

	var dropped []model.StagedNotification
	if len(q.items) > q.capacity {
		dropped = append(dropped, q.items[q.capacity:]...)
		clear(q.items[q.capacity:])
		q.items = q.items[:q.capacity]
	}
	length := len(q.items)
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.OnPush(n, length)
		for _, d := range dropped {
			q.observer.OnEvict(d, length)
		}
	}
}

// Snapshot は現在の内容のコピーを新しい順に返す。
func (q *Queue) Snapshot() []model.StagedNotification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.StagedNotification, len(q.items))
	copy(out, q.items)
	return out
}

// Len は現在の件数を返す。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// EvictOne は末尾（最も古く追加された）の1件を取り除く。空なら false を返す。
func (q *Queue) EvictOne() (model.StagedNotification, bool) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return model.StagedNotification{}, false
	}
	last := len(q.items) - 1
	n := q.items[last]
	q.items[last] = model.StagedNotification{}
	q.items = q.items[:last]
	length := len(q.items)
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.OnEvict(n, length)
	}
	return n, true
}

// Run はctxがキャンセルされるまで一定間隔でEvictOneを呼ぶ。
// 各通知の経過時間ではなく、ティックごとに1件だけ取り除く。
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.logger.Info("通知キューの定期削除を開始しました",
		slog.Duration("interval", q.interval),
		slog.Int("capacity", q.capacity),
	)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("通知キューの定期削除を停止しました")
			return
		case <-ticker.C:
			q.EvictOne()
		}
	}
}
