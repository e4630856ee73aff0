// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/toastodon/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// session.Metrics、oauth.Metrics、media.LatencyRecorder、queue.Observer を満たす。
type Collector struct {
	streamEvents      *prometheus.CounterVec
	transformFailures prometheus.Counter
	reconnects        *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	authResults       *prometheus.CounterVec
	materializeTotal  *prometheus.CounterVec
	materializeTime   prometheus.Histogram
	queueLength       prometheus.Gauge
	queuePushed       prometheus.Counter
	queueEvicted      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toastodon_stream_events_total",
			Help: "種類別の受信ストリーミングイベント数",
		}, []string{"kind"}),
		transformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toastodon_transform_failures_total",
			Help: "投稿イベントの変換失敗の合計数",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toastodon_stream_reconnects_total",
			Help: "ドメイン別のストリーミング再接続数",
		}, []string{"domain"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toastodon_active_sessions",
			Help: "実行中のストリーミングセッション数",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toastodon_auth_attempts_total",
			Help: "結果別のOAuth認可試行数",
		}, []string{"result"}),
		materializeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toastodon_media_fetch_total",
			Help: "メディア取得の成功・失敗数",
		}, []string{"ok"}),
		materializeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "toastodon_media_fetch_latency_seconds",
			Help:    "メディア取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toastodon_queue_length",
			Help: "ステージングキュー内の通知数",
		}),
		queuePushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toastodon_queue_pushed_total",
			Help: "キューに追加された通知の合計数",
		}),
		queueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toastodon_queue_evicted_total",
			Help: "キューから除去された通知の合計数",
		}),
	}

	reg.MustRegister(
		c.streamEvents,
		c.transformFailures,
		c.reconnects,
		c.activeSessions,
		c.authResults,
		c.materializeTotal,
		c.materializeTime,
		c.queueLength,
		c.queuePushed,
		c.queueEvicted,
	)

	return c
}

// RecordStreamEvent は受信イベントを種類別に記録する。
func (c *Collector) RecordStreamEvent(kind string) {
	c.streamEvents.WithLabelValues(kind).Inc()
}

// RecordTransformFailure は変換失敗を記録する。
func (c *Collector) RecordTransformFailure() {
	c.transformFailures.Inc()
}

// RecordReconnect は再接続を記録する。
func (c *Collector) RecordReconnect(domain string) {
	c.reconnects.WithLabelValues(domain).Inc()
}

// SetActiveSessions は実行中のセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordAuthResult は認可試行の結果を記録する。成功は "success"、失敗はエラーコード。
func (c *Collector) RecordAuthResult(result string) {
	c.authResults.WithLabelValues(result).Inc()
}

// RecordMaterialize はメディア取得1回分のレイテンシと成否を記録する。
func (c *Collector) RecordMaterialize(duration time.Duration, ok bool) {
	c.materializeTotal.WithLabelValues(strconv.FormatBool(ok)).Inc()
	c.materializeTime.Observe(duration.Seconds())
}

// OnPush はqueue.Observerの実装。
func (c *Collector) OnPush(_ model.StagedNotification, length int) {
	c.queuePushed.Inc()
	c.queueLength.Set(float64(length))
}

// OnEvict はqueue.Observerの実装。
func (c *Collector) OnEvict(_ model.StagedNotification, length int) {
	c.queueEvicted.Inc()
	c.queueLength.Set(float64(length))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
