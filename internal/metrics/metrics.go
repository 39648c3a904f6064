// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやサービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordCheckout(result string)
	RecordWebhookEvent(eventType, outcome string)
	RecordNotification(result string)
	RecordNotifyLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins        *prometheus.CounterVec
	checkouts     *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	notifications *prometheus.CounterVec
	notifyLatency prometheus.Histogram
	httpStatus    *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarivex_logins_total",
			Help: "Discordログインの結果別合計数",
		}, []string{"result"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarivex_checkout_sessions_total",
			Help: "チェックアウトセッション作成の結果別合計数",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarivex_webhook_events_total",
			Help: "受信したWebhookイベントのタイプ・処理結果別合計数",
		}, []string{"event_type", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarivex_bot_notifications_total",
			Help: "Bot通知の結果別合計数",
		}, []string{"result"}),
		notifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clarivex_bot_notify_latency_seconds",
			Help:    "Bot通知（リトライ込み）のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarivex_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.checkouts,
		c.webhookEvents,
		c.notifications,
		c.notifyLatency,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordCheckout はチェックアウトセッション作成結果を記録する。
func (c *Collector) RecordCheckout(result string) {
	c.checkouts.WithLabelValues(result).Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordNotification はBot通知の結果を記録する。
func (c *Collector) RecordNotification(result string) {
	c.notifications.WithLabelValues(result).Inc()
}

// RecordNotifyLatency はBot通知のレイテンシを記録する。
func (c *Collector) RecordNotifyLatency(duration time.Duration) {
	c.notifyLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
