// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordClip(outcome string)
	RecordFallback()
	ObserveExchange(outcome string)
	RecordMigrationAttempt()
	RecordMigrationOutcome(outcome string)
	RecordNotionLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	clips             *prometheus.CounterVec
	fallbacks         prometheus.Counter
	oauthExchanges    *prometheus.CounterVec
	migrationAttempts prometheus.Counter
	migrationOutcomes *prometheus.CounterVec
	notionLatency     prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		clips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakunotion_clips_total",
			Help: "クリップ処理の結果別合計数",
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rakunotion_extraction_fallback_total",
			Help: "抽出結果が弱くフォールバック取得を実行した合計数",
		}),
		oauthExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakunotion_oauth_exchange_total",
			Help: "OAuthトークン交換の結果別合計数",
		}, []string{"outcome"}),
		migrationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rakunotion_view_migration_attempts_total",
			Help: "ギャラリービュー移行のポーリング試行の合計数",
		}),
		migrationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakunotion_view_migration_total",
			Help: "ギャラリービュー移行の結果別合計数",
		}, []string{"outcome"}),
		notionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rakunotion_notion_api_latency_seconds",
			Help:    "Notion APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.clips,
		c.fallbacks,
		c.oauthExchanges,
		c.migrationAttempts,
		c.migrationOutcomes,
		c.notionLatency,
	)

	return c
}

// RecordClip はクリップ処理の結果を記録する。
func (c *Collector) RecordClip(outcome string) {
	c.clips.WithLabelValues(outcome).Inc()
}

// RecordFallback はフォールバック取得の実行を記録する。
func (c *Collector) RecordFallback() {
	c.fallbacks.Inc()
}

// ObserveExchange はOAuthトークン交換の結果を記録する。
func (c *Collector) ObserveExchange(outcome string) {
	c.oauthExchanges.WithLabelValues(outcome).Inc()
}

// RecordMigrationAttempt はビュー移行のポーリング試行を記録する。
func (c *Collector) RecordMigrationAttempt() {
	c.migrationAttempts.Inc()
}

// RecordMigrationOutcome はビュー移行の最終結果を記録する。
func (c *Collector) RecordMigrationOutcome(outcome string) {
	c.migrationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordNotionLatency はNotion API呼び出しのレイテンシを記録する。
func (c *Collector) RecordNotionLatency(duration time.Duration) {
	c.notionLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
