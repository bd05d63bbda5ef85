// Package metrics はトレンド取り込みと読み出しの Prometheus メトリクスです。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trendsnap"

var (
	// IngestRunsTotal は取り込み実行数 (最終ステータス別) です。
	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Total number of ingest runs by final status",
		},
		[]string{"status"},
	)

	// IngestPlacesTotal は地域ごとの取り込み結果数です。
	IngestPlacesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_places_total",
			Help:      "Total number of per-place ingest outcomes",
		},
		[]string{"status", "error_code"},
	)

	// IngestRunDuration は取り込み 1 回の所要時間です。
	IngestRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_run_duration_seconds",
			Help:      "Duration of ingest runs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// FetchAttemptsTotal は上流 API への試行数 (結果別) です。
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Total number of upstream trend fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FetchDuration は上流 API 1 試行の所要時間です。
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single upstream fetch attempt in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SignalResolveDuration は時間オフセット解決 + シグナル計算の所要時間です。
	SignalResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_resolve_duration_seconds",
			Help:      "Duration of temporal view resolution in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// RecordRun は取り込み結果を記録します。
func RecordRun(status string, seconds float64) {
	IngestRunsTotal.WithLabelValues(status).Inc()
	IngestRunDuration.Observe(seconds)
}

// RecordPlace は地域ごとの結果を記録します。
func RecordPlace(status, errorCode string) {
	IngestPlacesTotal.WithLabelValues(status, errorCode).Inc()
}

// RecordFetchAttempt は上流 API 試行を記録します。
func RecordFetchAttempt(outcome string, seconds float64) {
	FetchAttemptsTotal.WithLabelValues(outcome).Inc()
	FetchDuration.Observe(seconds)
}
