// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	TradesIngested    prometheus.Counter
	MalformedTrades   prometheus.Counter
	LateTradesDropped *prometheus.CounterVec
	FeedReconnects    prometheus.Counter

	// Aggregation metrics
	BarsOpened       *prometheus.CounterVec
	BarsClosed       *prometheus.CounterVec
	BarsLost         *prometheus.CounterVec
	LiveBuckets      prometheus.Gauge
	SweepForceCloses prometheus.Counter

	// Persistence metrics
	PersistRetries  prometheus.Counter
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kline_engine"
	}

	return &Metrics{
		TradesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_ingested_total",
			Help:      "Total number of trade events accepted by the engine",
		}),
		MalformedTrades: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "malformed_trades_total",
			Help:      "Total number of trade events rejected at the ingest boundary",
		}),
		LateTradesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "late_trades_dropped_total",
			Help:      "Total number of trades dropped because their period already closed",
		}, []string{"resolution"}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "feed_reconnects_total",
			Help:      "Total number of trade feed reconnect attempts",
		}),

		BarsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "bars_opened_total",
			Help:      "Total number of live buckets created",
		}, []string{"resolution"}),
		BarsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "bars_closed_total",
			Help:      "Total number of bars closed and persisted",
		}, []string{"resolution"}),
		BarsLost: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "bars_lost_total",
			Help:      "Total number of closed bars dropped after a failed persist retry",
		}, []string{"resolution"}),
		LiveBuckets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "live_buckets",
			Help:      "Current number of open in-memory buckets",
		}),
		SweepForceCloses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "sweep_force_closes_total",
			Help:      "Total number of buckets closed by the backstop sweep",
		}),

		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "retries_total",
			Help:      "Total number of bar upsert retries after a transient failure",
		}),
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTradeIngested increments the trades ingested counter.
func RecordTradeIngested() {
	DefaultMetrics.TradesIngested.Inc()
}

// RecordMalformedTrade increments the malformed trades counter.
func RecordMalformedTrade() {
	DefaultMetrics.MalformedTrades.Inc()
}

// RecordLateTradeDropped records a late trade dropped for one resolution.
func RecordLateTradeDropped(resolution string) {
	DefaultMetrics.LateTradesDropped.WithLabelValues(resolution).Inc()
}

// RecordFeedReconnect increments the feed reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordBarOpened records the creation of a live bucket.
func RecordBarOpened(resolution string) {
	DefaultMetrics.BarsOpened.WithLabelValues(resolution).Inc()
}

// RecordBarClosed records a bar closed and persisted.
func RecordBarClosed(resolution string) {
	DefaultMetrics.BarsClosed.WithLabelValues(resolution).Inc()
}

// RecordBarLost records a bar dropped after the persist retry failed.
func RecordBarLost(resolution string) {
	DefaultMetrics.BarsLost.WithLabelValues(resolution).Inc()
}

// UpdateLiveBuckets updates the live bucket gauge.
func UpdateLiveBuckets(count int) {
	DefaultMetrics.LiveBuckets.Set(float64(count))
}

// RecordSweepForceClose records a bucket closed by the backstop sweep.
func RecordSweepForceClose() {
	DefaultMetrics.SweepForceCloses.Inc()
}

// RecordPersistRetry increments the persistence retry counter.
func RecordPersistRetry() {
	DefaultMetrics.PersistRetries.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
