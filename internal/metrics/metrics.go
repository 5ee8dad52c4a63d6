// Package metrics exposes Prometheus instruments for the traffic pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	HitsRecordedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webtraffic_hits_recorded_total",
			Help: "Total number of hits accepted by the ingestion endpoint",
		},
	)

	HitsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_hits_rejected_total",
			Help: "Total number of hits rejected by reason",
		},
		[]string{"reason"}, // invalid_date, future_date, shutting_down
	)

	CounterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_counter_errors_total",
			Help: "Total number of fast counter operations that failed",
		},
		[]string{"op"},
	)

	// Event buffer metrics
	BufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webtraffic_buffer_pending",
			Help: "Number of hits waiting in the event buffer",
		},
	)

	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_flushes_total",
			Help: "Total number of buffer flushes by trigger and result",
		},
		[]string{"trigger", "result"}, // trigger: size, timer, force
	)

	FlushRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webtraffic_flush_retries_total",
			Help: "Total number of retried flush writes",
		},
	)

	FlushDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webtraffic_flush_duration_seconds",
			Help:    "Time spent writing one batch to durable storage, retries included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webtraffic_flush_batch_size",
			Help:    "Number of hits written per flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Aggregation metrics
	AggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_aggregations_total",
			Help: "Total number of bucket recomputations by granularity and result",
		},
		[]string{"granularity", "result"}, // result: ok, skipped, error
	)

	// Live fan-out metrics
	LiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webtraffic_live_clients",
			Help: "Number of connected live subscribers",
		},
	)

	LiveMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_live_messages_total",
			Help: "Total number of live messages delivered by type",
		},
		[]string{"type"},
	)

	LiveSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webtraffic_live_suppressed_total",
			Help: "Total number of live messages skipped because the client already had the content",
		},
	)

	LiveDroppedClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_live_dropped_clients_total",
			Help: "Total number of live subscribers removed by reason",
		},
		[]string{"reason"}, // send_failed, heartbeat, closed
	)

	SharedChannelHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webtraffic_shared_channel_healthy",
			Help: "1 when the cross-process live channel is subscribed, 0 while polling fallback is active",
		},
	)

	// Reconciliation metrics
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtraffic_reconcile_runs_total",
			Help: "Total number of fast counter reconciliations by mode and result",
		},
		[]string{"mode", "result"}, // mode: initialize, resync
	)
)

// ObserveFlush records the outcome of one flush.
func ObserveFlush(trigger string, size int, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	FlushesTotal.WithLabelValues(trigger, result).Inc()
	FlushDurationSeconds.Observe(took.Seconds())
	if err == nil {
		FlushBatchSize.Observe(float64(size))
	}
}

// ObserveAggregation records one bucket recomputation.
func ObserveAggregation(granularity string, skipped bool, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case skipped:
		result = "skipped"
	}
	AggregationsTotal.WithLabelValues(granularity, result).Inc()
}

// SetSharedChannelHealthy records the state of the cross-process live channel.
func SetSharedChannelHealthy(healthy bool) {
	if healthy {
		SharedChannelHealthy.Set(1)
		return
	}
	SharedChannelHealthy.Set(0)
}
