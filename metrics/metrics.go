package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prometheus metrics
	ingestedChunksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_ingested_chunks_total",
		Help: "The total number of raw chunks stored",
	})

	ingestedBarsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_ingested_bars_total",
		Help: "The total number of raw minute bars stored",
	})

	rejectedChunksMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ohlcv_rejected_chunks_total",
		Help: "Chunks rejected before or during the raw write, by reason",
	}, []string{"reason"})

	aggregationErrorsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_aggregation_errors_total",
		Help: "Aggregation passes aborted with an error",
	})

	aggregatedHoursMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_aggregated_hours_total",
		Help: "Hourly aggregate blocks written",
	})

	rebuildsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_aggregation_rebuilds_total",
		Help: "Completed full aggregate rebuilds",
	})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ohlcv_ingest_seconds",
		Help:    "Time spent storing and aggregating one chunk",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	aggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ohlcv_aggregation_seconds",
		Help:    "Time spent in one aggregation pass",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	// Internal counters
	processedChunks uint64
	errorCount      uint64
	lastProcessed   atomic.Int64
	startTime       = time.Now()
)

func IncrementProcessed(bars int) {
	atomic.AddUint64(&processedChunks, 1)
	ingestedChunksMetric.Inc()
	ingestedBarsMetric.Add(float64(bars))
	lastProcessed.Store(time.Now().UnixNano())
}

// IncrementErrors counts an aborted aggregation pass.
func IncrementErrors() {
	atomic.AddUint64(&errorCount, 1)
	aggregationErrorsMetric.Inc()
}

func IncrementRejected(reason string) {
	rejectedChunksMetric.WithLabelValues(reason).Inc()
}

func IncrementRebuilds() {
	rebuildsMetric.Inc()
}

func AddAggregatedHours(n int) {
	if n > 0 {
		aggregatedHoursMetric.Add(float64(n))
	}
}

// GetStats returns processed chunks, aggregation errors, last processed time and uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	var last time.Time
	if ns := lastProcessed.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return atomic.LoadUint64(&processedChunks),
		atomic.LoadUint64(&errorCount),
		last,
		time.Since(startTime)
}

func RecordIngestDuration(d time.Duration) {
	ingestDuration.Observe(d.Seconds())
}

func RecordAggregationDuration(d time.Duration) {
	aggregationDuration.Observe(d.Seconds())
}
