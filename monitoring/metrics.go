package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request latency
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ohlcv_api_request_duration_seconds",
		Help:    "Time taken to serve read API requests",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})

	// Error rates
	ErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ohlcv_api_errors_total",
		Help: "Read API errors by type",
	}, []string{"type"})

	// System resources
	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ohlcv_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ohlcv_goroutines",
		Help: "Current number of goroutines",
	})

	// Store size
	StoreSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ohlcv_store_bytes",
		Help: "On-disk size of the embedded store",
	}, []string{"part"})
)

// SizeFunc reports the store's LSM and value log sizes.
type SizeFunc func() (lsm, vlog int64)

// StartMetricsCollection samples system and store gauges every interval until ctx is done.
func StartMetricsCollection(ctx context.Context, interval time.Duration, size SizeFunc) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			collectSystemMetrics(size)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectSystemMetrics(size SizeFunc) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if size != nil {
		lsm, vlog := size()
		StoreSize.WithLabelValues("lsm").Set(float64(lsm))
		StoreSize.WithLabelValues("vlog").Set(float64(vlog))
	}
}
