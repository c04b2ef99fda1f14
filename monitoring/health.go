package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"ohlcv_ledger/metrics"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	ChunksProcessed uint64            `json:"chunks_processed"`
	AggregationErrs uint64            `json:"aggregation_errors"`
	LastProcessed   *time.Time        `json:"last_processed,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
}

var (
	startTime = time.Now()

	mu           sync.RWMutex
	lastError    string
	healthChecks = make(map[string]func() error)
)

// RegisterHealthCheck adds a named component check; a non-nil error marks it unhealthy.
func RegisterHealthCheck(name string, check func() error) {
	mu.Lock()
	defer mu.Unlock()
	healthChecks[name] = check
}

// SetLastError records the most recent failure shown by the health endpoint.
func SetLastError(err error) {
	if err == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	lastError = err.Error()
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	processed, errs, last, uptime := metrics.GetStats()
	status := HealthStatus{
		Status:          "ok",
		Uptime:          uptime.Round(time.Second).String(),
		StartTime:       startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		ChunksProcessed: processed,
		AggregationErrs: errs,
		ComponentStatus: make(map[string]string),
	}
	if !last.IsZero() {
		status.LastProcessed = &last
	}

	mu.RLock()
	status.LastError = lastError
	names := make([]string, 0, len(healthChecks))
	for name := range healthChecks {
		names = append(names, name)
	}
	checks := make(map[string]func() error, len(healthChecks))
	for k, v := range healthChecks {
		checks[k] = v
	}
	mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := checks[name](); err != nil {
			status.ComponentStatus[name] = "unhealthy: " + err.Error()
			status.Status = "degraded"
		} else {
			status.ComponentStatus[name] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
