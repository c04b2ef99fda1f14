// Package api serves the read-only JSON view of the ledger used by charting clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ohlcv_ledger/models"
	"ohlcv_ledger/monitoring"
	"ohlcv_ledger/price"
	"ohlcv_ledger/store"
	"ohlcv_ledger/utils"
)

// MaxWindow bounds the span of a window request.
const MaxWindow = 31 * 24 * time.Hour

// Reader is the ledger surface used for point reads.
type Reader interface {
	LastTimestamp(symbol string) (int64, bool, error)
	AggrInfo(symbol string) (first, last int64, ok bool, err error)
	GetBlock(symbol string, ns models.Namespace, openTime int64) ([]models.Bar, bool, error)
}

// Windows serves range reads, normally a *cache.WindowCache.
type Windows interface {
	Window(ctx context.Context, symbol string, ns models.Namespace, from, to int64) ([]models.Bar, error)
}

// BarResponse is a bar with prices rendered as decimal strings.
type BarResponse struct {
	OpenTime int64   `json:"open_time"`
	Open     string  `json:"open"`
	High     string  `json:"high"`
	Low      string  `json:"low"`
	Close    string  `json:"close"`
	Volume   float64 `json:"volume"`
}

type Handler struct {
	reader  Reader
	windows Windows
}

func NewHandler(reader Reader, windows Windows) *Handler {
	return &Handler{reader: reader, windows: windows}
}

// Register mounts the read routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/{symbol}/last", h.timed("last", h.last))
	mux.Handle("GET /api/v1/{symbol}/aggr-info", h.timed("aggr_info", h.aggrInfo))
	mux.Handle("GET /api/v1/{symbol}/{ns}/blocks/{open_time}", h.timed("block", h.block))
	mux.Handle("GET /api/v1/{symbol}/{ns}/window", h.timed("window", h.window))
}

func (h *Handler) timed(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		monitoring.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) last(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	last, found, err := h.reader.LastTimestamp(symbol)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, errors.New("no data for symbol"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last": last})
}

func (h *Handler) aggrInfo(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	first, last, found, err := h.reader.AggrInfo(symbol)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, errors.New("no aggregated data for symbol"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"first": first, "last": last})
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	ns, ok := nsParam(w, r)
	if !ok {
		return
	}
	openTime, err := strconv.ParseInt(r.PathValue("open_time"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("open_time must be an integer"))
		return
	}
	bars, found, err := h.reader.GetBlock(symbol, ns, openTime)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, errors.New("block not found"))
		return
	}
	writeJSON(w, http.StatusOK, toResponse(bars))
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(w, r)
	if !ok {
		return
	}
	ns, ok := nsParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("from and to must be integers"))
		return
	}
	if to <= from || to-from > MaxWindow.Milliseconds() {
		writeError(w, r, http.StatusBadRequest, errors.New("window must satisfy from < to within 31 days"))
		return
	}
	bars, err := h.windows.Window(r.Context(), symbol, ns, from, to)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(bars))
}

func symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if err := store.ValidateSymbol(symbol); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return "", false
	}
	return symbol, true
}

func nsParam(w http.ResponseWriter, r *http.Request) (models.Namespace, bool) {
	ns, ok := models.ParseNamespace(r.PathValue("ns"))
	if !ok {
		writeError(w, r, http.StatusNotFound, errors.New("unknown namespace"))
	}
	return ns, ok
}

func toResponse(bars []models.Bar) []BarResponse {
	out := make([]BarResponse, len(bars))
	for i, b := range bars {
		out[i] = BarResponse{
			OpenTime: b.OpenTime,
			Open:     price.Format(b.Open),
			High:     price.Format(b.High),
			Low:      price.Format(b.Low),
			Close:    price.Format(b.Close),
			Volume:   b.Volume,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		monitoring.ErrorCounter.WithLabelValues("internal").Inc()
		monitoring.SetLastError(err)
		utils.Error(err, "Read request failed", "path", r.URL.Path)
	} else {
		monitoring.ErrorCounter.WithLabelValues("client").Inc()
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
