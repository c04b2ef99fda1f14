package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv_ledger/cache"
	"ohlcv_ledger/codec"
	"ohlcv_ledger/ingest"
	"ohlcv_ledger/ledger"
	"ohlcv_ledger/models"
	"ohlcv_ledger/price"
	"ohlcv_ledger/store"
)

var hour10 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC).UnixMilli()

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	kv, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	l := ledger.New(kv, codec.New(nil))

	bars := make([]models.Bar, 60)
	for i := range bars {
		bars[i] = models.Bar{
			OpenTime: hour10 + int64(i)*models.MinuteMillis,
			Open:     price.MustParse("100.5"),
			High:     price.MustParse(fmt.Sprintf("101.%d", i%10)),
			Low:      price.MustParse("99.25"),
			Close:    price.MustParse("100.75"),
			Volume:   0.5,
		}
	}
	p := ingest.NewPipeline(l, ingest.AggregationConfig{Version: 1, Location: time.UTC})
	rep, err := p.ProcessDataChunk(context.Background(), "BTCUSDT", bars)
	require.NoError(t, err)
	require.NoError(t, rep.AggregationErr)
	require.Equal(t, 1, rep.HoursWritten)

	mux := http.NewServeMux()
	NewHandler(l, cache.NewWindowCache(l, 8)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLast(t *testing.T) {
	srv := newServer(t)

	var body map[string]int64
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/BTCUSDT/last", &body))
	assert.Equal(t, hour10+59*models.MinuteMillis, body["last"])

	// symbols are case-insensitive
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/btcusdt/last", nil))

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/ETHUSDT/last", &errBody))
	assert.NotEmpty(t, errBody["error"])
}

func TestAggrInfo(t *testing.T) {
	srv := newServer(t)

	var body map[string]int64
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/BTCUSDT/aggr-info", &body))
	assert.Equal(t, hour10, body["first"])
	assert.Equal(t, hour10, body["last"])

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/ETHUSDT/aggr-info", nil))
}

func TestBlock(t *testing.T) {
	srv := newServer(t)

	var raw []BarResponse
	assert.Equal(t, http.StatusOK, get(t, srv, fmt.Sprintf("/api/v1/BTCUSDT/raw/blocks/%d", hour10), &raw))
	require.Len(t, raw, 60)
	assert.Equal(t, "100.5", raw[0].Open)
	assert.Equal(t, "99.25", raw[0].Low)

	var aggr []BarResponse
	assert.Equal(t, http.StatusOK, get(t, srv, fmt.Sprintf("/api/v1/BTCUSDT/aggregated/blocks/%d", hour10), &aggr))
	require.Len(t, aggr, 1)
	assert.Equal(t, BarResponse{
		OpenTime: hour10,
		Open:     "100.5",
		High:     "101.9",
		Low:      "99.25",
		Close:    "100.75",
		Volume:   30,
	}, aggr[0])

	assert.Equal(t, http.StatusNotFound, get(t, srv, fmt.Sprintf("/api/v1/BTCUSDT/raw/blocks/%d", hour10+models.MinuteMillis), nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, fmt.Sprintf("/api/v1/BTCUSDT/daily/blocks/%d", hour10), nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/BTCUSDT/raw/blocks/noon", nil))
}

func TestWindow(t *testing.T) {
	srv := newServer(t)

	path := fmt.Sprintf("/api/v1/BTCUSDT/raw/window?from=%d&to=%d", hour10+10*models.MinuteMillis, hour10+20*models.MinuteMillis)
	var bars []BarResponse
	assert.Equal(t, http.StatusOK, get(t, srv, path, &bars))
	require.Len(t, bars, 10)
	assert.Equal(t, hour10+10*models.MinuteMillis, bars[0].OpenTime)
	assert.Equal(t, hour10+19*models.MinuteMillis, bars[9].OpenTime)

	// served again from the cache
	var again []BarResponse
	assert.Equal(t, http.StatusOK, get(t, srv, path, &again))
	assert.Equal(t, bars, again)

	for _, bad := range []string{
		"/api/v1/BTCUSDT/raw/window?from=10",
		"/api/v1/BTCUSDT/raw/window?from=20&to=10",
		fmt.Sprintf("/api/v1/BTCUSDT/raw/window?from=0&to=%d", MaxWindow.Milliseconds()+1),
	} {
		assert.Equal(t, http.StatusBadRequest, get(t, srv, bad, nil), bad)
	}
}
