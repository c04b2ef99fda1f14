package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv_ledger/codec"
	"ohlcv_ledger/ledger"
	"ohlcv_ledger/models"
	"ohlcv_ledger/store"
)

type fakeSource struct {
	reads int
	rev   string
}

func (f *fakeSource) Bars(_ context.Context, symbol string, ns models.Namespace, from, to int64) ([]models.Bar, error) {
	f.reads++
	var out []models.Bar
	for ts := from; ts < to; ts += models.MinuteMillis {
		out = append(out, models.Bar{OpenTime: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	return out, nil
}

func (f *fakeSource) Revision(string, models.Namespace) (string, error) { return f.rev, nil }

func TestWindowReadThrough(t *testing.T) {
	src := &fakeSource{rev: "1"}
	c := NewWindowCache(src, 4)
	ctx := context.Background()

	bars, err := c.Window(ctx, "BTCUSDT", models.Raw, 0, 5*models.MinuteMillis)
	require.NoError(t, err)
	assert.Len(t, bars, 5)

	_, err = c.Window(ctx, "BTCUSDT", models.Raw, 0, 5*models.MinuteMillis)
	require.NoError(t, err)
	assert.Equal(t, 1, src.reads)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	// a different namespace is a different window
	_, err = c.Window(ctx, "BTCUSDT", models.Aggregated, 0, 5*models.MinuteMillis)
	require.NoError(t, err)
	assert.Equal(t, 2, src.reads)
}

func TestWindowRefreshedWhenRevisionMoves(t *testing.T) {
	src := &fakeSource{rev: "1"}
	c := NewWindowCache(src, 4)
	ctx := context.Background()

	_, err := c.Window(ctx, "BTCUSDT", models.Raw, 0, models.HourMillis)
	require.NoError(t, err)
	src.rev = "2"
	_, err = c.Window(ctx, "BTCUSDT", models.Raw, 0, models.HourMillis)
	require.NoError(t, err)
	assert.Equal(t, 2, src.reads)
	assert.Equal(t, 1, c.Len())
}

func TestWindowEvictsLeastRecentlyUsed(t *testing.T) {
	src := &fakeSource{rev: "1"}
	c := NewWindowCache(src, 2)
	ctx := context.Background()
	span := 2 * models.MinuteMillis

	// A, B, touch A, then C evicts B
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, 0, span)
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, span, 2*span)
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, 0, span)
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, 2*span, 3*span)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 3, src.reads)

	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, 0, span)
	assert.Equal(t, 3, src.reads, "A stays cached")
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, span, 2*span)
	assert.Equal(t, 4, src.reads, "B was evicted")
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{rev: "1"}
	c := NewWindowCache(src, 8)
	ctx := context.Background()

	_, _ = c.Window(ctx, "BTC", models.Raw, 0, models.MinuteMillis)
	_, _ = c.Window(ctx, "BTCUSDT", models.Raw, 0, models.MinuteMillis)
	_, _ = c.Window(ctx, "BTCUSDT", models.Aggregated, 0, models.MinuteMillis)
	require.Equal(t, 3, c.Len())

	c.Invalidate("BTCUSDT")
	assert.Equal(t, 1, c.Len())
}

func TestWindowSeesGapFillThroughLedger(t *testing.T) {
	kv, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	l := ledger.New(kv, codec.New(nil), ledger.WithStaleTolerance(30*models.MinuteMillis))
	c := NewWindowCache(l, 4)
	ctx := context.Background()

	m := models.MinuteMillis
	bar := func(i int64) models.Bar {
		return models.Bar{OpenTime: i * m, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
	}
	require.NoError(t, l.InsertBlock("BTCUSDT", []models.Bar{bar(0), bar(1), bar(5)}))
	bars, err := c.Window(ctx, "BTCUSDT", models.Raw, 0, 10*m)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	require.NoError(t, l.InsertBlock("BTCUSDT", []models.Bar{bar(2), bar(3)}))
	bars, err = c.Window(ctx, "BTCUSDT", models.Raw, 0, 10*m)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
}
