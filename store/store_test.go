package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlcv_ledger/models"
)

func openMem(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openMem(t)

	_, ok, err := s.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete([]byte("k")))
	_, ok, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeFollowsTimestampOrder(t *testing.T) {
	s := openMem(t)
	times := []int64{1_700_003_600_000, -5, 0, 1_700_000_000_000, 42}
	for _, ts := range times {
		require.NoError(t, s.Put(BlockKey("BTCUSDT", models.Raw, ts), EncodeInt64(ts)))
	}
	// neighbours that must stay outside the range
	require.NoError(t, s.Put(BlockKey("BTCUSDT", models.Aggregated, 7), []byte("a")))
	require.NoError(t, s.Put(BlockKey("BTC", models.Raw, 7), []byte("b")))
	require.NoError(t, s.Put(MetaKey("BTCUSDT", MetaLast), EncodeInt64(1)))

	start, end := BlockRange("BTCUSDT", models.Raw)
	pairs, err := s.Range(start, end)
	require.NoError(t, err)

	var got []int64
	for _, p := range pairs {
		ts, err := BlockTime(p.Key)
		require.NoError(t, err)
		got = append(got, ts)
	}
	assert.Equal(t, []int64{-5, 0, 42, 1_700_000_000_000, 1_700_003_600_000}, got)

	sub, err := s.Range(BlockKey("BTCUSDT", models.Raw, 0), BlockKey("BTCUSDT", models.Raw, 1_700_000_000_000))
	require.NoError(t, err)
	assert.Len(t, sub, 2)
}

func TestLast(t *testing.T) {
	s := openMem(t)
	start, end := BlockRange("ETHUSDT", models.Aggregated)

	_, ok, err := s.Last(start, end)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, ts := range []int64{10, 20, 30} {
		require.NoError(t, s.Put(BlockKey("ETHUSDT", models.Aggregated, ts), EncodeInt64(ts)))
	}
	require.NoError(t, s.Put(BlockKey("ETHUSDT", models.Raw, 99), []byte("x")))

	p, ok, err := s.Last(start, end)
	require.NoError(t, err)
	require.True(t, ok)
	ts, _ := BlockTime(p.Key)
	assert.Equal(t, int64(30), ts)

	// end is exclusive
	p, ok, err = s.Last(start, BlockKey("ETHUSDT", models.Aggregated, 30))
	require.NoError(t, err)
	require.True(t, ok)
	ts, _ = BlockTime(p.Key)
	assert.Equal(t, int64(20), ts)

	_, ok, err = s.Last(BlockKey("ETHUSDT", models.Aggregated, 11), BlockKey("ETHUSDT", models.Aggregated, 20))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutBatchAndDeleteRange(t *testing.T) {
	s := openMem(t)
	var pairs []Pair
	for ts := int64(0); ts < 50; ts++ {
		pairs = append(pairs, Pair{Key: BlockKey("SOLUSDT", models.Aggregated, ts), Value: []byte{1}})
	}
	require.NoError(t, s.PutBatch(pairs...))
	require.NoError(t, s.Put(BlockKey("SOLUSDT", models.Raw, 1), []byte{2}))

	start, end := BlockRange("SOLUSDT", models.Aggregated)
	n, err := s.DeleteRange(start, end)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	left, err := s.Range(start, end)
	require.NoError(t, err)
	assert.Empty(t, left)

	_, ok, err := s.Get(BlockKey("SOLUSDT", models.Raw, 1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScanStopsOnCallbackErrorAndCancel(t *testing.T) {
	s := openMem(t)
	for ts := int64(0); ts < 5; ts++ {
		require.NoError(t, s.Put(BlockKey("X", models.Raw, ts), []byte{byte(ts)}))
	}
	start, end := BlockRange("X", models.Raw)

	stop := assert.AnError
	seen := 0
	err := s.Scan(context.Background(), start, end, func(k, v []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Scan(ctx, start, end, func(k, v []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(MetaKey("BTCUSDT", MetaLast), EncodeInt64(123)))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(MetaKey("BTCUSDT", MetaLast))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := DecodeInt64(v)
	require.NoError(t, err)
	assert.Equal(t, int64(123), got)
}

func TestValidateSymbol(t *testing.T) {
	assert.NoError(t, ValidateSymbol("BTCUSDT"))
	assert.ErrorIs(t, ValidateSymbol(""), ErrInvalidSymbol)
	assert.ErrorIs(t, ValidateSymbol("BTC\x00USDT"), ErrInvalidSymbol)
}
