package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"ohlcv_ledger/models"
)

func sampleBars(n int) []models.Bar {
	bars := make([]models.Bar, n)
	t0 := int64(1_700_000_040_000)
	for i := range bars {
		p := int64(4_300_000_000_000 + i*1_250_000)
		bars[i] = models.Bar{
			OpenTime: t0 + int64(i)*models.MinuteMillis,
			Open:     p,
			High:     p + 900_000_000,
			Low:      p - 300_000_000,
			Close:    p + 100_000_000,
			Volume:   float64(i) * 0.125,
		}
	}
	return bars
}

func TestRoundTrip(t *testing.T) {
	for _, comp := range []Compressor{NewZstdCompressor(), LZ4Compressor{}} {
		c := New(comp)
		for _, n := range []int{1, 2, 60, 1000} {
			bars := sampleBars(n)
			data, err := c.Encode(bars)
			require.NoError(t, err)
			got, err := c.Decode(data)
			require.NoError(t, err, "%s n=%d", comp.Name(), n)
			assert.Equal(t, bars, got, "%s n=%d", comp.Name(), n)
		}
	}
}

func TestRoundTripExtremes(t *testing.T) {
	c := New(nil)
	bars := []models.Bar{
		{OpenTime: math.MinInt64, Open: math.MaxInt64, High: math.MaxInt64, Low: 0, Close: 0, Volume: math.MaxFloat64},
		{OpenTime: math.MaxInt64, Open: 0, High: math.MaxInt64, Low: 0, Close: math.MaxInt64, Volume: 0},
	}
	data, err := c.Encode(bars)
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, bars, got)
}

func TestEncodeDeterministic(t *testing.T) {
	c := New(NewZstdCompressor())
	a, err := c.Encode(sampleBars(120))
	require.NoError(t, err)
	b, err := c.Encode(sampleBars(120))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeEmpty(t *testing.T) {
	_, err := New(nil).Encode(nil)
	assert.ErrorIs(t, err, ErrEmptyBlock)
}

func TestDecodeCorrupt(t *testing.T) {
	c := New(NewZstdCompressor())
	_, err := c.Decode([]byte("definitely not zstd"))
	assert.ErrorIs(t, err, ErrCorruptBlock)

	good, err := c.Encode(sampleBars(10))
	require.NoError(t, err)
	_, err = c.Decode(good[:len(good)/2])
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestDecodeStructuralMismatch(t *testing.T) {
	comp := NewZstdCompressor()
	c := New(comp)

	raw, err := marshalBars(sampleBars(5))
	require.NoError(t, err)

	// truncated tail: valid compression, short payload
	short, err := comp.Compress(raw[:len(raw)-3])
	require.NoError(t, err)
	_, err = c.Decode(short)
	assert.ErrorIs(t, err, ErrCorruptBlock)

	// trailing garbage after the last record
	long, err := comp.Compress(append(append([]byte{}, raw...), 0x01))
	require.NoError(t, err)
	_, err = c.Decode(long)
	assert.ErrorIs(t, err, ErrCorruptBlock)

	// count disagrees with the layout length
	bad := append([]byte{}, raw...)
	bad[1] = 0x04
	tampered, err := comp.Compress(bad)
	require.NoError(t, err)
	_, err = c.Decode(tampered)
	assert.ErrorIs(t, err, ErrCorruptBlock)

	// a huge declared count with no records behind it
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(200_000_001))
	require.NoError(t, enc.EncodeInt(200_000_000))
	huge, err := comp.Compress(buf.Bytes())
	require.NoError(t, err)
	_, err = c.Decode(huge)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestLZ4DecompressLimit(t *testing.T) {
	comp := LZ4Compressor{}
	big, err := comp.Compress(make([]byte, maxDecodedSize+1))
	require.NoError(t, err)
	_, err = comp.Decompress(big)
	assert.Error(t, err)

	_, err = New(comp).Decode(big)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestNewCompressor(t *testing.T) {
	assert.Equal(t, "zstd", NewCompressor("").Name())
	assert.Equal(t, "zstd", NewCompressor("ZSTD").Name())
	assert.Equal(t, "lz4", NewCompressor("lz4").Name())
	assert.Nil(t, NewCompressor("xz"))
}
