// Package codec serializes bar sequences into compressed blocks.
//
// A block is a msgpack array whose first element is the record count followed by one
// six-element array per bar. The first bar is stored absolute; every following bar stores
// each field as a delta against the previous bar, which keeps minute data small before
// compression. Encoding is deterministic: the same bars always produce the same bytes.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"ohlcv_ledger/models"
)

const fieldsPerBar = 6

// minEncodedBarSize is the smallest encoding of one record: array header, five
// single-byte ints and a float64.
const minEncodedBarSize = 1 + 5 + 9

var (
	ErrCorruptBlock = errors.New("corrupt block")
	ErrEmptyBlock   = errors.New("empty block")
)

// Codec pairs the record layout with a Compressor.
type Codec struct {
	comp Compressor
}

func New(comp Compressor) *Codec {
	if comp == nil {
		comp = NewZstdCompressor()
	}
	return &Codec{comp: comp}
}

// Compressor returns the byte compressor used by this codec.
func (c *Codec) Compressor() Compressor { return c.comp }

// Encode serializes and compresses bars. bars must be non-empty.
func (c *Codec) Encode(bars []models.Bar) ([]byte, error) {
	raw, err := marshalBars(bars)
	if err != nil {
		return nil, err
	}
	out, err := c.comp.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.comp.Name(), err)
	}
	return out, nil
}

// Decode is the exact inverse of Encode. Any decompression or layout failure is ErrCorruptBlock.
func (c *Codec) Decode(data []byte) ([]models.Bar, error) {
	raw, err := c.comp.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decompress: %v", ErrCorruptBlock, c.comp.Name(), err)
	}
	bars, err := unmarshalBars(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	return bars, nil
}

func marshalBars(bars []models.Bar) ([]byte, error) {
	if len(bars) == 0 {
		return nil, ErrEmptyBlock
	}
	var buf bytes.Buffer
	buf.Grow(len(bars) * 16)
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(len(bars) + 1); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(len(bars))); err != nil {
		return nil, err
	}
	var prev models.Bar
	for i, b := range bars {
		cur := b
		if i > 0 {
			cur = models.Bar{
				OpenTime: b.OpenTime - prev.OpenTime,
				Open:     b.Open - prev.Open,
				High:     b.High - prev.High,
				Low:      b.Low - prev.Low,
				Close:    b.Close - prev.Close,
				Volume:   b.Volume,
			}
		}
		if err := encodeBar(enc, cur); err != nil {
			return nil, err
		}
		prev = b
	}
	return buf.Bytes(), nil
}

func encodeBar(enc *msgpack.Encoder, b models.Bar) error {
	if err := enc.EncodeArrayLen(fieldsPerBar); err != nil {
		return err
	}
	for _, v := range [...]int64{b.OpenTime, b.Open, b.High, b.Low, b.Close} {
		if err := enc.EncodeInt(v); err != nil {
			return err
		}
	}
	return enc.EncodeFloat64(b.Volume)
}

func unmarshalBars(raw []byte) ([]models.Bar, error) {
	rd := bytes.NewReader(raw)
	dec := msgpack.NewDecoder(rd)

	outer, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("block header: %v", err)
	}
	count, err := dec.DecodeInt64()
	if err != nil {
		return nil, fmt.Errorf("record count: %v", err)
	}
	if count <= 0 || count > math.MaxInt32 || int64(outer) != count+1 {
		return nil, fmt.Errorf("record count %d does not match layout length %d", count, outer)
	}
	if count > int64(rd.Len())/minEncodedBarSize {
		return nil, fmt.Errorf("record count %d exceeds %d payload bytes", count, rd.Len())
	}

	bars := make([]models.Bar, 0, count)
	var prev models.Bar
	for i := int64(0); i < count; i++ {
		b, err := decodeBar(dec)
		if err != nil {
			return nil, fmt.Errorf("record %d of %d: %v", i, count, err)
		}
		if i > 0 {
			b = models.Bar{
				OpenTime: prev.OpenTime + b.OpenTime,
				Open:     prev.Open + b.Open,
				High:     prev.High + b.High,
				Low:      prev.Low + b.Low,
				Close:    prev.Close + b.Close,
				Volume:   b.Volume,
			}
		}
		bars = append(bars, b)
		prev = b
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records", rd.Len(), count)
	}
	return bars, nil
}

func decodeBar(dec *msgpack.Decoder) (models.Bar, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return models.Bar{}, err
	}
	if n != fieldsPerBar {
		return models.Bar{}, fmt.Errorf("expected %d fields, got %d", fieldsPerBar, n)
	}
	var ints [5]int64
	for i := range ints {
		if ints[i], err = dec.DecodeInt64(); err != nil {
			return models.Bar{}, err
		}
	}
	vol, err := dec.DecodeFloat64()
	if err != nil {
		return models.Bar{}, err
	}
	return models.Bar{
		OpenTime: ints[0],
		Open:     ints[1],
		High:     ints[2],
		Low:      ints[3],
		Close:    ints[4],
		Volume:   vol,
	}, nil
}
