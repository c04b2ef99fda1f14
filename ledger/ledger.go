// Package ledger stores raw minute-bar blocks and serves block reads for both namespaces.
//
// Raw blocks are append-only: a block is written once, keyed by its first open_time, together
// with the symbol's last raw timestamp in a single batch. Aggregated blocks are written by the
// ingest package; this package only reads them.
package ledger

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"ohlcv_ledger/codec"
	"ohlcv_ledger/models"
	"ohlcv_ledger/store"
)

var (
	ErrStaleBlock   = errors.New("stale block")
	ErrInvalidBlock = errors.New("invalid block")
)

// Ledger is the raw-bar ledger over a store.KV.
type Ledger struct {
	kv        store.KV
	codec     *codec.Codec
	tolerance int64
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithStaleTolerance lets a block start up to tolerance ms before the last recorded timestamp.
func WithStaleTolerance(ms int64) Option {
	return func(l *Ledger) {
		if ms > 0 {
			l.tolerance = ms
		}
	}
}

func New(kv store.KV, c *codec.Codec, opts ...Option) *Ledger {
	l := &Ledger{kv: kv, codec: c}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// KV exposes the underlying store to packages layered on the ledger.
func (l *Ledger) KV() store.KV { return l.kv }

// Codec exposes the block codec shared by both namespaces.
func (l *Ledger) Codec() *codec.Codec { return l.codec }

// InsertBlock stores bars as one raw block and advances the last raw timestamp.
// bars must be non-empty and strictly increasing by OpenTime.
func (l *Ledger) InsertBlock(symbol string, bars []models.Bar) error {
	if err := store.ValidateSymbol(symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("%w: no bars", ErrInvalidBlock)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			return fmt.Errorf("%w: open_time %d at index %d not after %d", ErrInvalidBlock, bars[i].OpenTime, i, bars[i-1].OpenTime)
		}
	}

	first, lastBar := bars[0].OpenTime, bars[len(bars)-1].OpenTime
	last, ok, err := l.LastTimestamp(symbol)
	if err != nil {
		return err
	}
	if ok && first <= satSub(last, l.tolerance) {
		return fmt.Errorf("%w: %s block at %d, last stored %d (tolerance %dms)", ErrStaleBlock, symbol, first, last, l.tolerance)
	}

	key := store.BlockKey(symbol, models.Raw, first)
	_, exists, err := l.kv.Get(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s block at %d already stored", ErrStaleBlock, symbol, first)
	}

	data, err := l.codec.Encode(bars)
	if err != nil {
		return fmt.Errorf("encode %s block at %d: %w", symbol, first, err)
	}
	newLast := lastBar
	if ok && last > newLast {
		newLast = last
	}
	pairs := []store.Pair{
		{Key: key, Value: data},
		{Key: store.MetaKey(symbol, store.MetaLast), Value: store.EncodeInt64(newLast)},
		{Key: store.MetaKey(symbol, store.MetaLastInsert), Value: store.EncodeInt64(first)},
	}
	span, _, err := l.metaInt(symbol, store.MetaMaxSpan)
	if err != nil {
		return err
	}
	if s := satSub(lastBar, first); s > span {
		pairs = append(pairs, store.Pair{Key: store.MetaKey(symbol, store.MetaMaxSpan), Value: store.EncodeInt64(s)})
	}
	return l.kv.PutBatch(pairs...)
}

func satSub(a, b int64) int64 {
	if b > 0 && a < math.MinInt64+b {
		return math.MinInt64
	}
	return a - b
}

// GetBlock returns the block of ns stored exactly at openTime.
func (l *Ledger) GetBlock(symbol string, ns models.Namespace, openTime int64) ([]models.Bar, bool, error) {
	data, ok, err := l.kv.Get(store.BlockKey(symbol, ns, openTime))
	if err != nil || !ok {
		return nil, false, err
	}
	bars, err := l.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s block at %d: %w", symbol, ns, openTime, err)
	}
	return bars, true, nil
}

// LastTimestamp returns the open_time of the newest raw bar stored for symbol.
func (l *Ledger) LastTimestamp(symbol string) (int64, bool, error) {
	return l.metaInt(symbol, store.MetaLast)
}

// FirstTimestamp returns the open_time of the oldest raw block stored for symbol.
func (l *Ledger) FirstTimestamp(symbol string) (int64, bool, error) {
	start, end := store.BlockRange(symbol, models.Raw)
	key, err := l.firstKey(start, end)
	if err != nil || key == nil {
		return 0, false, err
	}
	ts, err := store.BlockTime(key)
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

func (l *Ledger) firstKey(start, end []byte) ([]byte, error) {
	var key []byte
	errStop := errors.New("stop")
	err := l.kv.Scan(context.Background(), start, end, func(k, _ []byte) error {
		key = k
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return key, nil
}

// AggrInfo returns the first and last aggregated open_time for symbol.
// ok is false until at least one aggregated block exists.
func (l *Ledger) AggrInfo(symbol string) (first, last int64, ok bool, err error) {
	start, end := store.BlockRange(symbol, models.Aggregated)
	p, found, err := l.kv.Last(start, end)
	if err != nil || !found {
		return 0, 0, false, err
	}
	if last, err = store.BlockTime(p.Key); err != nil {
		return 0, 0, false, err
	}
	first, found, err = l.metaInt(symbol, store.MetaAggrFirst)
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		key, err := l.firstKey(start, end)
		if err != nil {
			return 0, 0, false, err
		}
		if first, err = store.BlockTime(key); err != nil {
			return 0, 0, false, err
		}
	}
	return first, last, true, nil
}

// ScanBlocks visits, in key order, every block of ns that may hold bars in [from, to).
// Raw blocks may overlap when written under a stale tolerance, so the scan starts far
// enough back to cover the widest raw block; visited blocks can hold bars outside the range.
func (l *Ledger) ScanBlocks(ctx context.Context, symbol string, ns models.Namespace, from, to int64, fn func(models.Block) error) error {
	nsStart, _ := store.BlockRange(symbol, ns)
	start := store.BlockKey(symbol, ns, from)
	p, ok, err := l.kv.Last(nsStart, store.BlockKey(symbol, ns, satAdd(from, 1)))
	if err != nil {
		return err
	}
	if ok {
		start = p.Key
	}
	if ns == models.Raw {
		span, _, err := l.metaInt(symbol, store.MetaMaxSpan)
		if err != nil {
			return err
		}
		if back := store.BlockKey(symbol, ns, satSub(from, span)); bytes.Compare(back, start) < 0 {
			start = back
		}
	}
	return l.kv.Scan(ctx, start, store.BlockKey(symbol, ns, to), func(k, v []byte) error {
		ts, err := store.BlockTime(k)
		if err != nil {
			return err
		}
		bars, err := l.codec.Decode(v)
		if err != nil {
			return fmt.Errorf("%s %s block at %d: %w", symbol, ns, ts, err)
		}
		return fn(models.Block{OpenTime: ts, Bars: bars})
	})
}

// Bars returns the bars of ns with from <= open_time < to, ordered by open_time.
// When blocks overlap, the copy from the block with the lowest key wins.
func (l *Ledger) Bars(ctx context.Context, symbol string, ns models.Namespace, from, to int64) ([]models.Bar, error) {
	var out []models.Bar
	err := l.ScanBlocks(ctx, symbol, ns, from, to, func(b models.Block) error {
		for _, bar := range b.Bars {
			if bar.OpenTime >= from && bar.OpenTime < to {
				out = append(out, bar)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return MergeBars(out), nil
}

// MergeBars sorts bars by open_time and keeps the first occurrence of each open_time.
// bars must list overlapping copies in priority order.
func MergeBars(bars []models.Bar) []models.Bar {
	slices.SortStableFunc(bars, func(a, b models.Bar) int {
		return cmp.Compare(a.OpenTime, b.OpenTime)
	})
	return slices.CompactFunc(bars, func(a, b models.Bar) bool {
		return a.OpenTime == b.OpenTime
	})
}

func satAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func (l *Ledger) metaInt(symbol, name string) (int64, bool, error) {
	v, ok, err := l.kv.Get(store.MetaKey(symbol, name))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := store.DecodeInt64(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s meta %s: %w", symbol, name, err)
	}
	return n, true, nil
}

// Revision returns an opaque token that changes whenever the contents of ns for symbol may
// have changed: the last raw timestamp and the newest block written for raw data, the aggregation version stamp plus the
// newest aggregated key for aggregates.
func (l *Ledger) Revision(symbol string, ns models.Namespace) (string, error) {
	switch ns {
	case models.Raw:
		v, _, err := l.kv.Get(store.MetaKey(symbol, store.MetaLast))
		if err != nil {
			return "", err
		}
		ins, _, err := l.kv.Get(store.MetaKey(symbol, store.MetaLastInsert))
		if err != nil {
			return "", err
		}
		return string(v) + "/" + string(ins), nil
	case models.Aggregated:
		v, _, err := l.kv.Get(store.MetaKey(symbol, store.MetaAggrVersion))
		if err != nil {
			return "", err
		}
		start, end := store.BlockRange(symbol, models.Aggregated)
		p, _, err := l.kv.Last(start, end)
		if err != nil {
			return "", err
		}
		return string(v) + "/" + string(p.Key), nil
	default:
		return "", fmt.Errorf("unknown namespace %v", ns)
	}
}
