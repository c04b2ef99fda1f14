package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"ohlcv_ledger/ledger"
	"ohlcv_ledger/metrics"
	"ohlcv_ledger/models"
	"ohlcv_ledger/store"
)

// DefaultAggregationVersion stamps aggregates built by the current hourly fold.
// Raise it whenever the fold or the hour boundary rule changes, including a move
// to a different timezone: the next ingest then rebuilds every aggregate.
const DefaultAggregationVersion int64 = 1

var ErrAggregationFailed = errors.New("aggregation failed")

// AggregationConfig selects the aggregate definition the pipeline maintains.
type AggregationConfig struct {
	// Version is compared with the stamp persisted next to the aggregates.
	Version int64
	// Location defines hour boundaries; nil means time.Local.
	Location *time.Location
}

type aggregator struct {
	ledger  *ledger.Ledger
	kv      store.KV
	version int64
	clock   hourClock
	log     *zap.SugaredLogger
}

type aggregationResult struct {
	Rebuilt      bool
	HoursWritten int
}

func newAggregator(l *ledger.Ledger, cfg AggregationConfig, log *zap.SugaredLogger) *aggregator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	version := cfg.Version
	if version == 0 {
		version = DefaultAggregationVersion
	}
	return &aggregator{
		ledger:  l,
		kv:      l.KV(),
		version: version,
		clock:   hourClock{loc: loc},
		log:     log,
	}
}

// run brings the aggregates of symbol up to date with its raw ledger, rebuilding
// them from scratch when the persisted version differs from a.version.
func (a *aggregator) run(ctx context.Context, symbol string) (aggregationResult, error) {
	start := time.Now()
	defer func() { metrics.RecordAggregationDuration(time.Since(start)) }()

	stored, ok, err := a.metaInt(symbol, store.MetaAggrVersion)
	if err != nil {
		return aggregationResult{}, fmt.Errorf("%w: %s: %w", ErrAggregationFailed, symbol, err)
	}
	if !ok || stored != a.version {
		a.log.Infow("Rebuilding aggregates",
			"symbol", symbol,
			"stored_version", stored,
			"has_version", ok,
			"version", a.version,
		)
		n, err := a.rebuild(ctx, symbol)
		res := aggregationResult{Rebuilt: true, HoursWritten: n}
		if err != nil {
			return res, fmt.Errorf("%w: %s rebuild: %w", ErrAggregationFailed, symbol, err)
		}
		metrics.IncrementRebuilds()
		return res, nil
	}

	n, err := a.catchUp(ctx, symbol)
	if err != nil {
		return aggregationResult{HoursWritten: n}, fmt.Errorf("%w: %s catch-up: %w", ErrAggregationFailed, symbol, err)
	}
	return aggregationResult{HoursWritten: n}, nil
}

// rebuild drops the version stamp and every aggregate of symbol, then recomputes all
// complete hours. The new stamp is written last, so an interrupted rebuild is retried on the next run.
func (a *aggregator) rebuild(ctx context.Context, symbol string) (int, error) {
	// without a stamp an interrupted rebuild is never mistaken for a finished one
	if err := a.kv.Delete(store.MetaKey(symbol, store.MetaAggrVersion)); err != nil {
		return 0, err
	}
	start, end := store.BlockRange(symbol, models.Aggregated)
	removed, err := a.kv.DeleteRange(start, end)
	if err != nil {
		return 0, err
	}
	if err := a.kv.Delete(store.MetaKey(symbol, store.MetaAggrFirst)); err != nil {
		return 0, err
	}
	a.log.Debugw("Dropped aggregates", "symbol", symbol, "blocks", removed)

	written := 0
	firstRaw, ok, err := a.ledger.FirstTimestamp(symbol)
	if err != nil {
		return 0, err
	}
	lastRaw, hasLast, err := a.ledger.LastTimestamp(symbol)
	if err != nil {
		return 0, err
	}
	if ok && hasLast {
		written, err = a.aggregate(ctx, symbol, a.clock.floor(firstRaw), a.clock.lastComplete(lastRaw), false)
		if err != nil {
			return written, err
		}
	}
	if err := ctx.Err(); err != nil {
		return written, err
	}
	if err := a.kv.Put(store.MetaKey(symbol, store.MetaAggrVersion), store.EncodeInt64(a.version)); err != nil {
		return written, err
	}
	a.log.Infow("Aggregates rebuilt", "symbol", symbol, "hours", written, "version", a.version)
	return written, nil
}

// catchUp aggregates only the hours completed since the newest aggregate.
func (a *aggregator) catchUp(ctx context.Context, symbol string) (int, error) {
	lastRaw, ok, err := a.ledger.LastTimestamp(symbol)
	if err != nil || !ok {
		return 0, err
	}
	through := a.clock.lastComplete(lastRaw)

	hasFirst := false
	var from int64
	start, end := store.BlockRange(symbol, models.Aggregated)
	p, found, err := a.kv.Last(start, end)
	if err != nil {
		return 0, err
	}
	switch {
	case found:
		last, err := store.BlockTime(p.Key)
		if err != nil {
			return 0, err
		}
		from = a.clock.next(last)
		hasFirst = true
	default:
		first, ok, err := a.metaInt(symbol, store.MetaAggrFirst)
		if err != nil {
			return 0, err
		}
		if ok {
			from, hasFirst = first, true
		} else {
			firstRaw, ok, err := a.ledger.FirstTimestamp(symbol)
			if err != nil || !ok {
				return 0, err
			}
			from = a.clock.floor(firstRaw)
		}
	}
	if from > through {
		return 0, nil
	}
	return a.aggregate(ctx, symbol, from, through, hasFirst)
}

// aggregate folds raw bars of every hour in [from, through] and writes one
// aggregated block per hour that has data. Work stops between hours once ctx is done.
//
// Raw blocks are visited in key order and may overlap, so bars wait in an ordered buffer
// until no later block can still hold bars of their hour: a block keyed k only holds bars
// at or after k. The copy from the lowest-keyed block wins for a repeated open_time.
func (a *aggregator) aggregate(ctx context.Context, symbol string, from, through int64, hasFirst bool) (int, error) {
	end := a.clock.next(through)
	written := 0
	defer func() { metrics.AddAggregatedHours(written) }()

	pending := btree.NewMap[int64, models.Bar](32)
	hourBars := make([]models.Bar, 0, 60)
	// flush writes every buffered hour that ends at or before limit
	flush := func(limit int64) error {
		for {
			first, _, ok := pending.Min()
			if !ok {
				return nil
			}
			hour := a.clock.floor(first)
			if a.clock.next(hour) > limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			hourBars = hourBars[:0]
			for {
				t, bar, ok := pending.Min()
				if !ok || a.clock.floor(t) != hour {
					break
				}
				pending.PopMin()
				hourBars = append(hourBars, bar)
			}
			if err := a.writeHour(symbol, foldHour(hour, hourBars), !hasFirst); err != nil {
				return err
			}
			hasFirst = true
			written++
		}
	}

	err := a.ledger.ScanBlocks(ctx, symbol, models.Raw, from, end, func(b models.Block) error {
		if err := flush(b.OpenTime); err != nil {
			return err
		}
		for _, bar := range b.Bars {
			if bar.OpenTime < from || bar.OpenTime >= end {
				continue
			}
			if _, dup := pending.Get(bar.OpenTime); !dup {
				pending.Set(bar.OpenTime, bar)
			}
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	if err := flush(math.MaxInt64); err != nil {
		return written, err
	}
	return written, nil
}

func (a *aggregator) writeHour(symbol string, bar models.Bar, first bool) error {
	data, err := a.ledger.Codec().Encode([]models.Bar{bar})
	if err != nil {
		return err
	}
	pairs := []store.Pair{{Key: store.BlockKey(symbol, models.Aggregated, bar.OpenTime), Value: data}}
	if first {
		pairs = append(pairs, store.Pair{Key: store.MetaKey(symbol, store.MetaAggrFirst), Value: store.EncodeInt64(bar.OpenTime)})
	}
	return a.kv.PutBatch(pairs...)
}

// info reports the first and last aggregated open_time of symbol.
func (a *aggregator) info(symbol string) (first, last int64, ok bool, err error) {
	return a.ledger.AggrInfo(symbol)
}

func (a *aggregator) metaInt(symbol, name string) (int64, bool, error) {
	v, ok, err := a.kv.Get(store.MetaKey(symbol, name))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := store.DecodeInt64(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s meta %s: %w", symbol, name, err)
	}
	return n, true, nil
}
