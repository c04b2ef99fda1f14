// Package ingest is the single write path for new market data: validated raw chunks go into
// the ledger and then through hourly aggregation. Aggregation cannot be triggered any other way.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ohlcv_ledger/ledger"
	"ohlcv_ledger/metrics"
	"ohlcv_ledger/models"
)

var ErrInvalidChunk = errors.New("invalid chunk")

// Report describes the outcome of one ProcessDataChunk call.
type Report struct {
	ChunkID      string
	Symbol       string
	Stored       int
	Rebuilt      bool
	HoursWritten int
	// AggregationErr is set when the chunk was stored but aggregation did not finish.
	// It wraps ErrAggregationFailed.
	AggregationErr error
}

// Pipeline accepts raw chunks for any number of symbols. Chunks of the same symbol are
// serialised; different symbols are processed independently.
type Pipeline struct {
	ledger *ledger.Ledger
	aggr   *aggregator
	log    *zap.SugaredLogger
	locks  sync.Map // symbol -> *sync.Mutex
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for chunk and aggregation events.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPipeline(l *ledger.Ledger, cfg AggregationConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger: l,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.aggr = newAggregator(l, cfg, p.log)
	return p
}

// ProcessDataChunk validates bars, stores them as one raw block and brings the hourly
// aggregates of symbol up to date. The returned error covers validation and storage only;
// an aggregation failure is reported through Report.AggregationErr and the chunk stays stored.
func (p *Pipeline) ProcessDataChunk(ctx context.Context, symbol string, bars []models.Bar) (Report, error) {
	rep := Report{ChunkID: uuid.NewString(), Symbol: symbol}
	start := time.Now()
	defer func() { metrics.RecordIngestDuration(time.Since(start)) }()

	if err := ValidateChunk(bars); err != nil {
		metrics.IncrementRejected("invalid")
		p.log.Errorw("Chunk rejected", "chunk_id", rep.ChunkID, "symbol", symbol, "error", err)
		return rep, err
	}

	mu := p.lock(symbol)
	mu.Lock()
	defer mu.Unlock()

	if err := p.ledger.InsertBlock(symbol, bars); err != nil {
		reason := "store"
		if errors.Is(err, ledger.ErrStaleBlock) {
			reason = "stale"
		} else if errors.Is(err, ledger.ErrInvalidBlock) {
			reason = "invalid"
		}
		metrics.IncrementRejected(reason)
		p.log.Errorw("Chunk not stored",
			"chunk_id", rep.ChunkID,
			"symbol", symbol,
			"first", bars[0].OpenTime,
			"bars", len(bars),
			"error", err,
		)
		return rep, err
	}
	rep.Stored = len(bars)
	metrics.IncrementProcessed(len(bars))

	res, err := p.aggr.run(ctx, symbol)
	rep.Rebuilt, rep.HoursWritten = res.Rebuilt, res.HoursWritten
	if err != nil {
		rep.AggregationErr = err
		metrics.IncrementErrors()
		p.log.Warnw("Aggregation failed, will catch up on next chunk",
			"chunk_id", rep.ChunkID,
			"symbol", symbol,
			"error", err,
		)
		return rep, nil
	}

	p.log.Debugw("Chunk stored",
		"chunk_id", rep.ChunkID,
		"symbol", symbol,
		"bars", rep.Stored,
		"hours", rep.HoursWritten,
		"rebuilt", rep.Rebuilt,
	)
	return rep, nil
}

// AggrInfo returns the first and last aggregated open_time of symbol.
func (p *Pipeline) AggrInfo(symbol string) (first, last int64, ok bool, err error) {
	return p.aggr.info(symbol)
}

func (p *Pipeline) lock(symbol string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ValidateChunk checks that bars are non-empty, minute aligned, strictly increasing and
// that every bar satisfies low <= open, close <= high with a finite non-negative volume.
func ValidateChunk(bars []models.Bar) error {
	if len(bars) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidChunk)
	}
	for i, b := range bars {
		if b.OpenTime%models.MinuteMillis != 0 {
			return fmt.Errorf("%w: bar %d open_time %d not minute aligned", ErrInvalidChunk, i, b.OpenTime)
		}
		if i > 0 && b.OpenTime <= bars[i-1].OpenTime {
			return fmt.Errorf("%w: bar %d open_time %d not after %d", ErrInvalidChunk, i, b.OpenTime, bars[i-1].OpenTime)
		}
		if b.Low < 0 {
			return fmt.Errorf("%w: bar %d negative low %d", ErrInvalidChunk, i, b.Low)
		}
		if err := b.CheckOHLC(); err != nil {
			return fmt.Errorf("%w: bar %d: %v", ErrInvalidChunk, i, err)
		}
		if math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) || b.Volume < 0 {
			return fmt.Errorf("%w: bar %d volume %v", ErrInvalidChunk, i, b.Volume)
		}
	}
	return nil
}
