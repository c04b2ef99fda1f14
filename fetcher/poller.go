package fetcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ohlcv_ledger/ingest"
	"ohlcv_ledger/models"
)

// KlineSource is the exchange side of a Poller.
type KlineSource interface {
	FetchKlines(ctx context.Context, symbol string, start, end int64, limit int) ([]models.Bar, error)
}

// Sink receives validated chunks; *ingest.Pipeline is the production Sink.
type Sink interface {
	ProcessDataChunk(ctx context.Context, symbol string, bars []models.Bar) (ingest.Report, error)
}

// Cursor reports how far a symbol has been stored.
type Cursor interface {
	LastTimestamp(symbol string) (int64, bool, error)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	Interval        time.Duration
	Limit           int
	InitialLoadDays int
}

// Poller keeps one symbol's raw ledger in sync with the exchange.
type Poller struct {
	src    KlineSource
	sink   Sink
	cursor Cursor
	cfg    PollerConfig
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewPoller(src KlineSource, sink Sink, cursor Cursor, cfg PollerConfig, log *zap.SugaredLogger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	if cfg.InitialLoadDays <= 0 {
		cfg.InitialLoadDays = 15
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Poller{src: src, sink: sink, cursor: cursor, cfg: cfg, log: log, now: time.Now}
}

// Run syncs symbol immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context, symbol string) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Sync(ctx, symbol); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Errorw("Sync failed", "symbol", symbol, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sync fetches every closed minute after the last stored one and submits it in
// chunks of at most Limit bars. It returns the number of bars stored.
func (p *Poller) Sync(ctx context.Context, symbol string) (int, error) {
	last, ok, err := p.cursor.LastTimestamp(symbol)
	if err != nil {
		return 0, err
	}
	now := p.now().UnixMilli()
	// open_time of the newest minute that has already closed
	closed := now - now%models.MinuteMillis - models.MinuteMillis
	from := now - now%models.MinuteMillis - int64(p.cfg.InitialLoadDays)*24*models.HourMillis
	if ok {
		from = last + models.MinuteMillis
	}

	stored := 0
	for from <= closed {
		bars, err := p.src.FetchKlines(ctx, symbol, from, closed, p.cfg.Limit)
		if err != nil {
			return stored, err
		}
		bars = trimChunk(bars, from, closed)
		if len(bars) == 0 {
			break
		}
		rep, err := p.sink.ProcessDataChunk(ctx, symbol, bars)
		if err != nil {
			return stored, err
		}
		stored += rep.Stored
		if rep.AggregationErr != nil && errors.Is(rep.AggregationErr, context.Canceled) {
			return stored, ctx.Err()
		}
		p.log.Infow("Chunk ingested",
			"symbol", symbol,
			"chunk_id", rep.ChunkID,
			"bars", rep.Stored,
			"from", bars[0].OpenTime,
			"to", bars[len(bars)-1].OpenTime,
			"hours", rep.HoursWritten,
		)
		from = bars[len(bars)-1].OpenTime + models.MinuteMillis
	}
	return stored, nil
}

// trimChunk drops bars outside [from, closed] and any bar not strictly after its predecessor.
func trimChunk(bars []models.Bar, from, closed int64) []models.Bar {
	out := bars[:0]
	for _, b := range bars {
		if b.OpenTime < from || b.OpenTime > closed {
			continue
		}
		if n := len(out); n > 0 && b.OpenTime <= out[n-1].OpenTime {
			continue
		}
		out = append(out, b)
	}
	return out
}
