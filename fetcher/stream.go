package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ohlcv_ledger/models"
	"ohlcv_ledger/utils"
)

const (
	HandshakeTimeout = 5 * time.Second
	ReadTimeout      = 3 * time.Minute
)

// klineEvent is the payload of a <symbol>@kline_1m stream.
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// Stream listens to closed one-minute klines over a websocket. A closed kline that
// directly follows the stored tail is ingested as a one-bar chunk; anything else
// falls back to a REST Sync through the Poller so gaps are filled in order.
type Stream struct {
	url    string
	poller *Poller
	log    *zap.SugaredLogger
	dialer websocket.Dialer
}

func NewStream(baseURL string, poller *Poller, log *zap.SugaredLogger) *Stream {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Stream{
		url:    strings.TrimRight(baseURL, "/"),
		poller: poller,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: HandshakeTimeout},
	}
}

// Run backfills symbol, then consumes its kline stream until ctx is done, reconnecting with backoff.
func (s *Stream) Run(ctx context.Context, symbol string) error {
	if _, err := s.poller.Sync(ctx, symbol); err != nil {
		s.log.Errorw("Initial sync failed", "symbol", symbol, "error", err)
	}
	operation := func() error {
		err := s.listen(ctx, symbol)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	policy := backoff.WithContext(utils.NewExponentialBackoff(0), ctx)
	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		s.log.Warnw("Kline stream dropped, reconnecting", "symbol", symbol, "error", err, "retry_in", wait)
	})
}

func (s *Stream) listen(ctx context.Context, symbol string) error {
	u := fmt.Sprintf("%s/%s@kline_1m", s.url, strings.ToLower(symbol))
	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	s.log.Infow("Kline stream connected", "symbol", symbol, "url", u)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		bar, ok, err := parseKlineEvent(message)
		if err != nil {
			s.log.Warnw("Bad kline event", "symbol", symbol, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.handle(ctx, symbol, bar); err != nil {
			s.log.Errorw("Closed kline not ingested", "symbol", symbol, "open_time", bar.OpenTime, "error", err)
		}
	}
}

func (s *Stream) handle(ctx context.Context, symbol string, bar models.Bar) error {
	last, ok, err := s.poller.cursor.LastTimestamp(symbol)
	if err != nil {
		return err
	}
	if ok && bar.OpenTime <= last {
		return nil
	}
	if !ok || bar.OpenTime != last+models.MinuteMillis {
		_, err := s.poller.Sync(ctx, symbol)
		return err
	}
	rep, err := s.poller.sink.ProcessDataChunk(ctx, symbol, []models.Bar{bar})
	if err != nil {
		return err
	}
	if rep.AggregationErr != nil {
		s.log.Warnw("Aggregation behind", "symbol", symbol, "error", rep.AggregationErr)
	}
	return nil
}

// parseKlineEvent returns the bar of a closed kline; ok is false for updates of an open kline.
func parseKlineEvent(message []byte) (models.Bar, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return models.Bar{}, false, err
	}
	if ev.EventType != "kline" || !ev.Kline.Closed {
		return models.Bar{}, false, nil
	}
	k := ev.Kline
	bar, err := klineBar(json.Number(fmt.Sprint(k.OpenTime)), k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return models.Bar{}, false, err
	}
	return bar, true, nil
}
