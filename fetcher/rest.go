// Package fetcher pulls closed one-minute klines from Binance and hands them to the ingest pipeline.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"ohlcv_ledger/middleware"
	"ohlcv_ledger/models"
	"ohlcv_ledger/price"
	"ohlcv_ledger/utils"
)

const klinesPath = "/api/v3/klines"

// RESTClient fetches minute klines over the Binance REST API.
type RESTClient struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
}

// RESTOption customises a RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTClient) {
		if c != nil {
			r.http = c
		}
	}
}

// WithMaxElapsed bounds the time spent retrying one request.
func WithMaxElapsed(d time.Duration) RESTOption {
	return func(r *RESTClient) {
		r.maxElapsed = d
	}
}

func NewRESTClient(baseURL string, timeout time.Duration, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		breaker:    middleware.NewBreaker("binance-rest", time.Minute),
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// statusError is a non-2xx reply. 4xx other than 429 is not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("binance: status %d: %s", e.code, e.body)
}

// FetchKlines returns up to limit closed-or-open minute klines with start <= open_time <= end.
func (c *RESTClient) FetchKlines(ctx context.Context, symbol string, start, end int64, limit int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", "1m")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end, 10))
	u := c.baseURL + klinesPath + "?" + q.Encode()

	var bars []models.Bar
	operation := func() error {
		out, err := middleware.WithCircuitBreaker(c.breaker, func() ([]models.Bar, error) {
			return c.get(ctx, u)
		})
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		bars = out
		return nil
	}
	policy := backoff.WithContext(utils.NewExponentialBackoff(c.maxElapsed), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		utils.Logger.Warnw("Kline request failed, retrying",
			"symbol", symbol,
			"error", err,
			"retry_in", wait,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s klines [%d, %d]: %w", symbol, start, end, err)
	}
	return bars, nil
}

func (c *RESTClient) get(ctx context.Context, u string) ([]models.Bar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return parseKlines(body)
}

// parseKlines decodes the Binance kline array:
// [openTime, open, high, low, close, volume, closeTime, ...]
func parseKlines(body []byte) ([]models.Bar, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows [][]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode klines: %w", err))
	}
	bars := make([]models.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, backoff.Permanent(fmt.Errorf("kline %d has %d fields", i, len(row)))
		}
		bar, err := klineBar(row[0], row[1], row[2], row[3], row[4], row[5])
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("kline %d: %w", i, err))
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func klineBar(openTime, open, high, low, closeP, volume interface{}) (models.Bar, error) {
	var (
		b   models.Bar
		err error
	)
	if b.OpenTime, err = toInt64(openTime); err != nil {
		return b, err
	}
	for _, f := range []struct {
		dst *int64
		src interface{}
	}{{&b.Open, open}, {&b.High, high}, {&b.Low, low}, {&b.Close, closeP}} {
		s, ok := f.src.(string)
		if !ok {
			return b, fmt.Errorf("price %v is not a string", f.src)
		}
		if *f.dst, err = price.Parse(s); err != nil {
			return b, err
		}
	}
	vs, ok := volume.(string)
	if !ok {
		return b, fmt.Errorf("volume %v is not a string", volume)
	}
	if b.Volume, err = strconv.ParseFloat(vs, 64); err != nil {
		return b, fmt.Errorf("volume %q: %w", vs, err)
	}
	return b, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("timestamp %v has type %T", v, v)
	}
}
