// Package cache keeps recently viewed bar windows for the read API.
// It is a read-through view over the ledger: entries are dropped as soon as the
// ledger revision they were built from moves, and nothing on the write path reads them.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"ohlcv_ledger/models"
)

// Source is the ledger surface the cache reads through.
type Source interface {
	Bars(ctx context.Context, symbol string, ns models.Namespace, from, to int64) ([]models.Bar, error)
	Revision(symbol string, ns models.Namespace) (string, error)
}

type window struct {
	bars     []models.Bar
	revision string
}

// WindowCache is a bounded LRU of bar windows keyed by (symbol, namespace, from, to).
type WindowCache struct {
	src     Source
	windows *lru.Cache[string, window]

	hits, misses atomic.Uint64
}

func NewWindowCache(src Source, maxWindows int) *WindowCache {
	if maxWindows <= 0 {
		maxWindows = 64
	}
	// only fails for a non-positive size
	windows, _ := lru.New[string, window](maxWindows)
	return &WindowCache{src: src, windows: windows}
}

func windowKey(symbol string, ns models.Namespace, from, to int64) string {
	return fmt.Sprintf("%s\x00%c\x00%020d\x00%020d", symbol, byte(ns), from, to)
}

// Window returns the bars of ns with from <= open_time < to.
// The returned slice is shared with the cache and must not be modified.
func (c *WindowCache) Window(ctx context.Context, symbol string, ns models.Namespace, from, to int64) ([]models.Bar, error) {
	rev, err := c.src.Revision(symbol, ns)
	if err != nil {
		return nil, err
	}
	key := windowKey(symbol, ns, from, to)

	if w, ok := c.windows.Get(key); ok && w.revision == rev {
		c.hits.Add(1)
		return w.bars, nil
	}
	c.misses.Add(1)

	bars, err := c.src.Bars(ctx, symbol, ns, from, to)
	if err != nil {
		return nil, err
	}
	c.windows.Add(key, window{bars: bars, revision: rev})
	return bars, nil
}

// Invalidate drops every cached window of symbol.
func (c *WindowCache) Invalidate(symbol string) {
	prefix := symbol + "\x00"
	for _, k := range c.windows.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.windows.Remove(k)
		}
	}
}

// Len returns the number of cached windows.
func (c *WindowCache) Len() int {
	return c.windows.Len()
}

// Stats returns cache hits and misses since creation.
func (c *WindowCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
