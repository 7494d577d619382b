// Package gasprice caches the network's suggested priority fee for a short
// window so every dispatch decision does not round-trip to the RPC node.
package gasprice

import (
	"context"
	"math/big"
	"sync"
	"time"
)

const ttl = 60 * time.Second

// Fetcher retrieves the current priority fee from the chain.
type Fetcher interface {
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
}

// Cache holds the last-fetched priority fee and the time it was fetched.
// Cache's own mutex serializes the check and refresh in Get; callers do not
// hold the state mutex when they call it.
type Cache struct {
	mu            sync.Mutex
	fetch         Fetcher
	lastPrice     *big.Int
	lastCheckedAt time.Time
	now           func() time.Time
}

// New builds a Cache backed by fetch. now defaults to time.Now; tests in this
// package replace the now field after construction.
func New(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch, now: time.Now}
}

// Get returns the cached priority fee if it was refreshed within the last
// 60 seconds, otherwise fetches a fresh value and updates the cache.
func (c *Cache) Get(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.lastPrice != nil && now.Sub(c.lastCheckedAt) < ttl {
		return c.lastPrice, nil
	}

	price, err := c.fetch.SuggestPriorityFee(ctx)
	if err != nil {
		return nil, err
	}
	c.lastPrice = price
	c.lastCheckedAt = now
	return price, nil
}
