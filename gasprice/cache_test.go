package gasprice

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls int
	price *big.Int
}

func (f *countingFetcher) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	f.calls++
	return f.price, nil
}

func TestCacheReturnsCachedWithinTTL(t *testing.T) {
	fetcher := &countingFetcher{price: big.NewInt(5)}
	c := New(fetcher)
	fixed := time.Unix(1000, 0)
	c.now = func() time.Time { return fixed }

	p1, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), p1)

	fetcher.price = big.NewInt(99)
	c.now = func() time.Time { return fixed.Add(30 * time.Second) }
	p2, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), p2)
	require.Equal(t, 1, fetcher.calls)
}

func TestCacheRefetchesAfterTTL(t *testing.T) {
	fetcher := &countingFetcher{price: big.NewInt(5)}
	c := New(fetcher)
	fixed := time.Unix(1000, 0)
	c.now = func() time.Time { return fixed }
	_, err := c.Get(context.Background())
	require.NoError(t, err)

	fetcher.price = big.NewInt(42)
	c.now = func() time.Time { return fixed.Add(61 * time.Second) }
	p2, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), p2)
	require.Equal(t, 2, fetcher.calls)
}
