package costing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchLoadsOnceThenServesCached(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (StockSummary, error) {
		loads++
		return StockSummary{ProductID: 5, Balance: dec(t, "12.5"), AverageCost: dec(t, "3.20")}, nil
	}

	first, err := cache.Fetch(ctx, 5, loader)
	require.NoError(t, err)
	require.True(t, first.Balance.Equal(dec(t, "12.5")))
	require.Equal(t, 1, loads)

	second, err := cache.Fetch(ctx, 5, loader)
	require.NoError(t, err)
	require.True(t, second.Balance.Equal(dec(t, "12.5")))
	require.True(t, second.AverageCost.Equal(dec(t, "3.20")))
	require.Equal(t, 1, loads, "second fetch must hit the cache")
}

func TestCacheFetchDoesNotCacheErrors(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	wantErr := errors.New("load failed")
	_, err := cache.Fetch(ctx, 9, func(ctx context.Context) (StockSummary, error) {
		return StockSummary{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	summary, err := cache.Fetch(ctx, 9, func(ctx context.Context) (StockSummary, error) {
		return StockSummary{ProductID: 9, Balance: dec(t, "1")}, nil
	})
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "1")))
}

func TestCacheInvalidateDropsEntry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Fetch(ctx, 3, func(ctx context.Context) (StockSummary, error) {
		return StockSummary{ProductID: 3, Balance: dec(t, "4")}, nil
	})
	require.NoError(t, err)
	require.True(t, mr.Exists(summaryKey(3)))

	require.NoError(t, cache.Invalidate(ctx, 3))
	require.False(t, mr.Exists(summaryKey(3)))

	loads := 0
	_, err = cache.Fetch(ctx, 3, func(ctx context.Context) (StockSummary, error) {
		loads++
		return StockSummary{ProductID: 3, Balance: dec(t, "7")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, loads)
}
