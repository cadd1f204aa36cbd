package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained indicates another worker holds the product lock.
var ErrLockNotObtained = errors.New("shared: product lock not obtained")

// ProductLockKey builds redis keys for per-product critical sections.
func ProductLockKey(productID int64) string {
	return fmt.Sprintf("stock:product:%d:lock", productID)
}

// ProductLocker serializes allocate+commit sequences per product across
// processes. It is an optional guard on top of commit-time re-validation;
// holding the lock keeps contended products off the retry path.
type ProductLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewProductLocker constructs ProductLocker. Retries are sized to finish
// within the lock TTL: redislock bounds Obtain by the TTL deadline, so
// retrying past it would surface contention as a deadline error instead of
// ErrLockNotObtained.
func NewProductLocker(client *redis.Client, ttl time.Duration) *ProductLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	const backoff = 50 * time.Millisecond
	retries := int(ttl / (2 * backoff))
	if retries < 1 {
		retries = 1
	}
	return &ProductLocker{
		locker: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(backoff), retries),
	}
}

// WithProductLock runs fn while holding the product's lock.
func (l *ProductLocker) WithProductLock(ctx context.Context, productID int64, fn func(context.Context) error) error {
	lock, err := l.locker.Obtain(ctx, ProductLockKey(productID), l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return ErrLockNotObtained
	}
	if err != nil {
		return fmt.Errorf("shared: obtain product lock: %w", err)
	}
	defer func() {
		_ = lock.Release(ctx)
	}()
	return fn(ctx)
}
