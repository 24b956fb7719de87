package queue

import (
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// IdempotencyKeeper de-duplicates deliveries and crash-retries keyed by
// (repo, pr, head commit). The gateway acquires the key before enqueueing;
// the worker releases it when the review reaches a terminal status. While a
// key is held, repeat deliveries are acknowledged without enqueue.
type IdempotencyKeeper struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewIdempotencyKeeper creates a keeper with the given key lifetime. The TTL
// bounds how long a wedged review can suppress re-delivery.
func NewIdempotencyKeeper(pool *redis.Pool, ttl time.Duration) *IdempotencyKeeper {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &IdempotencyKeeper{pool: pool, ttl: ttl}
}

func idempotencyKey(repoID int64, prNumber int, headSHA string) string {
	return fmt.Sprintf("review:%d:%d:%s", repoID, prNumber, headSHA)
}

// Acquire performs a set-if-absent. It returns true when the caller now
// holds the key and should enqueue; false when the delivery is a duplicate.
func (k *IdempotencyKeeper) Acquire(repoID int64, prNumber int, headSHA string) (bool, error) {
	conn := k.pool.Get()
	defer conn.Close()

	reply, err := conn.Do("SET", idempotencyKey(repoID, prNumber, headSHA), time.Now().UTC().Format(time.RFC3339),
		"NX", "EX", int(k.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("idempotency store unavailable: %w", err)
	}
	return reply != nil, nil
}

// Release deletes the key after the review reaches terminal status, so a
// later identical head (e.g. a force-push back) can be processed again.
func (k *IdempotencyKeeper) Release(repoID int64, prNumber int, headSHA string) error {
	conn := k.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("DEL", idempotencyKey(repoID, prNumber, headSHA)); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
