// Package queue implements the durable multi-lane scheduler and the
// idempotency keeper on Redis: three review lanes plus a reply lane, a
// dead-letter sink, per-(repo, pr) serialization, and retry with jittered
// exponential backoff.
package queue

import (
	"time"

	"github.com/gomodule/redigo/redis"
)

// NewPool creates a Redis connection pool from a redis:// URL.
func NewPool(redisURL string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		TestOnBorrow: func(c redis.Conn, _ time.Time) error {
			_, err := c.Do("PING")
			return err
		},
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
	}
}
