package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// keyPrefix namespaces our keys so Flush never touches anything else
// living in the same Redis database.
const keyPrefix = "orcid-claims:"

// Redis backs the cache with a shared Redis instance so several
// workers see the same cached profiles.
type Redis struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedis connects a pooled Redis cache at addr with the given
// default TTL.
func NewRedis(addr string, defaultTTL time.Duration) *Redis {
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     5,
			MaxActive:   20,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
		ttl: defaultTTL,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", keyPrefix+key))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = r.ttl
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", keyPrefix+key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", keyPrefix+key, value)
	}
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", keyPrefix+key); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Flush scans for our prefix and deletes in batches.
func (r *Redis) Flush(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	cursor := 0
	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", keyPrefix+"*", "COUNT", 100))
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		cursor, err = redis.Int(reply[0], nil)
		if err != nil {
			return fmt.Errorf("redis scan cursor: %w", err)
		}
		keys, err := redis.Strings(reply[1], nil)
		if err != nil {
			return fmt.Errorf("redis scan keys: %w", err)
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			if _, err := conn.Do("DEL", args...); err != nil {
				return fmt.Errorf("redis del batch: %w", err)
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
