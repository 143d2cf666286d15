package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTxAttempts = 5

// RedisOptions configure the Redis-backed store.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TxAttempts   int
}

// Redis implements Store on top of a Redis server. Transactions use
// WATCH/MULTI/EXEC and retry optimistic conflicts a bounded number of times.
type Redis struct {
	client   redis.UniversalClient
	attempts int
}

// NewRedis dials Redis and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisFromClient(client, opts.TxAttempts), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, attempts int) *Redis {
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	return &Redis{client: client, attempts: attempts}
}

// Get returns the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value at key with ttl. A non-positive ttl keeps the key forever.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Transaction watches keys, lets fn decide the writes, and commits them in a
// MULTI block. A concurrent change to any watched key aborts EXEC and the
// whole read-modify-write is retried.
func (r *Redis) Transaction(ctx context.Context, keys []string, fn TxFunc) error {
	txf := func(tx *redis.Tx) error {
		values, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		entries := make(map[string]Entry, len(keys))
		for i, key := range keys {
			if i >= len(values) || values[i] == nil {
				entries[key] = Entry{}
				continue
			}
			entries[key] = Entry{Value: fmt.Sprint(values[i]), Found: true}
		}

		buf := &opBuffer{}
		if err := fn(entries, buf); err != nil {
			return err
		}
		if len(buf.ops) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, o := range buf.ops {
				if o.delete {
					pipe.Del(ctx, o.key)
					continue
				}
				ttl := o.ttl
				if ttl < 0 {
					ttl = 0
				}
				pipe.Set(ctx, o.key, o.value, ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.attempts; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
