package medctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces context keys; defaults to "medchat:context:".
	KeyPrefix string
	// TTL is applied to every saved key so abandoned contexts expire even
	// without a sweep. Zero disables key expiry.
	TTL time.Duration
}

// RedisStorage stores contexts as JSON values in Redis, allowing several
// server instances to share conversation state.
type RedisStorage struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration

	// idleChecked runs between the idle check and the DEL; tests use it to
	// interleave a concurrent write.
	idleChecked func(key string)
}

// NewRedisStorage connects to Redis and validates the connection.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStorageFromClient(rdb, cfg), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(rdb redis.UniversalClient, cfg RedisConfig) *RedisStorage {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "medchat:context:"
	}
	return &RedisStorage{rdb: rdb, prefix: prefix, ttl: cfg.TTL}
}

func (r *RedisStorage) key(id string) string { return r.prefix + id }

func (r *RedisStorage) Load(ctx context.Context, id string) (*Context, error) {
	data, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", id, err)
	}
	return &c, nil
}

func (r *RedisStorage) Save(ctx context.Context, c *Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", c.ConversationID, err)
	}
	if err := r.rdb.Set(ctx, r.key(c.ConversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStorage) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		deleted, err := r.deleteIfIdle(ctx, iter.Val(), cutoff)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

// deleteIfIdle removes key only if it is still idle when the DEL executes; a
// Save racing with the sweep aborts the transaction and keeps the record.
func (r *RedisStorage) deleteIfIdle(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	deleted := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired or deleted since the scan
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		var c Context
		if err := json.Unmarshal(data, &c); err == nil && !c.LastUpdated.Before(cutoff) {
			return nil
		}
		if r.idleChecked != nil {
			r.idleChecked(key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return deleted, nil
}

// Close releases the underlying client.
func (r *RedisStorage) Close() error { return r.rdb.Close() }
