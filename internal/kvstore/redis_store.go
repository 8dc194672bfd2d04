package kvstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSettings configures the Redis connection pool.
type RedisSettings struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisStore implements Store on Redis hashes. Update uses WATCH on every key
// read, then MULTI/EXEC for the buffered writes; EXEC aborts with
// redis.TxFailedErr when a watched key changed and the transaction is re-run.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
}

// NewRedisClient opens a pooled Redis client and checks connectivity.
func NewRedisClient(ctx context.Context, cfg RedisSettings) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, maxRetries: DefaultMaxRetries}
}

func (s *RedisStore) GetHash(ctx context.Context, key string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return values, nil
}

func (s *RedisStore) SetHash(ctx context.Context, key string, fields map[string]string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueSet(ctx, pipe, key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	return runOptimistic(ctx, "redis", s.maxRetries, func() (bool, error) {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTxn{ctx: ctx, rtx: rtx, ws: newWriteSet()}
			if err := fn(tx); err != nil {
				return err
			}
			if tx.ws.empty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, o := range tx.ws.ops {
					switch o.kind {
					case opSet:
						queueSet(ctx, pipe, o.key, o.fields)
					case opDelete:
						pipe.Del(ctx, o.key)
					case opExpire:
						pipe.Expire(ctx, o.key, o.ttl)
					}
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			return true, nil
		}
		return false, err
	})
}

// queueSet replaces the hash at key. An empty record deletes the key.
func queueSet(ctx context.Context, pipe redis.Pipeliner, key string, fields map[string]string) {
	pipe.Del(ctx, key)
	if len(fields) == 0 {
		return
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	pipe.HSet(ctx, key, values)
}

type redisTxn struct {
	ctx context.Context
	rtx *redis.Tx
	ws  *writeSet
}

func (t *redisTxn) GetHash(key string) (map[string]string, error) {
	if v, ok := t.ws.lookup(key); ok {
		return v, nil
	}
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("redis watch %s: %w", key, err)
	}
	values, err := t.rtx.HGetAll(t.ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return values, nil
}

func (t *redisTxn) SetHash(key string, fields map[string]string) { t.ws.set(key, fields) }
func (t *redisTxn) Delete(key string)                           { t.ws.del(key) }
func (t *redisTxn) Expire(key string, ttl time.Duration)        { t.ws.expire(key, ttl) }
