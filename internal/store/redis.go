package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds how often Update re-runs after a watched key changed.
const maxTxAttempts = 5

// RedisKV implements KV on a Redis server.
type RedisKV struct {
	redisReader
	rdb *redis.Client
}

// RedisOptions configures NewRedisKV.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisKV connects to Redis and verifies the connection with a PING.
func NewRedisKV(ctx context.Context, opts RedisOptions) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &RedisKV{redisReader: redisReader{c: rdb}, rdb: rdb}, nil
}

// Update reads through a WATCH connection and commits the queued writes
// in one MULTI/EXEC block.
func (r *RedisKV) Update(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	for range maxTxAttempts {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			view := &redisTx{redisReader: redisReader{c: tx}}
			if err := fn(view); err != nil {
				return err
			}
			if len(view.ops) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range view.ops {
					op(ctx, pipe)
				}
				return nil
			})
			return err
		}, watch...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("updating %v: %w", watch, redis.TxFailedErr)
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN.
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

// redisCommands is the read command set shared by *redis.Client and the
// *redis.Tx of a WATCH block.
type redisCommands interface {
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type redisReader struct {
	c redisCommands
}

func (r redisReader) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.c.ZRange(ctx, key, start, stop).Result()
}

func (r redisReader) ZCard(ctx context.Context, key string) (int64, error) {
	return r.c.ZCard(ctx, key).Result()
}

func (r redisReader) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.c.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r redisReader) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r redisReader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// redisTx queues writes until the MULTI/EXEC block.
type redisTx struct {
	redisReader
	ops []func(ctx context.Context, pipe redis.Pipeliner)
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	})
}

func (t *redisTx) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZRem(ctx, key, args...)
	})
}

func (t *redisTx) ZRemRangeByRank(key string, start, stop int64) {
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZRemRangeByRank(ctx, key, start, stop)
	})
}

func (t *redisTx) HSet(key, field, value string) {
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, field, value)
	})
}

func (t *redisTx) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HDel(ctx, key, fields...)
	})
}

func (t *redisTx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}
