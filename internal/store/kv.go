package store

import "context"

// KVReader is the read side of a Redis-like key/value service. Range
// indexes follow Redis rules: inclusive, and negative values count from
// the end.
type KVReader interface {
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Tx is the view handed to an Update function. Reads see committed state
// only, never the writes queued earlier in the same function. Writes are
// queued and applied together, in order, when the function returns nil.
type Tx interface {
	KVReader

	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	ZRemRangeByRank(key string, start, stop int64)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Del(keys ...string)
}

// KV is the subset of a Redis-like key/value service the remote store
// needs: sorted sets, hashes, a counter, prefix enumeration and atomic
// multi-key updates.
type KV interface {
	KVReader

	// Update runs fn and applies its queued writes atomically: concurrent
	// readers see either none or all of them. When fn returns an error
	// nothing is written. fn may run more than once if one of the watch
	// keys changes before the writes commit.
	Update(ctx context.Context, watch []string, fn func(tx Tx) error) error

	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// rangeBounds converts Redis-style inclusive start/stop indexes into an
// offset and count for a collection of size n. ok is false for an empty range.
func rangeBounds(n, start, stop int64) (offset, count int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop - start + 1, true
}
