package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) *SQLiteKV {
	t.Helper()
	s, err := NewSQLiteKV(memoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// write applies fn's queued writes in one update.
func write(t *testing.T, s KV, fn func(tx Tx)) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), nil, func(tx Tx) error {
		fn(tx)
		return nil
	}))
}

func TestSQLiteKV_Migration_CreatesTablesAndVersion(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSQLiteKV_CreatesFileWithRestrictivePermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "tidings.db")
	s, err := NewSQLiteKV(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSQLiteKV_ReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tidings.db")

	s, err := NewSQLiteKV(path)
	require.NoError(t, err)
	write(t, s, func(tx Tx) { tx.ZAdd("z", 1, "a") })
	require.NoError(t, s.Close())

	s, err = NewSQLiteKV(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	members, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestSQLiteKV_ZRange_FollowsRedisIndexing(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		tx.ZAdd("z", 3, "c")
		tx.ZAdd("z", 1, "a")
		tx.ZAdd("z", 2, "b")
	})

	all, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	last, err := s.ZRange(ctx, "z", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, last)

	middle, err := s.ZRange(ctx, "z", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, middle)

	none, err := s.ZRange(ctx, "missing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteKV_ZAdd_UpdatesScore(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		tx.ZAdd("z", 1, "a")
		tx.ZAdd("z", 2, "b")
	})
	write(t, s, func(tx Tx) { tx.ZAdd("z", 3, "a") })

	all, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, all)
}

func TestSQLiteKV_ZScore(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) { tx.ZAdd("z", 5, "a") })

	score, ok, err := s.ZScore(ctx, "z", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(5), score)

	_, ok, err = s.ZScore(ctx, "z", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteKV_Update_ReadsSeeCommittedStateOnly(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) { tx.ZAdd("z", 1, "a") })

	err := s.Update(ctx, nil, func(tx Tx) error {
		tx.ZAdd("z", 2, "b")
		n, err := tx.ZCard(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "queued writes are not visible before commit")
		return nil
	})
	require.NoError(t, err)

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteKV_Update_ErrorWritesNothing(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, nil, func(tx Tx) error {
		tx.ZAdd("z", 1, "a")
		tx.HSet("h", "f", "v")
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteKV_ZRemRangeByRank_TrimsOldest(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		for i, m := range []string{"a", "b", "c", "d"} {
			tx.ZAdd("z", float64(i), m)
		}
	})
	write(t, s, func(tx Tx) { tx.ZRemRangeByRank("z", 0, 1) })

	rest, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, rest)

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteKV_ZRem(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		tx.ZAdd("z", 1, "a")
		tx.ZAdd("z", 2, "b")
	})
	write(t, s, func(tx Tx) { tx.ZRem("z", "a", "missing") })

	rest, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rest)
}

func TestSQLiteKV_Hash(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		tx.HSet("h", "f1", "v1")
		tx.HSet("h", "f2", "v2")
		tx.HSet("h", "f1", "v1b")
	})

	v, ok, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1b", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1b", "f2": "v2"}, all)

	write(t, s, func(tx Tx) { tx.HDel("h", "f1") })
	_, ok, err = s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteKV_Incr_StartsAtOne(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "seq")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSQLiteKV_KeysAndDel_SpanAllTables(t *testing.T) {
	t.Parallel()
	s := newTestKV(t)
	ctx := context.Background()

	write(t, s, func(tx Tx) {
		tx.ZAdd("p:z", 1, "a")
		tx.HSet("p:h", "f", "v")
		tx.ZAdd("other", 1, "a")
	})
	_, err := s.Incr(ctx, "p:c")
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "p:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"p:c", "p:h", "p:z"}, keys)

	require.NoError(t, s.Del(ctx, keys...))
	keys, err = s.Keys(ctx, "p:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	other, err := s.ZCard(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestRangeBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                string
		n, start, stop      int64
		wantOffset, wantCnt int64
		wantOK              bool
	}{
		{"all", 5, 0, -1, 0, 5, true},
		{"last", 5, -1, -1, 4, 1, true},
		{"clamped stop", 3, 1, 10, 1, 2, true},
		{"negative start clamps to zero", 3, -10, 0, 0, 1, true},
		{"empty collection", 0, 0, -1, 0, 0, false},
		{"inverted", 5, 3, 1, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			offset, count, ok := rangeBounds(tt.n, tt.start, tt.stop)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantOffset, offset)
				assert.Equal(t, tt.wantCnt, count)
			}
		})
	}
}
