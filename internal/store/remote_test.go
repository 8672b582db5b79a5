package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tidings/internal/job"
)

func newRedisTestKV(t *testing.T) KV {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func newSQLiteTestKV(t *testing.T) KV {
	t.Helper()
	kv, err := NewSQLiteKV(memoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func forEachRemoteKV(t *testing.T, fn func(t *testing.T, kv KV)) {
	t.Helper()
	backends := map[string]func(t *testing.T) KV{
		"redis":  newRedisTestKV,
		"sqlite": newSQLiteTestKV,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func TestRemoteStore_ReadersNeverSeeOverCapList(t *testing.T) {
	t.Parallel()
	forEachRemoteKV(t, func(t *testing.T, kv KV) {
		s := NewRemoteStore(kv, "test")
		ctx := context.Background()
		lim := Limits{MaxMessagesPerJob: 3, MaxJobsPerType: 2}

		done := make(chan struct{})
		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					notes, err := s.ListByJob(ctx, "import", "j")
					assert.NoError(t, err)
					assert.LessOrEqual(t, len(notes), lim.MaxMessagesPerJob)
					ids, err := s.JobIDsByCreationOrder(ctx, "import")
					assert.NoError(t, err)
					assert.LessOrEqual(t, len(ids), lim.MaxJobsPerType)
				}
			}()
		}

		for i := range 60 {
			at := base.Add(time.Duration(i) * time.Millisecond)
			switch {
			case i%5 == 0:
				require.NoError(t, s.Append(ctx, lim, note("import", fmt.Sprintf("other-%d", i), job.LevelInfo, "x", at)))
			case i%2 == 0:
				require.NoError(t, s.ReplaceLoop(ctx, lim, note("import", "j", job.LevelLoop, fmt.Sprint(i), at)))
			default:
				require.NoError(t, s.Append(ctx, lim, note("import", "j", job.LevelInfo, fmt.Sprint(i), at)))
			}
		}
		close(done)
		wg.Wait()
	})
}

// watchingKV runs check after every write queued inside an update, while
// the update is still uncommitted.
type watchingKV struct {
	KV
	check func()
}

func (w *watchingKV) Update(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	return w.KV.Update(ctx, watch, func(tx Tx) error {
		return fn(&watchingTx{Tx: tx, check: w.check})
	})
}

type watchingTx struct {
	Tx
	check func()
}

func (w *watchingTx) ZAdd(key string, score float64, member string) {
	w.Tx.ZAdd(key, score, member)
	w.check()
}

func (w *watchingTx) ZRem(key string, members ...string) {
	w.Tx.ZRem(key, members...)
	w.check()
}

func (w *watchingTx) ZRemRangeByRank(key string, start, stop int64) {
	w.Tx.ZRemRangeByRank(key, start, stop)
	w.check()
}

func TestRemoteStore_WritesBecomeVisibleTogether(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lim := Limits{MaxMessagesPerJob: 2}

	kv := &watchingKV{KV: newRedisTestKV(t)}
	s := NewRemoteStore(kv, "test")

	kv.check = func() {}
	require.NoError(t, s.Append(ctx, lim, note("export", "42", job.LevelInfo, "a", base)))
	require.NoError(t, s.ReplaceLoop(ctx, lim, note("export", "42", job.LevelLoop, "tick1", base.Add(time.Second))))

	var longest int
	loopMissing := false
	kv.check = func() {
		notes, err := s.ListByJob(ctx, "export", "42")
		require.NoError(t, err)
		longest = max(longest, len(notes))
		hasLoop := false
		for _, n := range notes {
			hasLoop = hasLoop || n.IsLoop()
		}
		loopMissing = loopMissing || !hasLoop
	}

	require.NoError(t, s.Append(ctx, lim, note("export", "42", job.LevelInfo, "b", base.Add(2*time.Second))))
	require.NoError(t, s.ReplaceLoop(ctx, lim, note("export", "42", job.LevelLoop, "tick2", base.Add(3*time.Second))))

	assert.LessOrEqual(t, longest, lim.MaxMessagesPerJob)
	assert.False(t, loopMissing, "a reader saw the job without its LOOP entry")

	notes, err := s.ListByJob(ctx, "export", "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"tick2", "b"}, messages(notes))
}

// failingKV lets every update run but refuses to commit it.
type failingKV struct {
	KV
	err error
}

func (f *failingKV) Update(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	return f.KV.Update(ctx, watch, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return f.err
	})
}

func TestRemoteStore_FailedReplaceKeepsPreviousLoop(t *testing.T) {
	t.Parallel()
	forEachRemoteKV(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		lim := Limits{MaxMessagesPerJob: 5}
		s := NewRemoteStore(kv, "test")
		require.NoError(t, s.Append(ctx, lim, note("export", "42", job.LevelInfo, "started", base)))
		require.NoError(t, s.ReplaceLoop(ctx, lim, note("export", "42", job.LevelLoop, "tick1", base.Add(time.Second))))

		unavailable := errors.New("backend unavailable")
		broken := NewRemoteStore(&failingKV{KV: kv, err: unavailable}, "test")
		err := broken.ReplaceLoop(ctx, lim, note("export", "42", job.LevelLoop, "tick2", base.Add(2*time.Second)))
		require.ErrorIs(t, err, unavailable)

		notes, err := s.ListByJob(ctx, "export", "42")
		require.NoError(t, err)
		assert.Equal(t, []string{"tick1", "started"}, messages(notes))
	})
}

func TestRemoteStore_FailedInsertDoesNotEvictJobs(t *testing.T) {
	t.Parallel()
	forEachRemoteKV(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		lim := Limits{MaxJobsPerType: 1}
		s := NewRemoteStore(kv, "test")
		require.NoError(t, s.Append(ctx, lim, note("export", "old", job.LevelInfo, "x", base)))

		unavailable := errors.New("backend unavailable")
		broken := NewRemoteStore(&failingKV{KV: kv, err: unavailable}, "test")
		require.ErrorIs(t, broken.Append(ctx, lim, note("export", "new", job.LevelInfo, "y", base.Add(time.Second))), unavailable)

		ids, err := s.JobIDsByCreationOrder(ctx, "export")
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)
	})
}

func TestCheckKeyPrefix(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"tidings", "tidings-staging", "app_1.jobs"} {
		assert.NoError(t, CheckKeyPrefix(ok), ok)
	}
	for _, bad := range []string{"", "tidings:staging", "tid*", "a?b", "[ab]", `a\b`} {
		assert.Error(t, CheckKeyPrefix(bad), bad)
	}
}
