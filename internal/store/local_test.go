package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tidings/internal/job"
)

func TestLocalStore_ReadersNeverSeeOverCapList(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	ctx := context.Background()
	lim := Limits{MaxMessagesPerJob: 5, MaxJobsPerType: 2}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
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

	for i := range 500 {
		id := "j"
		if i%7 == 0 {
			id = fmt.Sprintf("other-%d", i)
		}
		require.NoError(t, s.Append(ctx, lim, note("import", id, job.LevelInfo, fmt.Sprint(i), base.Add(time.Duration(i)*time.Millisecond))))
	}
	close(done)
	wg.Wait()
}

func TestLocalStore_ListByJob_ReturnsCopy(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Limits{}, note("import", "a", job.LevelInfo, "original", base)))
	got, err := s.ListByJob(ctx, "import", "a")
	require.NoError(t, err)
	got[0].Message = "changed"

	again, err := s.ListByJob(ctx, "import", "a")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Message)
}

func TestLocalStore_RemoveJob_DropsEmptyType(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Limits{}, note("import", "a", job.LevelInfo, "x", base)))
	require.NoError(t, s.RemoveJob(ctx, "import", "a"))

	types, err := s.Types(ctx)
	require.NoError(t, err)
	assert.Empty(t, types)
}
