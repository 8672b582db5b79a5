package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel_AcceptsKnownLevelsCaseInsensitive(t *testing.T) {
	t.Parallel()

	tests := map[string]Level{
		"debug":  LevelDebug,
		"INFO":   LevelInfo,
		" Warn ": LevelWarn,
		"error":  LevelError,
		"loop":   LevelLoop,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
}

func TestParseLevel_RejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := ParseLevel("fatal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown notification level")
	assert.False(t, Level("TRACE").Valid())
}

func TestSortNewestFirst_OrdersByDescendingTimeAndKeepsTies(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ns := []Notification{
		{Message: "t1", Time: base},
		{Message: "t3a", Time: base.Add(2 * time.Second)},
		{Message: "t2", Time: base.Add(time.Second)},
		{Message: "t3b", Time: base.Add(2 * time.Second)},
	}

	SortNewestFirst(ns)

	var got []string
	for _, n := range ns {
		got = append(got, n.Message)
	}
	assert.Equal(t, []string{"t3a", "t3b", "t2", "t1"}, got)
}

func TestGist_ReducesToNewestAndOldest(t *testing.T) {
	t.Parallel()

	m3 := Notification{Message: "m3"}
	m2 := Notification{Message: "m2"}
	m1 := Notification{Message: "m1"}

	assert.Equal(t, []Notification{m3, m1}, Gist([]Notification{m3, m2, m1}))
	assert.Equal(t, []Notification{m1}, Gist([]Notification{m1}))
	assert.Empty(t, Gist(nil))
	assert.NotNil(t, Gist(nil))
}

func TestGist_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := []Notification{{Message: "c"}, {Message: "b"}, {Message: "a"}}
	_ = Gist(in)
	assert.Len(t, in, 3)
	assert.Equal(t, "b", in[1].Message)
}

func TestRef_ImplementsDescriptor(t *testing.T) {
	t.Parallel()

	var d Descriptor = Ref{Type: "import", ID: "42"}
	assert.Equal(t, Type("import"), d.JobType())
	assert.Equal(t, "42", d.JobID())
	assert.Equal(t, "import/42", Ref{Type: "import", ID: "42"}.String())
}
