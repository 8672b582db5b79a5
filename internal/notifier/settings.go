package notifier

import (
	"time"

	"github.com/btouchard/tidings/internal/store"
)

// Settings supplies the notifier's tunables. Values are read on every
// operation that needs them, so an implementation may change them at runtime.
type Settings interface {
	MaxMessagesPerJob() int
	MaxJobsPerType() int
	MaxAgeDays() int
	GistOverviewEnabled() bool
	CleanAfterIdleTime() time.Duration
}

// StaticSettings is a fixed Settings value, handy for tests and embedding.
type StaticSettings struct {
	MessagesPerJob int
	JobsPerType    int
	AgeDays        int
	GistOverview   bool
	CleanAfterIdle time.Duration
}

// DefaultSettings returns the values used when nothing is configured.
func DefaultSettings() StaticSettings {
	return StaticSettings{
		MessagesPerJob: 100,
		JobsPerType:    50,
		AgeDays:        7,
		GistOverview:   true,
		CleanAfterIdle: 5 * time.Minute,
	}
}

func (s StaticSettings) MaxMessagesPerJob() int            { return s.MessagesPerJob }
func (s StaticSettings) MaxJobsPerType() int               { return s.JobsPerType }
func (s StaticSettings) MaxAgeDays() int                   { return s.AgeDays }
func (s StaticSettings) GistOverviewEnabled() bool         { return s.GistOverview }
func (s StaticSettings) CleanAfterIdleTime() time.Duration { return s.CleanAfterIdle }

func limitsFrom(s Settings) store.Limits {
	return store.Limits{
		MaxMessagesPerJob: s.MaxMessagesPerJob(),
		MaxJobsPerType:    s.MaxJobsPerType(),
	}
}
