package store

import (
	"context"
	"time"

	"github.com/btouchard/tidings/internal/job"
)

// Store is the storage backend for job notifications and summaries.
// Mutating methods are only ever called by the notifier's single writer;
// read methods may run concurrently with it.
type Store interface {
	// Notifications
	Append(ctx context.Context, lim Limits, n job.Notification) error
	ReplaceLoop(ctx context.Context, lim Limits, n job.Notification) error
	ListByJob(ctx context.Context, jobType job.Type, jobID string) ([]job.Notification, error)
	ListByType(ctx context.Context, jobType job.Type) (map[string][]job.Notification, error)
	Types(ctx context.Context) ([]job.Type, error)

	// Summaries
	PutSummary(ctx context.Context, lim Limits, s job.Summary) error
	GetSummary(ctx context.Context, jobType job.Type, jobID string) (job.Summary, bool, error)
	Summaries(ctx context.Context, jobType job.Type) (map[string]job.Summary, error)

	// Eviction
	RemoveJob(ctx context.Context, jobType job.Type, jobID string) error
	RemoveType(ctx context.Context, jobType job.Type) error
	RemoveAll(ctx context.Context) error
	JobIDsByCreationOrder(ctx context.Context, jobType job.Type) ([]string, error)
	LastActivity(ctx context.Context, jobType job.Type, jobID string) (time.Time, bool, error)

	Close() error
}

// Limits bounds what a single mutation may leave behind. Zero or negative
// values disable the corresponding cap.
type Limits struct {
	MaxMessagesPerJob int
	MaxJobsPerType    int
}

func (l Limits) messageCapped(n int) bool {
	return l.MaxMessagesPerJob > 0 && n > l.MaxMessagesPerJob
}

func (l Limits) jobsFull(n int) bool {
	return l.MaxJobsPerType > 0 && n >= l.MaxJobsPerType
}
