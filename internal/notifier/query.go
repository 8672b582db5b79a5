package notifier

import (
	"context"

	"github.com/btouchard/tidings/internal/job"
)

// Reads go straight to the store and never fail: a backend error is logged
// and reported as an empty result.

// NotificationsByJobID returns one job's notifications, newest first.
func (n *Notifier) NotificationsByJobID(ctx context.Context, jobType job.Type, jobID string) []job.Notification {
	notes, err := n.store.ListByJob(ctx, jobType, jobID)
	if err != nil {
		n.log.Warn("reading job notifications failed",
			"job_type", string(jobType),
			"job_id", jobID,
			"error", err)
		return []job.Notification{}
	}
	return notes
}

// NotificationsByJobType returns the notifications of every job of jobType
// keyed by job id. With gist set, each job is reduced to its newest and
// oldest notification.
func (n *Notifier) NotificationsByJobType(ctx context.Context, jobType job.Type, gist bool) map[string][]job.Notification {
	byJob, err := n.store.ListByType(ctx, jobType)
	if err != nil {
		n.log.Warn("reading type notifications failed",
			"job_type", string(jobType),
			"error", err)
		return map[string][]job.Notification{}
	}
	if gist {
		for id, notes := range byJob {
			byJob[id] = job.Gist(notes)
		}
	}
	return byJob
}

// Notifications returns every stored notification grouped by type and job.
func (n *Notifier) Notifications(ctx context.Context, gist bool) map[job.Type]map[string][]job.Notification {
	out := make(map[job.Type]map[string][]job.Notification)
	for _, t := range n.Types(ctx) {
		if byJob := n.NotificationsByJobType(ctx, t, gist); len(byJob) > 0 {
			out[t] = byJob
		}
	}
	return out
}

// Overview is Notifications with gist taken from the settings.
func (n *Notifier) Overview(ctx context.Context) map[job.Type]map[string][]job.Notification {
	return n.Notifications(ctx, n.settings.GistOverviewEnabled())
}

// Types lists the job types with stored data, sorted.
func (n *Notifier) Types(ctx context.Context) []job.Type {
	types, err := n.store.Types(ctx)
	if err != nil {
		n.log.Warn("listing job types failed", "error", err)
		return []job.Type{}
	}
	return types
}

// JobSummary returns the job's summary, if one was recorded.
func (n *Notifier) JobSummary(ctx context.Context, jobType job.Type, jobID string) (job.Summary, bool) {
	s, ok, err := n.store.GetSummary(ctx, jobType, jobID)
	if err != nil {
		n.log.Warn("reading job summary failed",
			"job_type", string(jobType),
			"job_id", jobID,
			"error", err)
		return job.Summary{}, false
	}
	return s, ok
}

// JobSummariesByJobType returns the summaries of jobType keyed by job id.
func (n *Notifier) JobSummariesByJobType(ctx context.Context, jobType job.Type) map[string]job.Summary {
	sums, err := n.store.Summaries(ctx, jobType)
	if err != nil {
		n.log.Warn("reading type summaries failed",
			"job_type", string(jobType),
			"error", err)
		return map[string]job.Summary{}
	}
	return sums
}

// AllJobSummaries returns every summary grouped by type and job.
func (n *Notifier) AllJobSummaries(ctx context.Context) map[job.Type]map[string]job.Summary {
	out := make(map[job.Type]map[string]job.Summary)
	for _, t := range n.Types(ctx) {
		if sums := n.JobSummariesByJobType(ctx, t); len(sums) > 0 {
			out[t] = sums
		}
	}
	return out
}
