package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/btouchard/tidings/internal/job"
)

type opKind int

const (
	opAppend opKind = iota
	opReplaceLoop
	opPutSummary
	opRemoveJob
	opRemoveType
	opRemoveAll
	opCapMaxAge
	opCapMaxCount
	opIdleCleanup
)

func (k opKind) String() string {
	switch k {
	case opAppend:
		return "append"
	case opReplaceLoop:
		return "replace_loop"
	case opPutSummary:
		return "put_summary"
	case opRemoveJob:
		return "remove_job"
	case opRemoveType:
		return "remove_type"
	case opRemoveAll:
		return "remove_all"
	case opCapMaxAge:
		return "cap_max_age"
	case opCapMaxCount:
		return "cap_max_count"
	case opIdleCleanup:
		return "idle_cleanup"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// command is one queued mutation. Only the fields relevant to kind are set.
type command struct {
	kind    opKind
	note    job.Notification
	summary job.Summary
	jobType job.Type
	jobID   string
	// types scopes a cap sweep; empty means every stored type.
	types []job.Type
	// limit is the day count or job count of a cap sweep; <= 0 means the
	// current settings value.
	limit int
}

// subject returns the job the command is about, for logging.
func (c command) subject() (job.Type, string) {
	switch c.kind {
	case opAppend, opReplaceLoop:
		return c.note.JobType, c.note.JobID
	case opPutSummary:
		return c.summary.JobType, c.summary.JobID
	default:
		return c.jobType, c.jobID
	}
}

// apply performs cmd against the store. It runs on the consumer goroutine only.
func (n *Notifier) apply(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case opAppend:
		return n.store.Append(ctx, limitsFrom(n.settings), cmd.note)
	case opReplaceLoop:
		return n.store.ReplaceLoop(ctx, limitsFrom(n.settings), cmd.note)
	case opPutSummary:
		return n.store.PutSummary(ctx, limitsFrom(n.settings), cmd.summary)
	case opRemoveJob:
		return n.store.RemoveJob(ctx, cmd.jobType, cmd.jobID)
	case opRemoveType:
		return n.store.RemoveType(ctx, cmd.jobType)
	case opRemoveAll:
		return n.store.RemoveAll(ctx)
	case opCapMaxAge:
		return n.capMaxAge(ctx, cmd.limit, cmd.types)
	case opCapMaxCount:
		return n.capMaxCount(ctx, cmd.limit, cmd.types)
	case opIdleCleanup:
		return n.capMaxCount(ctx, n.settings.MaxJobsPerType(), nil)
	default:
		return fmt.Errorf("unknown command %s", cmd.kind)
	}
}

func (n *Notifier) scope(ctx context.Context, types []job.Type) ([]job.Type, error) {
	if len(types) > 0 {
		return types, nil
	}
	all, err := n.store.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing job types: %w", err)
	}
	return all, nil
}

// capMaxAge removes every job whose last activity is older than days.
func (n *Notifier) capMaxAge(ctx context.Context, days int, types []job.Type) error {
	if days <= 0 {
		days = n.settings.MaxAgeDays()
	}
	if days <= 0 {
		return nil
	}
	cutoff := n.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	scoped, err := n.scope(ctx, types)
	if err != nil {
		return err
	}
	removed := 0
	for _, t := range scoped {
		ids, err := n.store.JobIDsByCreationOrder(ctx, t)
		if err != nil {
			return fmt.Errorf("listing jobs of %s: %w", t, err)
		}
		for _, id := range ids {
			at, ok, err := n.store.LastActivity(ctx, t, id)
			if err != nil {
				return fmt.Errorf("reading activity of %s/%s: %w", t, id, err)
			}
			if !ok || !at.Before(cutoff) {
				continue
			}
			if err := n.store.RemoveJob(ctx, t, id); err != nil {
				return fmt.Errorf("removing %s/%s: %w", t, id, err)
			}
			removed++
		}
	}
	if removed > 0 {
		n.log.Info("removed expired jobs",
			"max_age_days", days,
			"cutoff", cutoff,
			"removed", removed)
	}
	return nil
}

// capMaxCount keeps only the maxJobs most recently created jobs per type.
func (n *Notifier) capMaxCount(ctx context.Context, maxJobs int, types []job.Type) error {
	if maxJobs <= 0 {
		maxJobs = n.settings.MaxJobsPerType()
	}
	if maxJobs <= 0 {
		return nil
	}

	scoped, err := n.scope(ctx, types)
	if err != nil {
		return err
	}
	removed := 0
	for _, t := range scoped {
		ids, err := n.store.JobIDsByCreationOrder(ctx, t)
		if err != nil {
			return fmt.Errorf("listing jobs of %s: %w", t, err)
		}
		if len(ids) <= maxJobs {
			continue
		}
		for _, id := range ids[:len(ids)-maxJobs] {
			if err := n.store.RemoveJob(ctx, t, id); err != nil {
				return fmt.Errorf("removing %s/%s: %w", t, id, err)
			}
			removed++
		}
	}
	if removed > 0 {
		n.log.Info("removed surplus jobs",
			"max_jobs", maxJobs,
			"removed", removed)
	}
	return nil
}
