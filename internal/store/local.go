package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/btouchard/tidings/internal/job"
)

// record is everything stored for one job. Records are replaced, never
// edited, so a reader holding one sees a consistent job.
type record struct {
	notes      []job.Notification // oldest first
	summary    job.Summary
	hasSummary bool
}

type jobMap = orderedmap.OrderedMap[string, *record]

// LocalStore keeps notifications in process memory. Jobs of a type are kept
// in insertion order so the oldest job is found in O(1).
type LocalStore struct {
	mu    sync.RWMutex
	types map[job.Type]*jobMap
}

// NewLocalStore creates an empty in-memory store.
func NewLocalStore() *LocalStore {
	return &LocalStore{types: make(map[job.Type]*jobMap)}
}

// Append adds n to its job. A LOOP notification replaces the job's current
// LOOP entry instead of growing the list.
func (s *LocalStore) Append(_ context.Context, lim Limits, n job.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(lim, n, n.IsLoop())
	return nil
}

// ReplaceLoop removes the job's current LOOP entry, if any, then appends n.
func (s *LocalStore) ReplaceLoop(_ context.Context, lim Limits, n job.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(lim, n, true)
	return nil
}

func (s *LocalStore) appendLocked(lim Limits, n job.Notification, dropLoop bool) {
	jobs, rec := s.recordLocked(lim, n.JobType, n.JobID)

	skip := -1
	if dropLoop {
		for i := len(rec.notes) - 1; i >= 0; i-- {
			if rec.notes[i].IsLoop() {
				skip = i
				break
			}
		}
	}

	notes := make([]job.Notification, 0, len(rec.notes)+1)
	for i, existing := range rec.notes {
		if i != skip {
			notes = append(notes, existing)
		}
	}
	notes = append(notes, n)
	if lim.messageCapped(len(notes)) {
		notes = notes[len(notes)-lim.MaxMessagesPerJob:]
	}

	next := *rec
	next.notes = notes
	jobs.Set(n.JobID, &next)
}

// recordLocked returns the job's record, creating the type and job if
// needed. When the type is full the oldest job is evicted before the new
// one is inserted.
func (s *LocalStore) recordLocked(lim Limits, jobType job.Type, jobID string) (*jobMap, *record) {
	jobs, ok := s.types[jobType]
	if !ok {
		jobs = orderedmap.New[string, *record]()
		s.types[jobType] = jobs
	}
	if rec, ok := jobs.Get(jobID); ok {
		return jobs, rec
	}
	for lim.jobsFull(jobs.Len()) {
		oldest := jobs.Oldest()
		if oldest == nil {
			break
		}
		jobs.Delete(oldest.Key)
		slog.Debug("evicted oldest job",
			"job_type", string(jobType),
			"job_id", oldest.Key,
			"max_jobs", lim.MaxJobsPerType)
	}
	return jobs, &record{}
}

func (s *LocalStore) ListByJob(_ context.Context, jobType job.Type, jobID string) ([]job.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, ok := s.types[jobType]
	if !ok {
		return []job.Notification{}, nil
	}
	rec, ok := jobs.Get(jobID)
	if !ok {
		return []job.Notification{}, nil
	}
	return newestFirst(rec.notes), nil
}

func (s *LocalStore) ListByType(_ context.Context, jobType job.Type) (map[string][]job.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]job.Notification)
	jobs, ok := s.types[jobType]
	if !ok {
		return out, nil
	}
	for pair := jobs.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value.notes) == 0 {
			continue
		}
		out[pair.Key] = newestFirst(pair.Value.notes)
	}
	return out, nil
}

func (s *LocalStore) Types(_ context.Context) ([]job.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]job.Type, 0, len(s.types))
	for t, jobs := range s.types {
		if jobs.Len() > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *LocalStore) PutSummary(_ context.Context, lim Limits, sum job.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, rec := s.recordLocked(lim, sum.JobType, sum.JobID)
	next := *rec
	next.summary = sum
	next.hasSummary = true
	jobs.Set(sum.JobID, &next)
	return nil
}

func (s *LocalStore) GetSummary(_ context.Context, jobType job.Type, jobID string) (job.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, ok := s.types[jobType]
	if !ok {
		return job.Summary{}, false, nil
	}
	rec, ok := jobs.Get(jobID)
	if !ok || !rec.hasSummary {
		return job.Summary{}, false, nil
	}
	return rec.summary, true, nil
}

func (s *LocalStore) Summaries(_ context.Context, jobType job.Type) (map[string]job.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]job.Summary)
	jobs, ok := s.types[jobType]
	if !ok {
		return out, nil
	}
	for pair := jobs.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.hasSummary {
			out[pair.Key] = pair.Value.summary
		}
	}
	return out, nil
}

func (s *LocalStore) RemoveJob(_ context.Context, jobType job.Type, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, ok := s.types[jobType]
	if !ok {
		return nil
	}
	jobs.Delete(jobID)
	if jobs.Len() == 0 {
		delete(s.types, jobType)
	}
	return nil
}

func (s *LocalStore) RemoveType(_ context.Context, jobType job.Type) error {
	s.mu.Lock()
	delete(s.types, jobType)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) RemoveAll(_ context.Context) error {
	s.mu.Lock()
	s.types = make(map[job.Type]*jobMap)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) JobIDsByCreationOrder(_ context.Context, jobType job.Type) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, ok := s.types[jobType]
	if !ok {
		return []string{}, nil
	}
	ids := make([]string, 0, jobs.Len())
	for pair := jobs.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids, nil
}

func (s *LocalStore) LastActivity(_ context.Context, jobType job.Type, jobID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, ok := s.types[jobType]
	if !ok {
		return time.Time{}, false, nil
	}
	rec, ok := jobs.Get(jobID)
	if !ok {
		return time.Time{}, false, nil
	}
	if n := len(rec.notes); n > 0 {
		return rec.notes[n-1].Time, true, nil
	}
	if rec.hasSummary {
		return rec.summary.Time, true, nil
	}
	return time.Time{}, false, nil
}

// Close is a no-op; it exists to satisfy Store.
func (s *LocalStore) Close() error { return nil }

// newestFirst returns a reversed copy of an oldest-first slice.
func newestFirst(notes []job.Notification) []job.Notification {
	out := make([]job.Notification, len(notes))
	for i, n := range notes {
		out[len(notes)-1-i] = n
	}
	return out
}
