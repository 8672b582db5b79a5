package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/btouchard/tidings/internal/job"
)

// DefaultKeyPrefix namespaces every key the remote store writes.
const DefaultKeyPrefix = "tidings"

var (
	_ Store = (*LocalStore)(nil)
	_ Store = (*RemoteStore)(nil)
)

// RemoteStore keeps notifications in a shared KV service so several
// processes observe the same job progress.
//
// Key layout, with every type and id query-escaped:
//
//	{prefix}:seq               counter, one value per stored item
//	{prefix}:n:{type}:{id}     sorted set of notifications scored by sequence
//	{prefix}:jobs:{type}       sorted set of job ids scored by creation sequence
//	{prefix}:s:{type}          hash of job id to summary
type RemoteStore struct {
	kv     KV
	prefix string
}

// entry is the stored form of a notification. The sequence makes every
// member unique even when two notifications serialize identically.
type entry struct {
	Seq          int64            `json:"seq"`
	Notification job.Notification `json:"n"`
}

// CheckKeyPrefix rejects prefixes that could match another deployment's
// keys: the ':' separator and the SCAN glob metacharacters.
func CheckKeyPrefix(prefix string) error {
	if prefix == "" {
		return errors.New("key prefix must not be empty")
	}
	if i := strings.IndexAny(prefix, `:*?[]\`); i >= 0 {
		return fmt.Errorf("key prefix %q must not contain %q", prefix, prefix[i])
	}
	return nil
}

// NewRemoteStore wraps kv. An empty prefix uses DefaultKeyPrefix.
func NewRemoteStore(kv KV, prefix string) *RemoteStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RemoteStore{kv: kv, prefix: prefix}
}

func (s *RemoteStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RemoteStore) notesKey(jobType job.Type, jobID string) string {
	return s.prefix + ":n:" + url.QueryEscape(string(jobType)) + ":" + url.QueryEscape(jobID)
}

func (s *RemoteStore) jobsPrefix() string {
	return s.prefix + ":jobs:"
}

func (s *RemoteStore) jobsKey(jobType job.Type) string {
	return s.jobsPrefix() + url.QueryEscape(string(jobType))
}

func (s *RemoteStore) summariesKey(jobType job.Type) string {
	return s.prefix + ":s:" + url.QueryEscape(string(jobType))
}

// Append adds n to its job. A LOOP notification replaces the job's current
// LOOP entry instead of growing the list.
func (s *RemoteStore) Append(ctx context.Context, lim Limits, n job.Notification) error {
	return s.insert(ctx, lim, n, n.IsLoop())
}

// ReplaceLoop removes the job's newest LOOP entry, if any, then appends n.
func (s *RemoteStore) ReplaceLoop(ctx context.Context, lim Limits, n job.Notification) error {
	return s.insert(ctx, lim, n, true)
}

// insert registers the job, drops the previous LOOP entry when asked, adds
// n and trims the list to the message cap, all in one KV update.
func (s *RemoteStore) insert(ctx context.Context, lim Limits, n job.Notification, replaceLoop bool) error {
	seq, err := s.kv.Incr(ctx, s.seqKey())
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	member, err := json.Marshal(entry{Seq: seq, Notification: n})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	key := s.notesKey(n.JobType, n.JobID)
	var evicted []string
	err = s.kv.Update(ctx, []string{key, s.jobsKey(n.JobType)}, func(tx Tx) error {
		var err error
		if evicted, err = s.register(ctx, tx, lim, n.JobType, n.JobID, seq); err != nil {
			return err
		}

		members, err := tx.ZRange(ctx, key, 0, -1)
		if err != nil {
			return fmt.Errorf("reading notifications: %w", err)
		}
		size := len(members)
		if replaceLoop {
			for i := len(members) - 1; i >= 0; i-- {
				e, err := decodeEntry(members[i])
				if err != nil || !e.Notification.IsLoop() {
					continue
				}
				tx.ZRem(key, members[i])
				size--
				break
			}
		}

		tx.ZAdd(key, float64(seq), string(member))
		size++
		if lim.messageCapped(size) {
			tx.ZRemRangeByRank(key, 0, int64(size-lim.MaxMessagesPerJob-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}
	logEvicted(n.JobType, evicted, lim)
	return nil
}

// register queues the job into its type's creation order, evicting the
// oldest jobs first when the type is already full. It returns the evicted
// job ids.
func (s *RemoteStore) register(ctx context.Context, tx Tx, lim Limits, jobType job.Type, jobID string, seq int64) ([]string, error) {
	key := s.jobsKey(jobType)
	_, exists, err := tx.ZScore(ctx, key, jobID)
	if err != nil {
		return nil, fmt.Errorf("looking up job: %w", err)
	}
	if exists {
		return nil, nil
	}

	var victims []string
	if lim.MaxJobsPerType > 0 {
		size, err := tx.ZCard(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("counting jobs: %w", err)
		}
		if lim.jobsFull(int(size)) {
			victims, err = tx.ZRange(ctx, key, 0, size-int64(lim.MaxJobsPerType))
			if err != nil {
				return nil, fmt.Errorf("reading oldest jobs: %w", err)
			}
			for _, victim := range victims {
				s.removeJob(tx, jobType, victim)
			}
		}
	}

	tx.ZAdd(key, float64(seq), jobID)
	return victims, nil
}

func (s *RemoteStore) removeJob(tx Tx, jobType job.Type, jobID string) {
	tx.Del(s.notesKey(jobType, jobID))
	tx.HDel(s.summariesKey(jobType), jobID)
	tx.ZRem(s.jobsKey(jobType), jobID)
}

func logEvicted(jobType job.Type, ids []string, lim Limits) {
	for _, id := range ids {
		slog.Debug("evicted oldest job",
			"job_type", string(jobType),
			"job_id", id,
			"max_jobs", lim.MaxJobsPerType)
	}
}

func (s *RemoteStore) ListByJob(ctx context.Context, jobType job.Type, jobID string) ([]job.Notification, error) {
	members, err := s.kv.ZRange(ctx, s.notesKey(jobType, jobID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}

	out := make([]job.Notification, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		e, err := decodeEntry(members[i])
		if err != nil {
			slog.Warn("skipping undecodable notification",
				"job_type", string(jobType),
				"job_id", jobID,
				"error", err)
			continue
		}
		out = append(out, e.Notification)
	}
	return out, nil
}

func (s *RemoteStore) ListByType(ctx context.Context, jobType job.Type) (map[string][]job.Notification, error) {
	ids, err := s.JobIDsByCreationOrder(ctx, jobType)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]job.Notification, len(ids))
	for _, id := range ids {
		notes, err := s.ListByJob(ctx, jobType, id)
		if err != nil {
			return nil, err
		}
		if len(notes) > 0 {
			out[id] = notes
		}
	}
	return out, nil
}

func (s *RemoteStore) Types(ctx context.Context) ([]job.Type, error) {
	keys, err := s.kv.Keys(ctx, s.jobsPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing job types: %w", err)
	}
	out := make([]job.Type, 0, len(keys))
	for _, key := range keys {
		name, err := url.QueryUnescape(strings.TrimPrefix(key, s.jobsPrefix()))
		if err != nil {
			continue
		}
		out = append(out, job.Type(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *RemoteStore) PutSummary(ctx context.Context, lim Limits, sum job.Summary) error {
	seq, err := s.kv.Incr(ctx, s.seqKey())
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	var evicted []string
	err = s.kv.Update(ctx, []string{s.jobsKey(sum.JobType)}, func(tx Tx) error {
		var err error
		if evicted, err = s.register(ctx, tx, lim, sum.JobType, sum.JobID, seq); err != nil {
			return err
		}
		tx.HSet(s.summariesKey(sum.JobType), sum.JobID, string(data))
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing summary: %w", err)
	}
	logEvicted(sum.JobType, evicted, lim)
	return nil
}

func (s *RemoteStore) GetSummary(ctx context.Context, jobType job.Type, jobID string) (job.Summary, bool, error) {
	raw, ok, err := s.kv.HGet(ctx, s.summariesKey(jobType), jobID)
	if err != nil {
		return job.Summary{}, false, fmt.Errorf("reading summary: %w", err)
	}
	if !ok {
		return job.Summary{}, false, nil
	}
	var sum job.Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return job.Summary{}, false, fmt.Errorf("decoding summary: %w", err)
	}
	return sum, true, nil
}

func (s *RemoteStore) Summaries(ctx context.Context, jobType job.Type) (map[string]job.Summary, error) {
	all, err := s.kv.HGetAll(ctx, s.summariesKey(jobType))
	if err != nil {
		return nil, fmt.Errorf("reading summaries: %w", err)
	}
	out := make(map[string]job.Summary, len(all))
	for id, raw := range all {
		var sum job.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			slog.Warn("skipping undecodable summary",
				"job_type", string(jobType),
				"job_id", id,
				"error", err)
			continue
		}
		out[id] = sum
	}
	return out, nil
}

func (s *RemoteStore) RemoveJob(ctx context.Context, jobType job.Type, jobID string) error {
	err := s.kv.Update(ctx, nil, func(tx Tx) error {
		s.removeJob(tx, jobType, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing job: %w", err)
	}
	return nil
}

func (s *RemoteStore) RemoveType(ctx context.Context, jobType job.Type) error {
	jobsKey := s.jobsKey(jobType)
	err := s.kv.Update(ctx, []string{jobsKey}, func(tx Tx) error {
		ids, err := tx.ZRange(ctx, jobsKey, 0, -1)
		if err != nil {
			return fmt.Errorf("listing jobs: %w", err)
		}
		keys := make([]string, 0, len(ids)+2)
		for _, id := range ids {
			keys = append(keys, s.notesKey(jobType, id))
		}
		keys = append(keys, s.summariesKey(jobType), jobsKey)
		tx.Del(keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing job type: %w", err)
	}
	return nil
}

// RemoveAll deletes everything under the prefix except the sequence
// counter, which must keep increasing for other processes.
func (s *RemoteStore) RemoveAll(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, s.prefix+":")
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	doomed := keys[:0]
	for _, key := range keys {
		if key != s.seqKey() {
			doomed = append(doomed, key)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := s.kv.Del(ctx, doomed...); err != nil {
		return fmt.Errorf("removing all: %w", err)
	}
	return nil
}

func (s *RemoteStore) JobIDsByCreationOrder(ctx context.Context, jobType job.Type) ([]string, error) {
	ids, err := s.kv.ZRange(ctx, s.jobsKey(jobType), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *RemoteStore) LastActivity(ctx context.Context, jobType job.Type, jobID string) (time.Time, bool, error) {
	newest, err := s.kv.ZRange(ctx, s.notesKey(jobType, jobID), -1, -1)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading newest notification: %w", err)
	}
	if len(newest) == 1 {
		if e, err := decodeEntry(newest[0]); err == nil {
			return e.Notification.Time, true, nil
		}
	}
	sum, ok, err := s.GetSummary(ctx, jobType, jobID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return sum.Time, true, nil
}

// Close closes the underlying KV client.
func (s *RemoteStore) Close() error {
	return s.kv.Close()
}

func decodeEntry(member string) (entry, error) {
	var e entry
	if err := json.Unmarshal([]byte(member), &e); err != nil {
		return entry{}, fmt.Errorf("decoding notification: %w", err)
	}
	return e, nil
}
