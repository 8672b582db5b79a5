// Package notifier records progress messages and summaries emitted by
// background jobs. Producers never touch storage directly: every mutation is
// queued and applied by a single consumer goroutine, in arrival order, while
// reads go straight to the store.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/btouchard/tidings/internal/job"
	"github.com/btouchard/tidings/internal/store"
)

var (
	ErrInvalidJob  = errors.New("job descriptor must have a type and an id")
	ErrQueueFull   = errors.New("notifier queue full")
	ErrClosed      = errors.New("notifier closed")
	ErrUnencodable = errors.New("value is not JSON-encodable")
)

const (
	defaultQueueSize      = 4096
	defaultEnqueueTimeout = time.Second
	defaultRetryAttempts  = 3
	defaultRetryMin       = 50 * time.Millisecond
	defaultRetryMax       = 2 * time.Second
)

// Notifier is the entry point for job progress reporting. It is safe for
// concurrent use.
type Notifier struct {
	store    store.Store
	settings Settings
	clock    Clock
	log      *slog.Logger
	id       string

	queueSize      int
	enqueueTimeout time.Duration
	retryAttempts  int
	retryMin       time.Duration
	retryMax       time.Duration
	observers      []Observer

	// mu serializes stamping and the first send attempt so stamps and
	// queue order agree while the queue has room.
	mu       sync.Mutex
	closed   bool
	lastTime time.Time
	queue    chan command
	// senders counts producers waiting on a full queue outside mu. The
	// queue is closed only once it drops to zero.
	senders sync.WaitGroup

	// pending counts commands queued or being applied.
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Observer is told about every notification once it has been stored.
// Observe runs on the writer goroutine and must not block.
type Observer interface {
	Observe(n job.Notification)
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithClock replaces the wall clock, e.g. for deterministic age caps in tests.
func WithClock(c Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// WithQueueSize sets the ingestion queue capacity.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queueSize = size }
}

// WithEnqueueTimeout bounds how long a producer waits on a full queue
// before its command is dropped.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.enqueueTimeout = d }
}

// WithRetry sets how many times a failing store command is attempted and
// the backoff bounds between attempts.
func WithRetry(attempts int, minDelay, maxDelay time.Duration) Option {
	return func(n *Notifier) {
		n.retryAttempts = attempts
		n.retryMin = minDelay
		n.retryMax = maxDelay
	}
}

// WithObserver registers o to receive stored notifications.
func WithObserver(o Observer) Option {
	return func(n *Notifier) { n.observers = append(n.observers, o) }
}

// New creates a Notifier writing to st and starts its consumer.
// A nil settings uses DefaultSettings.
func New(st store.Store, settings Settings, opts ...Option) *Notifier {
	if settings == nil {
		settings = DefaultSettings()
	}
	n := &Notifier{
		store:          st,
		settings:       settings,
		clock:          SystemClock{},
		log:            slog.Default(),
		id:             uuid.NewString(),
		queueSize:      defaultQueueSize,
		enqueueTimeout: defaultEnqueueTimeout,
		retryAttempts:  defaultRetryAttempts,
		retryMin:       defaultRetryMin,
		retryMax:       defaultRetryMax,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.queueSize < 1 {
		n.queueSize = defaultQueueSize
	}
	if n.retryAttempts < 1 {
		n.retryAttempts = 1
	}
	n.log = n.log.With("instance", n.id)

	n.queue = make(chan command, n.queueSize)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.done = make(chan struct{})

	go n.run()
	return n
}

// InstanceID identifies this notifier process among others sharing a store.
func (n *Notifier) InstanceID() string {
	return n.id
}

// NotifyOption sets optional fields of a notification.
type NotifyOption func(*job.Notification) error

// WithAttachment attaches v, encoded as JSON, to the notification.
func WithAttachment(v any) NotifyOption {
	return func(note *job.Notification) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnencodable, err)
		}
		note.Attachment = raw
		return nil
	}
}

// Completed marks the notification as the terminal one of its job.
func Completed() NotifyOption {
	return func(note *job.Notification) error {
		note.Completed = true
		return nil
	}
}

// Notify queues a progress message for d. An empty level means INFO; a LOOP
// message replaces the job's previous LOOP message. Notify does not wait
// for storage.
func (n *Notifier) Notify(d job.Descriptor, level job.Level, message string, opts ...NotifyOption) error {
	ref, err := refOf(d)
	if err != nil {
		return err
	}
	if level == "" {
		level = job.LevelInfo
	}
	if !level.Valid() {
		return fmt.Errorf("unknown notification level %q", level)
	}

	note := job.Notification{
		JobType: ref.Type,
		JobID:   ref.ID,
		Level:   level,
		Message: message,
	}
	for _, opt := range opts {
		if err := opt(&note); err != nil {
			return err
		}
	}

	kind := opAppend
	if level == job.LevelLoop {
		kind = opReplaceLoop
	}
	return n.enqueue(command{kind: kind, note: note})
}

// Info queues an INFO message.
func (n *Notifier) Info(d job.Descriptor, message string) error {
	return n.Notify(d, job.LevelInfo, message)
}

// Debug queues a DEBUG message.
func (n *Notifier) Debug(d job.Descriptor, message string) error {
	return n.Notify(d, job.LevelDebug, message)
}

// Warn queues a WARN message.
func (n *Notifier) Warn(d job.Descriptor, message string) error {
	return n.Notify(d, job.LevelWarn, message)
}

// Error queues an ERROR message.
func (n *Notifier) Error(d job.Descriptor, message string) error {
	return n.Notify(d, job.LevelError, message)
}

// Loop queues a progress tick that replaces the previous one.
func (n *Notifier) Loop(d job.Descriptor, message string) error {
	return n.Notify(d, job.LevelLoop, message)
}

// AddJobSummary queues summary, encoded as JSON, as the job's summary,
// replacing any earlier one.
func (n *Notifier) AddJobSummary(d job.Descriptor, summary any) error {
	ref, err := refOf(d)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return n.enqueue(command{
		kind:    opPutSummary,
		summary: job.Summary{JobType: ref.Type, JobID: ref.ID, Data: raw},
	})
}

// Clear queues removal of everything.
func (n *Notifier) Clear() error {
	return n.enqueue(command{kind: opRemoveAll})
}

// ClearType queues removal of every job of jobType.
func (n *Notifier) ClearType(jobType job.Type) error {
	return n.enqueue(command{kind: opRemoveType, jobType: jobType})
}

// ClearJob queues removal of one job's notifications and summary.
func (n *Notifier) ClearJob(jobType job.Type, jobID string) error {
	return n.enqueue(command{kind: opRemoveJob, jobType: jobType, jobID: jobID})
}

// CapMaxAge queues a sweep removing jobs whose last activity is more than
// maxDays old, limited to types when given. maxDays <= 0 uses MaxAgeDays.
func (n *Notifier) CapMaxAge(maxDays int, types ...job.Type) error {
	return n.enqueue(command{kind: opCapMaxAge, limit: maxDays, types: types})
}

// CapMaxCount queues a sweep keeping only the maxJobs most recently created
// jobs of each type, limited to types when given. maxJobs <= 0 uses
// MaxJobsPerType.
func (n *Notifier) CapMaxCount(maxJobs int, types ...job.Type) error {
	return n.enqueue(command{kind: opCapMaxCount, limit: maxJobs, types: types})
}

// IsIdle reports whether no command is queued or being applied.
func (n *Notifier) IsIdle() bool {
	return n.pending.Load() == 0
}

// WaitIdle blocks until IsIdle is true or ctx is done.
func (n *Notifier) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !n.IsIdle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops intake and waits for the queued commands to be applied.
// When ctx ends first, pending retries are abandoned and ctx.Err() is
// returned; the consumer still exits once the queue is empty.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		go func() {
			n.senders.Wait()
			close(n.queue)
		}()
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		return ctx.Err()
	}
}

func (n *Notifier) enqueue(cmd command) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	switch cmd.kind {
	case opAppend, opReplaceLoop:
		cmd.note.Time = n.stampLocked()
	case opPutSummary:
		cmd.summary.Time = n.stampLocked()
	}

	n.pending.Add(1)
	select {
	case n.queue <- cmd:
		n.mu.Unlock()
		return nil
	default:
	}
	n.senders.Add(1)
	n.mu.Unlock()
	defer n.senders.Done()

	timer := time.NewTimer(n.enqueueTimeout)
	defer timer.Stop()
	select {
	case n.queue <- cmd:
		return nil
	case <-timer.C:
		n.pending.Add(-1)
		jobType, jobID := cmd.subject()
		n.log.Warn("notifier queue full, dropping command",
			"op", cmd.kind.String(),
			"job_type", string(jobType),
			"job_id", jobID,
			"queue_size", n.queueSize)
		return ErrQueueFull
	}
}

// stampLocked returns the clock's time, nudged forward so stamps strictly
// increase within the process.
func (n *Notifier) stampLocked() time.Time {
	now := n.clock.Now()
	if !now.After(n.lastTime) {
		now = n.lastTime.Add(time.Nanosecond)
	}
	n.lastTime = now
	return now
}

// run is the single writer. It applies commands in arrival order and runs
// the idle cleanup once the queue has been quiet for CleanAfterIdleTime.
func (n *Notifier) run() {
	defer close(n.done)

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	arm := func() {
		if d := n.settings.CleanAfterIdleTime(); d > 0 {
			idle.Reset(d)
		}
	}
	arm()

	for {
		select {
		case cmd, ok := <-n.queue:
			if !ok {
				idle.Stop()
				return
			}
			idle.Stop()
			n.execute(cmd)
			n.pending.Add(-1)
			if len(n.queue) == 0 {
				arm()
			}
		case <-idle.C:
			n.pending.Add(1)
			n.log.Debug("notifier idle, running cleanup")
			n.execute(command{kind: opIdleCleanup})
			n.pending.Add(-1)
		}
	}
}

// execute applies cmd, retrying with backoff on failure. A command that
// keeps failing is dropped so one bad backend call cannot stall the queue.
func (n *Notifier) execute(cmd command) {
	b := &backoff.Backoff{
		Min:    n.retryMin,
		Max:    n.retryMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	attempt := 0
	for attempt < n.retryAttempts {
		attempt++
		if err = n.apply(n.ctx, cmd); err == nil {
			n.observe(cmd)
			return
		}
		if attempt == n.retryAttempts || n.ctx.Err() != nil {
			break
		}
		n.log.Debug("store command failed, retrying",
			"op", cmd.kind.String(),
			"attempt", attempt,
			"error", err)
		select {
		case <-time.After(b.Duration()):
		case <-n.ctx.Done():
		}
	}

	jobType, jobID := cmd.subject()
	n.log.Warn("dropping store command",
		"op", cmd.kind.String(),
		"job_type", string(jobType),
		"job_id", jobID,
		"attempts", attempt,
		"error", err)
}

func (n *Notifier) observe(cmd command) {
	if cmd.kind != opAppend && cmd.kind != opReplaceLoop {
		return
	}
	for _, o := range n.observers {
		o.Observe(cmd.note)
	}
}

func refOf(d job.Descriptor) (job.Ref, error) {
	if d == nil {
		return job.Ref{}, ErrInvalidJob
	}
	if v := reflect.ValueOf(d); v.Kind() == reflect.Pointer && v.IsNil() {
		return job.Ref{}, ErrInvalidJob
	}
	ref := job.Ref{Type: d.JobType(), ID: d.JobID()}
	if ref.Type == "" || ref.ID == "" {
		return job.Ref{}, ErrInvalidJob
	}
	return ref, nil
}
