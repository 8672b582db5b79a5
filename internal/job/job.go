package job

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies a job category, e.g. "import" or "table-build".
type Type string

// Descriptor is what the scheduler hands to the notifier to identify a job.
type Descriptor interface {
	JobType() Type
	JobID() string
}

// Ref is the plain Descriptor implementation.
type Ref struct {
	Type Type
	ID   string
}

func (r Ref) JobType() Type { return r.Type }
func (r Ref) JobID() string { return r.ID }

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Level is the severity of a Notification.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	// LevelLoop marks progress ticks. A job keeps at most one LOOP entry.
	LevelLoop Level = "LOOP"
)

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelLoop:
		return l, nil
	default:
		return "", fmt.Errorf("unknown notification level %q", s)
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

// Notification is one progress event emitted by a job. Values are never
// modified once stored.
type Notification struct {
	JobType    Type            `json:"job_type"`
	JobID      string          `json:"job_id"`
	Level      Level           `json:"level"`
	Time       time.Time       `json:"time"`
	Message    string          `json:"message"`
	Completed  bool            `json:"completed,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

// IsLoop reports whether n is a deduplicated progress tick.
func (n Notification) IsLoop() bool {
	return n.Level == LevelLoop
}

// Summary is the opaque terminal report of a job. A job has at most one;
// writing a new one replaces the previous.
type Summary struct {
	JobType Type            `json:"job_type"`
	JobID   string          `json:"job_id"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// SortNewestFirst orders ns by descending Time. Equal times keep their
// relative order.
func SortNewestFirst(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		return ns[i].Time.After(ns[j].Time)
	})
}

// Gist reduces a newest-first sequence to its newest and oldest entries.
// The input is not modified.
func Gist(ns []Notification) []Notification {
	switch len(ns) {
	case 0:
		return []Notification{}
	case 1:
		return []Notification{ns[0]}
	default:
		return []Notification{ns[0], ns[len(ns)-1]}
	}
}
