package notify

import (
	"log/slog"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/btouchard/tidings/internal/job"
)

// MCPSender abstracts the mcp-go server broadcast method.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPPusher pushes job notifications to connected MCP clients. LOOP ticks
// become debounced progress notifications; everything else is sent as a
// log message at the matching level.
type MCPPusher struct {
	sender   MCPSender
	debounce time.Duration
	now      func() time.Time

	mu sync.Mutex
	// lastSent is kept oldest first so entries past the debounce window
	// can be pruned from the front.
	lastSent *orderedmap.OrderedMap[job.Ref, time.Time]
	// ticks only grows, giving every progress notification a larger
	// progress value than the one before it.
	ticks int64
}

// NewMCPPusher creates an MCPPusher that sends at most one progress
// notification per job every debounce interval.
func NewMCPPusher(sender MCPSender, debounce time.Duration) *MCPPusher {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPPusher{
		sender:   sender,
		debounce: debounce,
		now:      time.Now,
		lastSent: orderedmap.New[job.Ref, time.Time](),
	}
}

// Observe sends the MCP notification for n.
func (p *MCPPusher) Observe(n job.Notification) {
	ref := job.Ref{Type: n.JobType, ID: n.JobID}
	if n.Completed {
		p.clearDebounce(ref)
		p.sendMessage(n)
		return
	}
	if n.IsLoop() {
		p.sendProgress(ref, n)
		return
	}
	p.sendMessage(n)
}

func (p *MCPPusher) sendProgress(ref job.Ref, n job.Notification) {
	p.mu.Lock()
	now := p.now()
	p.pruneLocked(now)
	if last, ok := p.lastSent.Get(ref); ok && now.Sub(last) < p.debounce {
		p.mu.Unlock()
		return
	}
	p.lastSent.Delete(ref)
	p.lastSent.Set(ref, now)
	p.ticks++
	tick := p.ticks
	p.mu.Unlock()

	p.sender.SendNotificationToAllClients("notifications/progress", map[string]any{
		"progressToken": ref.String(),
		"progress":      tick,
		"message":       n.Message,
	})
}

// pruneLocked drops the jobs whose debounce window has passed.
func (p *MCPPusher) pruneLocked(now time.Time) {
	for pair := p.lastSent.Oldest(); pair != nil; {
		if now.Sub(pair.Value) < p.debounce {
			return
		}
		next := pair.Next()
		p.lastSent.Delete(pair.Key)
		pair = next
	}
}

func (p *MCPPusher) sendMessage(n job.Notification) {
	data := map[string]any{
		"job_type":  string(n.JobType),
		"job_id":    n.JobID,
		"message":   n.Message,
		"time":      n.Time,
		"completed": n.Completed,
	}
	if len(n.Attachment) > 0 {
		data["attachment"] = n.Attachment
	}
	p.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  mcpLevel(n.Level),
		"logger": "tidings",
		"data":   data,
	})
	slog.Debug("pushed notification to mcp clients",
		"job_type", string(n.JobType),
		"job_id", n.JobID,
		"level", string(n.Level))
}

func (p *MCPPusher) clearDebounce(ref job.Ref) {
	p.mu.Lock()
	p.lastSent.Delete(ref)
	p.mu.Unlock()
}

// mcpLevel maps a notification level to an MCP logging level.
func mcpLevel(l job.Level) string {
	switch l {
	case job.LevelDebug:
		return "debug"
	case job.LevelWarn:
		return "warning"
	case job.LevelError:
		return "error"
	default:
		return "info"
	}
}
