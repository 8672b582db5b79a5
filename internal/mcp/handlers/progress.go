package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tidings/internal/job"
)

// Reader is the subset of the notifier the MCP tools need.
type Reader interface {
	NotificationsByJobID(ctx context.Context, jobType job.Type, jobID string) []job.Notification
	NotificationsByJobType(ctx context.Context, jobType job.Type, gist bool) map[string][]job.Notification
	Notifications(ctx context.Context, gist bool) map[job.Type]map[string][]job.Notification
	Overview(ctx context.Context) map[job.Type]map[string][]job.Notification
	JobSummary(ctx context.Context, jobType job.Type, jobID string) (job.Summary, bool)
}

// GetJobProgress returns a handler that shows one job's notifications,
// newest first.
func GetJobProgress(r Reader) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		jobType, _ := args["job_type"].(string)
		if jobType == "" {
			return mcp.NewToolResultError("job_type is required"), nil
		}
		jobID, _ := args["job_id"].(string)
		if jobID == "" {
			return mcp.NewToolResultError("job_id is required"), nil
		}

		notes := r.NotificationsByJobID(ctx, job.Type(jobType), jobID)
		if len(notes) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No notifications for %s/%s.", jobType, jobID)), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Job %s/%s (%d notifications, newest first)\n\n", jobType, jobID, len(notes))
		writeNotes(&b, notes, "")
		return mcp.NewToolResultText(b.String()), nil
	}
}

// ListJobProgress returns a handler that lists the progress of every job,
// optionally limited to one type. Without an explicit gist argument the
// full-store listing follows the configured overview mode.
func ListJobProgress(r Reader) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		gist, gistSet := args["gist"].(bool)
		jobType, _ := args["job_type"].(string)

		var byType map[job.Type]map[string][]job.Notification
		switch {
		case jobType != "":
			byJob := r.NotificationsByJobType(ctx, job.Type(jobType), gist)
			byType = map[job.Type]map[string][]job.Notification{}
			if len(byJob) > 0 {
				byType[job.Type(jobType)] = byJob
			}
		case gistSet:
			byType = r.Notifications(ctx, gist)
		default:
			byType = r.Overview(ctx)
		}

		if len(byType) == 0 {
			return mcp.NewToolResultText("No job progress recorded."), nil
		}

		var b strings.Builder
		for _, t := range sortedKeys(byType) {
			fmt.Fprintf(&b, "## %s\n", t)
			byJob := byType[t]
			for _, id := range sortedKeys(byJob) {
				notes := byJob[id]
				state := "running"
				if len(notes) > 0 && notes[0].Completed {
					state = "completed"
				}
				fmt.Fprintf(&b, "- %s (%s)\n", id, state)
				writeNotes(&b, notes, "    ")
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func writeNotes(b *strings.Builder, notes []job.Notification, indent string) {
	for _, n := range notes {
		fmt.Fprintf(b, "%s%s %-5s %s", indent, n.Time.UTC().Format(time.RFC3339), n.Level, n.Message)
		if n.Completed {
			b.WriteString(" [completed]")
		}
		if len(n.Attachment) > 0 {
			fmt.Fprintf(b, " %s", n.Attachment)
		}
		b.WriteString("\n")
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
