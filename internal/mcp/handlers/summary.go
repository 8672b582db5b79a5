package handlers

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tidings/internal/job"
)

// GetJobSummary returns a handler that shows a job's summary document.
func GetJobSummary(r Reader) server.ToolHandlerFunc {
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

		s, ok := r.JobSummary(ctx, job.Type(jobType), jobID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No summary recorded for %s/%s", jobType, jobID)), nil
		}

		text := fmt.Sprintf("Summary of %s/%s (recorded %s)\n\n%s",
			jobType, jobID, s.Time.UTC().Format("2006-01-02 15:04:05 UTC"), s.Data)
		return mcp.NewToolResultText(text), nil
	}
}
