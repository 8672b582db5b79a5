package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tidings/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// get_job_progress: notifications of one job
	s.AddTool(
		mcp.NewTool("get_job_progress",
			mcp.WithDescription("Show the progress notifications of one background job, newest first."),
			mcp.WithString("job_type",
				mcp.Required(),
				mcp.Description("Job type, e.g. 'export'"),
			),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("Job instance identifier"),
			),
		),
		handlers.GetJobProgress(deps.Reader),
	)

	// list_job_progress: overview across jobs
	s.AddTool(
		mcp.NewTool("list_job_progress",
			mcp.WithDescription("List the progress of all recorded jobs, optionally limited to one job type."),
			mcp.WithString("job_type",
				mcp.Description("Only list jobs of this type"),
			),
			mcp.WithBoolean("gist",
				mcp.Description("Reduce each job to its newest and oldest notification"),
			),
		),
		handlers.ListJobProgress(deps.Reader),
	)

	// get_job_summary: final summary document
	s.AddTool(
		mcp.NewTool("get_job_summary",
			mcp.WithDescription("Show the summary document a job recorded when it finished."),
			mcp.WithString("job_type",
				mcp.Required(),
				mcp.Description("Job type, e.g. 'export'"),
			),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("Job instance identifier"),
			),
		),
		handlers.GetJobSummary(deps.Reader),
	)
}
