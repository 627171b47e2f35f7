package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// TaskReader is the read side of the state store.
type TaskReader interface {
	ListTasks(ctx context.Context, limit int) ([]*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetLatestIncompleteTask(ctx context.Context) (*models.Task, error)
	GetAgentSessionsByTask(ctx context.Context, taskID string) ([]*models.AgentSession, error)
	GetPlanForTask(ctx context.Context, taskID string) (*models.Plan, error)
	GetCodeChangesForTask(ctx context.Context, taskID string) ([]*models.CodeChange, error)
	GetReviewForTask(ctx context.Context, taskID string) (*models.Review, error)
}

// Pipeline runs and resumes tasks. *pipeline.Orchestrator implements it.
type Pipeline interface {
	Run(ctx context.Context, description string, opts pipeline.Options) (*pipeline.Result, error)
	Resume(ctx context.Context, opts pipeline.Options) (*pipeline.Result, error)
}

// Server exposes agentflow tasks as MCP tools.
type Server struct {
	store    TaskReader
	pipeline Pipeline
	agents   pipeline.Agents
	version  string
}

// NewServer creates the MCP server wrapper. p may be nil, in which case the
// run and resume tools are not registered.
func NewServer(s TaskReader, p Pipeline, agents pipeline.Agents, version string) *Server {
	return &Server{store: s, pipeline: p, agents: agents, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("agentflow", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.taskStatusTool())
	if s.pipeline != nil {
		srv.AddTool(s.runTaskTool())
		srv.AddTool(s.resumeTaskTool())
	}

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type taskOut struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTaskOut(t *models.Task) taskOut {
	return taskOut{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		Error:       t.Error,
		RetryCount:  t.RetryCount,
		CreatedAt:   t.CreatedAt,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// agentflow_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentflow_list_tasks",
		mcp.WithDescription("List pipeline tasks, newest first. Returns a JSON array with id, description, status, error and retry_count."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return (default 20)")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	tasks, err := s.store.ListTasks(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	out := make([]taskOut, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskOut(t)
	}
	return jsonResult(out)
}

// agentflow_task_status
func (s *Server) taskStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentflow_task_status",
		mcp.WithDescription("Get a task with its agent sessions, plan, code changes and review. Defaults to the most recent incomplete task."),
		mcp.WithString("task_id", mcp.Description("Task ID (default: latest incomplete task)")),
	)
	return tool, s.handleTaskStatus
}

type sessionOut struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type changeOut struct {
	FilePath   string `json:"file_path"`
	ChangeType string `json:"change_type"`
	Summary    string `json:"summary"`
}

type reviewOut struct {
	Status      string `json:"status"`
	Feedback    string `json:"feedback"`
	CriteriaMet bool   `json:"criteria_met"`
}

type taskStatusOut struct {
	Task     taskOut      `json:"task"`
	Sessions []sessionOut `json:"sessions"`
	Plan     string       `json:"plan,omitempty"`
	Changes  []changeOut  `json:"code_changes"`
	Review   *reviewOut   `json:"review,omitempty"`
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("task_id", "")

	var task *models.Task
	var err error
	if id == "" {
		task, err = s.store.GetLatestIncompleteTask(ctx)
		if err == nil && task == nil {
			return mcp.NewToolResultError("no incomplete task; pass task_id to inspect a completed task"), nil
		}
	} else {
		task, err = s.store.GetTask(ctx, id)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", err)), nil
	}

	out := taskStatusOut{Task: toTaskOut(task), Sessions: []sessionOut{}, Changes: []changeOut{}}

	// Related records are best-effort.
	if sessions, err := s.store.GetAgentSessionsByTask(ctx, task.ID); err == nil {
		for _, sess := range sessions {
			out.Sessions = append(out.Sessions, sessionOut{
				ID:          sess.ID,
				Role:        string(sess.AgentRole),
				Status:      string(sess.Status),
				Error:       sess.Error,
				StartedAt:   sess.StartedAt,
				CompletedAt: sess.CompletedAt,
			})
		}
	}
	if plan, err := s.store.GetPlanForTask(ctx, task.ID); err == nil && plan != nil {
		out.Plan = plan.Content
	}
	if changes, err := s.store.GetCodeChangesForTask(ctx, task.ID); err == nil {
		for _, c := range changes {
			out.Changes = append(out.Changes, changeOut{
				FilePath:   c.FilePath,
				ChangeType: string(c.ChangeType),
				Summary:    c.Summary,
			})
		}
	}
	if review, err := s.store.GetReviewForTask(ctx, task.ID); err == nil && review != nil {
		out.Review = &reviewOut{
			Status:      string(review.Status),
			Feedback:    review.Feedback,
			CriteriaMet: review.CriteriaMet,
		}
	}

	return jsonResult(out)
}

type resultOut struct {
	TaskID  string        `json:"task_id"`
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Resumed bool          `json:"resumed"`
	Stages  []stageOutRow `json:"stages"`
}

type stageOutRow struct {
	Role          string `json:"role"`
	SessionID     string `json:"session_id,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	Reconstructed bool   `json:"reconstructed,omitempty"`
}

func toResultOut(res *pipeline.Result) resultOut {
	out := resultOut{
		TaskID:  res.TaskID,
		Status:  string(res.Status),
		Error:   res.Error,
		Resumed: res.Resumed,
		Stages:  make([]stageOutRow, len(res.AgentResults)),
	}
	for i, r := range res.AgentResults {
		out.Stages[i] = stageOutRow{
			Role:          string(r.Role),
			SessionID:     r.SessionID,
			Success:       r.Success,
			Error:         r.Error,
			Reconstructed: r.Reconstructed,
		}
	}
	return out
}

func (s *Server) options(request mcp.CallToolRequest) pipeline.Options {
	return pipeline.Options{
		Agents:     s.agents,
		PlanOnly:   request.GetBool("plan_only", false),
		SkipReview: request.GetBool("skip_review", false),
		DryRun:     request.GetBool("dry_run", false),
	}
}

// agentflow_run_task
func (s *Server) runTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentflow_run_task",
		mcp.WithDescription("Create a task and run it through planner, coder and reviewer. Blocks until the pipeline finishes."),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the agents should build")),
		mcp.WithBoolean("plan_only", mcp.Description("Stop after the planner stage")),
		mcp.WithBoolean("skip_review", mcp.Description("Stop after the coder stage")),
		mcp.WithBoolean("dry_run", mcp.Description("Invoke agents without persisting their output or writing files")),
	)
	return tool, s.handleRunTask
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := request.RequireString("description")
	if err != nil || description == "" {
		return mcp.NewToolResultError("missing required parameter: description"), nil
	}

	res, err := s.pipeline.Run(ctx, description, s.options(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return jsonResult(toResultOut(res))
}

// agentflow_resume_task
func (s *Server) resumeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentflow_resume_task",
		mcp.WithDescription("Resume the most recent incomplete task, skipping stages that already completed."),
		mcp.WithBoolean("plan_only", mcp.Description("Stop after the planner stage")),
		mcp.WithBoolean("skip_review", mcp.Description("Stop after the coder stage")),
		mcp.WithBoolean("dry_run", mcp.Description("Invoke agents without persisting their output or writing files")),
	)
	return tool, s.handleResumeTask
}

func (s *Server) handleResumeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.pipeline.Resume(ctx, s.options(request))
	if errors.Is(err, pipeline.ErrNothingToResume) {
		return mcp.NewToolResultText(`{"status":"nothing_to_resume"}`), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return jsonResult(toResultOut(res))
}
