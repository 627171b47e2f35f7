// Package pipeline sequences the planner, coder and reviewer agents for a task,
// persists every stage attempt, and resumes an interrupted task from its
// session history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/agentflow/internal/models"
)

var (
	// ErrMissingAgent is returned before any state is created when a required
	// agent is not configured.
	ErrMissingAgent = errors.New("missing required agent")

	// ErrNothingToResume is returned by Resume when every task is completed.
	ErrNothingToResume = errors.New("no incomplete task to resume")
)

// Store is the subset of store.Store the pipeline needs.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetLatestIncompleteTask(ctx context.Context) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetTaskError(ctx context.Context, id string, msg string) error
	ClearTaskError(ctx context.Context, id string) error

	CreateAgentSession(ctx context.Context, session *models.AgentSession) error
	StartAgentSession(ctx context.Context, id string) error
	CompleteAgentSession(ctx context.Context, id string, result string, meta *models.StageMetadata) error
	FailAgentSession(ctx context.Context, id string, msg string) error
	GetAgentSessionsByTask(ctx context.Context, taskID string) ([]*models.AgentSession, error)

	StorePlan(ctx context.Context, taskID, content string) (string, error)
	RecordCodeChange(ctx context.Context, change *models.CodeChange) error
	GetCodeChangesForTask(ctx context.Context, taskID string) ([]*models.CodeChange, error)
	StoreReview(ctx context.Context, review *models.Review) error
}

// Invoker runs one agent role against the accumulated stage input.
//
// A reported failure (Success false) and a returned error are handled the
// same way by the executor; the error return is for failures the agent could
// not turn into a result.
type Invoker interface {
	Execute(ctx context.Context, in *StageInput, opts ExecOptions) (AgentResult, error)
}

// AgentResult is what an Invoker hands back.
type AgentResult struct {
	Success  bool
	Content  string
	Error    string
	Metadata *models.StageMetadata
}

// PlanContext is the plan threaded into the coder and reviewer stages.
type PlanContext struct {
	Content   string
	CreatedAt time.Time
}

// SessionSummary describes a completed earlier stage for informational context.
type SessionSummary struct {
	ID          string
	Role        models.AgentRole
	Content     string
	CompletedAt time.Time
}

// StageInput is the bundle passed into a stage: the task, the plan and code
// changes accumulated so far, and summaries of the sessions that produced them.
type StageInput struct {
	TaskID           string
	Description      string
	Plan             *PlanContext
	CodeChanges      []models.ChangeSpec
	PreviousSessions []SessionSummary
}

// ProgressFunc receives stage transitions.
type ProgressFunc func(role models.AgentRole, status models.SessionStatus, message string)

// ExecOptions tune a single stage execution.
type ExecOptions struct {
	Progress ProgressFunc
	// DryRun invokes the agent without writing to the store: the session gets
	// an in-memory ID and plan, code change and review persistence is skipped.
	DryRun  bool
	Timeout time.Duration
}

func (o ExecOptions) progress(role models.AgentRole, status models.SessionStatus, format string, a ...any) {
	if o.Progress != nil {
		o.Progress(role, status, fmt.Sprintf(format, a...))
	}
}

// StageResult is the uniform outcome of one stage, whether the failure came
// from the agent or from the executor containing an error.
type StageResult struct {
	Role      models.AgentRole
	SessionID string
	Success   bool
	Content   string
	Error     string
	Metadata  *models.StageMetadata
	Duration  time.Duration
	// Reconstructed marks results rebuilt from session history on resume.
	Reconstructed bool
}

// Agents holds one invoker per role.
type Agents struct {
	Planner  Invoker
	Coder    Invoker
	Reviewer Invoker
}

// For returns the invoker configured for role, or nil.
func (a Agents) For(role models.AgentRole) Invoker {
	switch role {
	case models.AgentRolePlanner:
		return a.Planner
	case models.AgentRoleCoder:
		return a.Coder
	case models.AgentRoleReviewer:
		return a.Reviewer
	}
	return nil
}

// Options configure a Run or Resume call.
type Options struct {
	Agents     Agents
	PlanOnly   bool
	SkipReview bool
	DryRun     bool
	Timeout    time.Duration
	Progress   ProgressFunc
}

// validate checks that every agent the run could need is present.
func (o Options) validate() error {
	if o.Agents.Planner == nil {
		return fmt.Errorf("%w: planner", ErrMissingAgent)
	}
	if o.Agents.Coder == nil {
		return fmt.Errorf("%w: coder", ErrMissingAgent)
	}
	if o.Agents.Reviewer == nil && !o.SkipReview && !o.PlanOnly {
		return fmt.Errorf("%w: reviewer (use skip-review to run without one)", ErrMissingAgent)
	}
	return nil
}

// stages returns the roles this run covers, in pipeline order.
func (o Options) stages() []models.AgentRole {
	switch {
	case o.PlanOnly:
		return []models.AgentRole{models.AgentRolePlanner}
	case o.SkipReview:
		return []models.AgentRole{models.AgentRolePlanner, models.AgentRoleCoder}
	}
	return models.Roles()
}

func (o Options) execOptions() ExecOptions {
	return ExecOptions{Progress: o.Progress, DryRun: o.DryRun, Timeout: o.Timeout}
}

// Status is the overall outcome of a pipeline call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is returned by Run and Resume.
type Result struct {
	TaskID       string
	Status       Status
	AgentResults []StageResult
	Error        string
	Resumed      bool
}

// Observer is notified after every stage. Outcome is "success", "failure"
// (agent reported failure) or "error" (failure contained by the executor).
type Observer interface {
	ObserveStage(role models.AgentRole, outcome string, d time.Duration)
}
