package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentflow/internal/models"
)

// Config holds optional collaborators for an Orchestrator.
type Config struct {
	Logger   *slog.Logger
	Observer Observer
}

// Orchestrator drives tasks through planner → coder → reviewer.
type Orchestrator struct {
	store    Store
	logger   *slog.Logger
	observer Observer
}

// New creates an orchestrator backed by s.
func New(s Store, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: s, logger: logger, observer: cfg.Observer}
}

// run is the in-memory state of one Run or Resume call.
type run struct {
	task    *models.Task
	input   *StageInput
	results []StageResult
	resumed bool
	// dryRun suppresses every store write.
	dryRun bool
}

// Run creates a task for description and executes the pipeline from the
// planner stage. The only errors returned are configuration errors detected
// before the task is created; every later failure is persisted on the task
// and reported through a failed Result.
//
// A dry run writes nothing: the task and its sessions exist only in memory.
func (o *Orchestrator) Run(ctx context.Context, description string, opts Options) (res *Result, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &run{dryRun: opts.DryRun}
	defer o.recoverRun(ctx, r, &res, &err)

	task := &models.Task{Description: description, Status: models.TaskStatusPending}
	if opts.DryRun {
		task.ID = ulid.Make().String()
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
	} else if err := o.store.CreateTask(ctx, task); err != nil {
		return o.abort(ctx, r, fmt.Errorf("create task: %w", err)), nil
	}
	r.task = task
	r.input = &StageInput{TaskID: task.ID, Description: task.Description}
	o.logger.Info("pipeline started", "task_id", task.ID, "plan_only", opts.PlanOnly, "skip_review", opts.SkipReview, "dry_run", opts.DryRun)

	return o.runStages(ctx, r, opts.stages(), opts), nil
}

// runStages executes roles strictly in order, threading each stage's output
// into the next stage's input. The first failing stage ends the run.
func (o *Orchestrator) runStages(ctx context.Context, r *run, roles []models.AgentRole, opts Options) *Result {
	exec := NewExecutor(o.store, opts.Agents, o.logger, o.observer)
	execOpts := opts.execOptions()

	for _, role := range roles {
		if !r.dryRun {
			if err := o.store.UpdateTaskStatus(ctx, r.task.ID, role.TaskStatus()); err != nil {
				return o.abort(ctx, r, fmt.Errorf("advance task to %s: %w", role.TaskStatus(), err))
			}
		}

		res := exec.RunStage(ctx, role, r.task.ID, r.input, execOpts)
		r.results = append(r.results, res)

		if !res.Success {
			if role == models.AgentRoleCoder && !r.dryRun {
				// Files the coder wrote before failing are on disk; record them
				// against the failed session.
				o.persistStageOutput(ctx, r.task.ID, res)
			}
			o.logger.Warn("stage failed", "task_id", r.task.ID, "role", string(role), "error", res.Error)
			return o.fail(ctx, r, fmt.Sprintf("%s stage failed: %s", role, res.Error))
		}

		if !opts.DryRun {
			o.persistStageOutput(ctx, r.task.ID, res)
		}
		foldResult(r.input, res, time.Now().UTC())
	}

	return o.complete(ctx, r)
}

// foldResult threads a successful stage's output into the next stage's input.
func foldResult(in *StageInput, res StageResult, at time.Time) {
	switch res.Role {
	case models.AgentRolePlanner:
		in.Plan = &PlanContext{Content: res.Content, CreatedAt: at}
	case models.AgentRoleCoder:
		in.CodeChanges = []models.ChangeSpec{}
		if res.Metadata != nil && res.Metadata.CodeChanges != nil {
			in.CodeChanges = res.Metadata.CodeChanges
		}
	}
	in.PreviousSessions = append(in.PreviousSessions, SessionSummary{
		ID:          res.SessionID,
		Role:        res.Role,
		Content:     res.Content,
		CompletedAt: at,
	})
}

// persistStageOutput stores the plan, code changes or review a stage produced.
// These writes are informational: failures are logged and the stage still counts
// as successful.
func (o *Orchestrator) persistStageOutput(ctx context.Context, taskID string, res StageResult) {
	log := o.logger.With("task_id", taskID, "session_id", res.SessionID)

	switch res.Role {
	case models.AgentRolePlanner:
		if _, err := o.store.StorePlan(ctx, taskID, res.Content); err != nil {
			log.Warn("failed to store plan", "error", err)
		}

	case models.AgentRoleCoder:
		if res.Metadata == nil {
			return
		}
		for _, c := range res.Metadata.CodeChanges {
			change := &models.CodeChange{
				TaskID:         taskID,
				AgentSessionID: res.SessionID,
				FilePath:       c.FilePath,
				ChangeType:     c.ChangeType,
				Summary:        c.Summary,
			}
			if err := o.store.RecordCodeChange(ctx, change); err != nil {
				log.Warn("failed to record code change", "file", c.FilePath, "error", err)
			}
		}

	case models.AgentRoleReviewer:
		// A verdict the reviewer did not state is never recorded as a pass.
		review := &models.Review{
			TaskID:         taskID,
			AgentSessionID: res.SessionID,
			Status:         models.ReviewStatusNeedsRevision,
			Feedback:       res.Content,
		}
		if res.Metadata != nil && res.Metadata.Review != nil {
			rm := res.Metadata.Review
			review.Status = rm.Status
			review.Feedback = rm.Feedback
			review.CriteriaMet = rm.CriteriaMet
		} else {
			log.Warn("review has no verdict, recording needs_revision")
		}
		if err := o.store.StoreReview(ctx, review); err != nil {
			log.Warn("failed to store review", "error", err)
		}
	}
}

// complete marks the task completed.
func (o *Orchestrator) complete(ctx context.Context, r *run) *Result {
	if !r.dryRun {
		if err := o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskStatusCompleted); err != nil {
			return o.abort(ctx, r, fmt.Errorf("complete task: %w", err))
		}
	}
	o.logger.Info("pipeline completed", "task_id", r.task.ID, "stages", len(r.results))
	return &Result{
		TaskID:       r.task.ID,
		Status:       StatusCompleted,
		AgentResults: r.results,
		Resumed:      r.resumed,
	}
}

// fail persists msg as the task error, marks the task failed and builds the
// failed result. Persistence errors are logged; the result is returned regardless.
func (o *Orchestrator) fail(ctx context.Context, r *run, msg string) *Result {
	res := &Result{
		Status:       StatusFailed,
		AgentResults: r.results,
		Error:        msg,
		Resumed:      r.resumed,
	}
	if r.task == nil {
		return res
	}
	res.TaskID = r.task.ID

	log := o.logger.With("task_id", r.task.ID)
	if r.dryRun {
		log.Info("dry run failed, task left unchanged", "error", msg)
		return res
	}
	if err := o.store.SetTaskError(ctx, r.task.ID, msg); err != nil {
		log.Error("failed to record task error", "error", err)
	}
	if err := o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskStatusFailed); err != nil {
		log.Error("failed to mark task failed", "error", err)
	}
	return res
}

// abort handles an unexpected error outside a stage.
func (o *Orchestrator) abort(ctx context.Context, r *run, err error) *Result {
	o.logger.Error("pipeline aborted", "error", err)
	return o.fail(ctx, r, err.Error())
}

// recoverRun converts a panic anywhere in Run or Resume into a failed result.
func (o *Orchestrator) recoverRun(ctx context.Context, r *run, res **Result, err *error) {
	if p := recover(); p != nil {
		*res = o.abort(ctx, r, fmt.Errorf("internal error: %v", p))
		*err = nil
	}
}
