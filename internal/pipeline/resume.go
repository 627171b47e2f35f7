package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/joescharf/agentflow/internal/models"
)

// Resume continues the most recently created task that is not completed.
// Roles with a completed session are skipped and their results folded back
// into the stage input; every other role in the run's stage list is executed
// again with a fresh session. Returns ErrNothingToResume when there is no
// incomplete task.
//
// A dry run leaves the task record untouched, so the task stays resumable.
func (o *Orchestrator) Resume(ctx context.Context, opts Options) (res *Result, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &run{resumed: true, dryRun: opts.DryRun}
	defer o.recoverRun(ctx, r, &res, &err)

	task, err := o.store.GetLatestIncompleteTask(ctx)
	if err != nil {
		return o.abort(ctx, r, fmt.Errorf("find incomplete task: %w", err)), nil
	}
	if task == nil {
		return nil, ErrNothingToResume
	}
	r.task = task
	r.input = &StageInput{TaskID: task.ID, Description: task.Description}
	log := o.logger.With("task_id", task.ID)

	if !r.dryRun && (task.Error != "" || task.Status == models.TaskStatusFailed) {
		if err := o.store.ClearTaskError(ctx, task.ID); err != nil {
			return o.abort(ctx, r, fmt.Errorf("clear task error: %w", err)), nil
		}
		log.Info("cleared previous task error", "error", task.Error, "retry_count", task.RetryCount)
	}

	sessions, err := o.store.GetAgentSessionsByTask(ctx, task.ID)
	if err != nil {
		return o.abort(ctx, r, fmt.Errorf("load sessions: %w", err)), nil
	}

	done, err := o.reconstruct(ctx, r, sessions)
	if err != nil {
		return o.abort(ctx, r, err), nil
	}

	remaining := remainingStages(opts.stages(), done)
	log.Info("resuming pipeline", "completed_stages", len(r.results), "remaining_stages", len(remaining))
	if len(remaining) == 0 {
		return o.complete(ctx, r), nil
	}

	return o.runStages(ctx, r, remaining, opts), nil
}

// latestCompleted returns, per role, the most recently started session that
// completed. Pending, running and failed sessions are ignored.
func latestCompleted(sessions []*models.AgentSession) map[models.AgentRole]*models.AgentSession {
	sorted := make([]*models.AgentSession, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	done := make(map[models.AgentRole]*models.AgentSession)
	for _, s := range sorted {
		if s.Succeeded() {
			done[s.AgentRole] = s
		}
	}
	return done
}

// reconstruct folds completed sessions, in role order, into the run's input and
// results. It returns the set of roles that need no further work.
func (o *Orchestrator) reconstruct(ctx context.Context, r *run, sessions []*models.AgentSession) (map[models.AgentRole]bool, error) {
	completed := latestCompleted(sessions)
	done := make(map[models.AgentRole]bool, len(completed))

	for _, role := range models.Roles() {
		s, ok := completed[role]
		if !ok {
			continue
		}

		meta := s.Metadata
		if role == models.AgentRoleCoder && (meta == nil || meta.CodeChanges == nil) {
			changes, err := o.sessionCodeChanges(ctx, r.task.ID, s.ID)
			if err != nil {
				return nil, err
			}
			if meta == nil {
				meta = &models.StageMetadata{}
			} else {
				m := *meta
				meta = &m
			}
			meta.CodeChanges = changes
		}

		res := StageResult{
			Role:          role,
			SessionID:     s.ID,
			Success:       true,
			Content:       s.Result,
			Metadata:      meta,
			Reconstructed: true,
		}
		at := s.StartedAt
		if s.CompletedAt != nil {
			at = *s.CompletedAt
		}
		foldResult(r.input, res, at)
		r.results = append(r.results, res)
		done[role] = true
	}
	return done, nil
}

// sessionCodeChanges loads the persisted code changes linked to a coder session.
func (o *Orchestrator) sessionCodeChanges(ctx context.Context, taskID, sessionID string) ([]models.ChangeSpec, error) {
	records, err := o.store.GetCodeChangesForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load code changes: %w", err)
	}
	specs := []models.ChangeSpec{}
	for _, c := range records {
		if c.AgentSessionID != sessionID {
			continue
		}
		specs = append(specs, models.ChangeSpec{
			FilePath:   c.FilePath,
			ChangeType: c.ChangeType,
			Summary:    c.Summary,
		})
	}
	return specs, nil
}

// remainingStages returns the roles in stages that are not done, in order.
func remainingStages(stages []models.AgentRole, done map[models.AgentRole]bool) []models.AgentRole {
	var remaining []models.AgentRole
	for _, role := range stages {
		if !done[role] {
			remaining = append(remaining, role)
		}
	}
	return remaining
}
