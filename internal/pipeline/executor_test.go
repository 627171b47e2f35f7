package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentflow/internal/models"
)

func TestRunStage_Success(t *testing.T) {
	ms := newMemStore()
	planner, _, _ := happyAgents()
	obs := &stageObserver{}
	exec := NewExecutor(ms, Agents{Planner: planner}, nil, obs)

	var progress []models.SessionStatus
	opts := ExecOptions{Progress: func(_ models.AgentRole, status models.SessionStatus, _ string) {
		progress = append(progress, status)
	}}

	in := &StageInput{TaskID: "task-1", Description: "add a health check endpoint"}
	res := exec.RunStage(context.Background(), models.AgentRolePlanner, "task-1", in, opts)

	require.True(t, res.Success)
	assert.Equal(t, models.AgentRolePlanner, res.Role)
	assert.Equal(t, "# Plan\n1. add endpoint", res.Content)
	assert.NotEmpty(t, res.SessionID)
	assert.False(t, res.Reconstructed)

	assert.Equal(t, []string{
		"CreateAgentSession:planner",
		"StartAgentSession",
		"CompleteAgentSession",
	}, ms.calls)

	sess := ms.sessions[res.SessionID]
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "# Plan\n1. add endpoint", sess.Result)
	require.NotNil(t, sess.Metadata)
	assert.Equal(t, []string{"add endpoint"}, sess.Metadata.Plan.Steps)
	assert.NotNil(t, sess.CompletedAt)

	assert.Equal(t, []models.SessionStatus{
		models.SessionStatusPending,
		models.SessionStatusRunning,
		models.SessionStatusCompleted,
	}, progress)
	assert.Equal(t, []string{"planner:success"}, obs.outcomes)
	assert.Equal(t, 1, planner.calls)
}

func TestRunStage_ReportedFailure(t *testing.T) {
	ms := newMemStore()
	coder := &fakeAgent{result: AgentResult{Success: false, Error: "write failed"}}
	obs := &stageObserver{}
	exec := NewExecutor(ms, Agents{Coder: coder}, nil, obs)

	res := exec.RunStage(context.Background(), models.AgentRoleCoder, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Equal(t, "write failed", res.Error)
	sess := ms.sessions[res.SessionID]
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Equal(t, "write failed", sess.Error)
	assert.Equal(t, 0, ms.countCalls("CompleteAgentSession"))
	assert.Equal(t, []string{"coder:failure"}, obs.outcomes)
}

func TestRunStage_ReportedFailureWithoutMessage(t *testing.T) {
	ms := newMemStore()
	reviewer := &fakeAgent{result: AgentResult{Success: false}}
	exec := NewExecutor(ms, Agents{Reviewer: reviewer}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRoleReviewer, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Equal(t, "reviewer reported failure", res.Error)
}

func TestRunStage_AgentError(t *testing.T) {
	ms := newMemStore()
	coder := &fakeAgent{err: errors.New("model unavailable")}
	obs := &stageObserver{}
	exec := NewExecutor(ms, Agents{Coder: coder}, nil, obs)

	res := exec.RunStage(context.Background(), models.AgentRoleCoder, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "model unavailable")
	assert.Equal(t, models.SessionStatusFailed, ms.sessions[res.SessionID].Status)
	assert.Contains(t, ms.sessions[res.SessionID].Error, "model unavailable")
	assert.Equal(t, []string{"coder:error"}, obs.outcomes)
}

func TestRunStage_AgentPanic(t *testing.T) {
	ms := newMemStore()
	planner := &fakeAgent{panic: "nil map write"}
	exec := NewExecutor(ms, Agents{Planner: planner}, nil, nil)

	var res StageResult
	require.NotPanics(t, func() {
		res = exec.RunStage(context.Background(), models.AgentRolePlanner, "task-1", &StageInput{}, ExecOptions{})
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
	assert.Contains(t, res.Error, "nil map write")
	assert.Equal(t, models.SessionStatusFailed, ms.sessions[res.SessionID].Status)
}

func TestRunStage_Timeout(t *testing.T) {
	ms := newMemStore()
	coder := &fakeAgent{block: true}
	exec := NewExecutor(ms, Agents{Coder: coder}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRoleCoder, "task-1", &StageInput{}, ExecOptions{Timeout: 10 * time.Millisecond})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, models.SessionStatusFailed, ms.sessions[res.SessionID].Status)
}

func TestRunStage_CreateSessionFails(t *testing.T) {
	ms := newMemStore()
	ms.createSessionErr = errors.New("disk full")
	planner, _, _ := happyAgents()
	obs := &stageObserver{}
	exec := NewExecutor(ms, Agents{Planner: planner}, nil, obs)

	res := exec.RunStage(context.Background(), models.AgentRolePlanner, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Empty(t, res.SessionID)
	assert.Contains(t, res.Error, "disk full")
	assert.Equal(t, 0, planner.calls, "agent must not run without a session")
	assert.Equal(t, []string{"planner:error"}, obs.outcomes)
}

func TestRunStage_CompletionWriteFails(t *testing.T) {
	ms := newMemStore()
	ms.completeSessionErr = errors.New("locked")
	planner, _, _ := happyAgents()
	exec := NewExecutor(ms, Agents{Planner: planner}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRolePlanner, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "locked")
	assert.Equal(t, models.SessionStatusFailed, ms.sessions[res.SessionID].Status)
}

func TestRunStage_DryRunWritesNothing(t *testing.T) {
	ms := newMemStore()
	planner, _, _ := happyAgents()
	var statuses []models.SessionStatus
	exec := NewExecutor(ms, Agents{Planner: planner}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRolePlanner, "task-1", &StageInput{}, ExecOptions{
		DryRun:   true,
		Progress: func(_ models.AgentRole, status models.SessionStatus, _ string) {
			statuses = append(statuses, status)
		},
	})

	assert.True(t, res.Success)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, planner.calls)
	assert.True(t, planner.opts[0].DryRun)
	assert.Empty(t, ms.calls)
	assert.Empty(t, ms.sessions)
	assert.Equal(t, []models.SessionStatus{
		models.SessionStatusPending, models.SessionStatusRunning, models.SessionStatusCompleted,
	}, statuses)
}

func TestRunStage_DryRunFailureWritesNothing(t *testing.T) {
	ms := newMemStore()
	_, coder, _ := happyAgents()
	coder.result = AgentResult{Success: false, Error: "write failed"}
	exec := NewExecutor(ms, Agents{Coder: coder}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRoleCoder, "task-1", &StageInput{}, ExecOptions{DryRun: true})

	assert.False(t, res.Success)
	assert.Equal(t, "write failed", res.Error)
	assert.Empty(t, ms.calls)
}

func TestRunStage_MissingAgent(t *testing.T) {
	ms := newMemStore()
	exec := NewExecutor(ms, Agents{}, nil, nil)

	res := exec.RunStage(context.Background(), models.AgentRoleReviewer, "task-1", &StageInput{}, ExecOptions{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrMissingAgent.Error())
	assert.Equal(t, models.SessionStatusFailed, ms.sessions[res.SessionID].Status)
}
