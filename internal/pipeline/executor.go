package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentflow/internal/models"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeError   = "error"
)

// SessionStore is the subset of Store needed for session bookkeeping.
type SessionStore interface {
	CreateAgentSession(ctx context.Context, session *models.AgentSession) error
	StartAgentSession(ctx context.Context, id string) error
	CompleteAgentSession(ctx context.Context, id string, result string, meta *models.StageMetadata) error
	FailAgentSession(ctx context.Context, id string, msg string) error
}

// Executor runs a single stage with session lifecycle bookkeeping.
type Executor struct {
	store    SessionStore
	agents   Agents
	logger   *slog.Logger
	observer Observer
}

// NewExecutor creates an executor for the given agents. logger and observer may be nil.
func NewExecutor(s SessionStore, agents Agents, logger *slog.Logger, observer Observer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, agents: agents, logger: logger, observer: observer}
}

// RunStage creates a session for role, marks it running, invokes the agent and
// records the terminal state. It never panics and never returns an error:
// every failure is recorded on the session and reported in the StageResult.
func (e *Executor) RunStage(ctx context.Context, role models.AgentRole, taskID string, in *StageInput, opts ExecOptions) StageResult {
	start := time.Now()
	res, outcome := e.runStage(ctx, role, taskID, in, opts)
	res.Role = role
	res.Duration = time.Since(start)
	if e.observer != nil {
		e.observer.ObserveStage(role, outcome, res.Duration)
	}
	return res
}

func (e *Executor) runStage(ctx context.Context, role models.AgentRole, taskID string, in *StageInput, opts ExecOptions) (StageResult, string) {
	log := e.logger.With("task_id", taskID, "role", string(role))

	sessions := e.store
	if opts.DryRun {
		sessions = dryRunSessions{}
	}

	session := &models.AgentSession{TaskID: taskID, AgentRole: role}
	if err := sessions.CreateAgentSession(ctx, session); err != nil {
		log.Error("create agent session failed", "error", err)
		return StageResult{Error: fmt.Sprintf("create %s session: %v", role, err)}, outcomeError
	}
	log = log.With("session_id", session.ID)
	opts.progress(role, models.SessionStatusPending, "session %s created", session.ID)

	if err := sessions.StartAgentSession(ctx, session.ID); err != nil {
		msg := fmt.Sprintf("start %s session: %v", role, err)
		failSession(ctx, sessions, log, session.ID, msg)
		return StageResult{SessionID: session.ID, Error: msg}, outcomeError
	}
	opts.progress(role, models.SessionStatusRunning, "%s running", role)
	log.Debug("agent session running")

	out, err := e.invoke(ctx, role, in, opts)
	if err != nil {
		msg := err.Error()
		failSession(ctx, sessions, log, session.ID, msg)
		opts.progress(role, models.SessionStatusFailed, "%s failed: %s", role, msg)
		return StageResult{SessionID: session.ID, Error: msg}, outcomeError
	}

	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("%s reported failure", role)
		}
		failSession(ctx, sessions, log, session.ID, msg)
		opts.progress(role, models.SessionStatusFailed, "%s failed: %s", role, msg)
		return StageResult{SessionID: session.ID, Content: out.Content, Error: msg, Metadata: out.Metadata}, outcomeFailure
	}

	// Resume relies on this write to skip the stage, so a stage whose
	// completion cannot be recorded is not treated as done.
	if err := sessions.CompleteAgentSession(ctx, session.ID, out.Content, out.Metadata); err != nil {
		msg := fmt.Sprintf("record %s completion: %v", role, err)
		failSession(ctx, sessions, log, session.ID, msg)
		return StageResult{SessionID: session.ID, Content: out.Content, Error: msg, Metadata: out.Metadata}, outcomeError
	}
	opts.progress(role, models.SessionStatusCompleted, "%s completed", role)
	log.Debug("agent session completed", "dry_run", opts.DryRun)

	return StageResult{
		SessionID: session.ID,
		Success:   true,
		Content:   out.Content,
		Metadata:  out.Metadata,
	}, outcomeSuccess
}

// invoke calls the role's agent, converting a panic into an error.
func (e *Executor) invoke(ctx context.Context, role models.AgentRole, in *StageInput, opts ExecOptions) (out AgentResult, err error) {
	agent := e.agents.For(role)
	if agent == nil {
		return AgentResult{}, fmt.Errorf("%w: %s", ErrMissingAgent, role)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out = AgentResult{}
			err = fmt.Errorf("%s agent panicked: %v", role, r)
		}
	}()

	out, err = agent.Execute(ctx, in, opts)
	if err != nil {
		return AgentResult{}, fmt.Errorf("%s agent: %w", role, err)
	}
	return out, nil
}

// failSession records msg on the session. A failing write is logged only; the
// stage is already being reported as failed.
func failSession(ctx context.Context, s SessionStore, log *slog.Logger, sessionID, msg string) {
	if err := s.FailAgentSession(ctx, sessionID, msg); err != nil {
		log.Warn("failed to record session failure", "error", err)
	}
}

// dryRunSessions stands in for the store during a dry run. Sessions get an
// in-memory ID and nothing is written.
type dryRunSessions struct{}

func (dryRunSessions) CreateAgentSession(_ context.Context, session *models.AgentSession) error {
	session.ID = ulid.Make().String()
	session.Status = models.SessionStatusPending
	session.StartedAt = time.Now().UTC()
	return nil
}

func (dryRunSessions) StartAgentSession(context.Context, string) error { return nil }

func (dryRunSessions) CompleteAgentSession(context.Context, string, string, *models.StageMetadata) error {
	return nil
}

func (dryRunSessions) FailAgentSession(context.Context, string, string) error { return nil }
