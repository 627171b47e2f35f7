package models

import "time"

// AgentRole names the agent that runs a pipeline stage.
type AgentRole string

const (
	AgentRolePlanner  AgentRole = "planner"
	AgentRoleCoder    AgentRole = "coder"
	AgentRoleReviewer AgentRole = "reviewer"
)

// Roles returns every role in pipeline order.
func Roles() []AgentRole {
	return []AgentRole{AgentRolePlanner, AgentRoleCoder, AgentRoleReviewer}
}

// Valid reports whether r is one of the known roles.
func (r AgentRole) Valid() bool {
	switch r {
	case AgentRolePlanner, AgentRoleCoder, AgentRoleReviewer:
		return true
	}
	return false
}

// TaskStatus returns the task status that is active while this role runs.
func (r AgentRole) TaskStatus() TaskStatus {
	switch r {
	case AgentRolePlanner:
		return TaskStatusPlanning
	case AgentRoleCoder:
		return TaskStatusCoding
	case AgentRoleReviewer:
		return TaskStatusReviewing
	}
	return TaskStatusPending
}

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// AgentSession records one attempt at running a stage for a task.
type AgentSession struct {
	ID          string
	TaskID      string
	AgentRole   AgentRole
	Status      SessionStatus
	Result      string
	Metadata    *StageMetadata
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Succeeded reports whether the session completed with a result.
func (s *AgentSession) Succeeded() bool {
	return s.Status == SessionStatusCompleted
}
