package store

import (
	"context"

	"github.com/joescharf/agentflow/internal/models"
)

// Store defines the persistence interface for agentflow.
//
// Lookups that may legitimately find nothing (latest incomplete task, plan,
// review) return a nil record and a nil error. Lookups by ID return an error
// when the record does not exist.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetLatestIncompleteTask(ctx context.Context) (*models.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetTaskError(ctx context.Context, id string, msg string) error
	ClearTaskError(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	// Agent Sessions
	CreateAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
	GetAgentSessionsByTask(ctx context.Context, taskID string) ([]*models.AgentSession, error)
	StartAgentSession(ctx context.Context, id string) error
	CompleteAgentSession(ctx context.Context, id string, result string, meta *models.StageMetadata) error
	FailAgentSession(ctx context.Context, id string, msg string) error

	// Plans
	StorePlan(ctx context.Context, taskID, content string) (string, error)
	GetPlanForTask(ctx context.Context, taskID string) (*models.Plan, error)

	// Code Changes
	RecordCodeChange(ctx context.Context, change *models.CodeChange) error
	GetCodeChangesForTask(ctx context.Context, taskID string) ([]*models.CodeChange, error)

	// Reviews
	StoreReview(ctx context.Context, review *models.Review) error
	GetReviewForTask(ctx context.Context, taskID string) (*models.Review, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
