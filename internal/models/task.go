package models

import "time"

// TaskStatus represents where a task is in the plan → code → review pipeline.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusCoding    TaskStatus = "coding"
	TaskStatusReviewing TaskStatus = "reviewing"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is the root record of a pipeline run.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	Error       string // last stage or pipeline error, empty when cleared
	RetryCount  int    // incremented on every recorded error
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
