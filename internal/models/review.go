package models

import "time"

// ReviewStatus is the reviewer's verdict.
type ReviewStatus string

const (
	ReviewStatusPassed        ReviewStatus = "passed"
	ReviewStatusFailed        ReviewStatus = "failed"
	ReviewStatusNeedsRevision ReviewStatus = "needs_revision"
)

// Review records the reviewer stage's verdict for a task.
type Review struct {
	ID             string
	TaskID         string
	AgentSessionID string
	Status         ReviewStatus
	Feedback       string
	CriteriaMet    bool
	CreatedAt      time.Time
}
