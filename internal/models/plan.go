package models

import "time"

// Plan is the planner stage's primary output.
type Plan struct {
	ID        string
	TaskID    string
	Content   string
	CreatedAt time.Time
}
