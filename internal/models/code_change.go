package models

import "time"

// ChangeType is the kind of file mutation the coder performed.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeEdit   ChangeType = "edit"
	ChangeTypeDelete ChangeType = "delete"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	return c == ChangeTypeCreate || c == ChangeTypeEdit || c == ChangeTypeDelete
}

// CodeChange records one file touched by a coder session.
type CodeChange struct {
	ID             string
	TaskID         string
	AgentSessionID string
	FilePath       string
	ChangeType     ChangeType
	Summary        string
	CreatedAt      time.Time
}
