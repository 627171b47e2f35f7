package models

// StageMetadata is the structured part of an agent's result. Only the field
// matching the agent's role is normally set.
type StageMetadata struct {
	Plan        *PlanMetadata   `json:"plan,omitempty"`
	CodeChanges []ChangeSpec    `json:"codeChanges,omitempty"`
	Review      *ReviewMetadata `json:"review,omitempty"`
}

// PlanMetadata holds the planner's step breakdown.
type PlanMetadata struct {
	Steps []string `json:"steps"`
}

// ChangeSpec is a code change as reported by the coder, before it is persisted.
type ChangeSpec struct {
	FilePath   string     `json:"filePath"`
	ChangeType ChangeType `json:"changeType"`
	Summary    string     `json:"summary"`
}

// ReviewMetadata is the reviewer's structured verdict.
type ReviewMetadata struct {
	Status      ReviewStatus `json:"status"`
	CriteriaMet bool         `json:"criteriaMet"`
	Feedback    string       `json:"feedback"`
	Issues      []string     `json:"issues"`
}
