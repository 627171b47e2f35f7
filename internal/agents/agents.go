// Package agents provides the LLM-backed planner, coder and reviewer invokers.
package agents

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// Completer is the LLM surface the agents need. *llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Settings configure every agent.
type Settings struct {
	MaxTokens int    `validate:"min=256,max=64000"`
	WorkDir   string `validate:"required"`
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("agent settings: %w", err)
	}
	return nil
}

// New returns the invoker for role. fs is where the coder applies file
// changes; when nil, the coder writes under s.WorkDir on disk.
func New(role models.AgentRole, c Completer, fs afero.Fs, s Settings) (pipeline.Invoker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), s.WorkDir)
	}
	switch role {
	case models.AgentRolePlanner:
		return &Planner{llm: c, maxTokens: s.MaxTokens}, nil
	case models.AgentRoleCoder:
		return &Coder{llm: c, fs: fs, maxTokens: s.MaxTokens}, nil
	case models.AgentRoleReviewer:
		return &Reviewer{llm: c, maxTokens: s.MaxTokens}, nil
	}
	return nil, fmt.Errorf("unknown agent role %q", role)
}

// All builds invokers for every role.
func All(c Completer, fs afero.Fs, s Settings) (pipeline.Agents, error) {
	var a pipeline.Agents
	for _, role := range models.Roles() {
		inv, err := New(role, c, fs, s)
		if err != nil {
			return pipeline.Agents{}, err
		}
		switch role {
		case models.AgentRolePlanner:
			a.Planner = inv
		case models.AgentRoleCoder:
			a.Coder = inv
		case models.AgentRoleReviewer:
			a.Reviewer = inv
		}
	}
	return a, nil
}

// failed turns an error into a reported failure.
func failed(format string, a ...any) pipeline.AgentResult {
	return pipeline.AgentResult{Success: false, Error: fmt.Sprintf(format, a...)}
}
