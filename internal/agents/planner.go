package agents

import (
	"context"
	"fmt"

	"github.com/joescharf/agentflow/internal/llm"
	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// Planner turns a task description into a markdown plan.
type Planner struct {
	llm       Completer
	maxTokens int
}

func (p *Planner) Execute(ctx context.Context, in *pipeline.StageInput, opts pipeline.ExecOptions) (pipeline.AgentResult, error) {
	system, user := buildPlanPrompt(in)
	text, err := p.llm.Complete(ctx, system, user, p.maxTokens)
	if err != nil {
		return pipeline.AgentResult{}, fmt.Errorf("plan: %w", err)
	}

	var reply planReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return failed("plan: %v", err), nil
	}
	if err := validateStruct(reply); err != nil {
		return failed("plan: %v", err), nil
	}

	return pipeline.AgentResult{
		Success: true,
		Content: reply.Plan,
		Metadata: &models.StageMetadata{
			Plan: &models.PlanMetadata{Steps: reply.Steps},
		},
	}, nil
}
