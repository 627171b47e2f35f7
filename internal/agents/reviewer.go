package agents

import (
	"context"
	"fmt"

	"github.com/joescharf/agentflow/internal/llm"
	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// Reviewer checks the reported code changes against the task and plan.
//
// A review that does not pass is still a successful stage: the verdict is
// recorded on the review, not on the session.
type Reviewer struct {
	llm       Completer
	maxTokens int
}

func (r *Reviewer) Execute(ctx context.Context, in *pipeline.StageInput, opts pipeline.ExecOptions) (pipeline.AgentResult, error) {
	system, user := buildReviewPrompt(in)
	text, err := r.llm.Complete(ctx, system, user, r.maxTokens)
	if err != nil {
		return pipeline.AgentResult{}, fmt.Errorf("review: %w", err)
	}

	var reply reviewReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return failed("review: %v", err), nil
	}
	if err := validateStruct(reply); err != nil {
		return failed("review: %v", err), nil
	}
	if reply.Issues == nil {
		reply.Issues = []string{}
	}

	content := reply.Feedback
	if content == "" {
		content = reply.Status
	}
	return pipeline.AgentResult{
		Success: true,
		Content: content,
		Metadata: &models.StageMetadata{
			Review: &models.ReviewMetadata{
				Status:      models.ReviewStatus(reply.Status),
				CriteriaMet: reply.CriteriaMet,
				Feedback:    reply.Feedback,
				Issues:      reply.Issues,
			},
		},
	}, nil
}
