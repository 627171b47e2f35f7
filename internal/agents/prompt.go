package agents

import (
	"fmt"
	"strings"

	"github.com/joescharf/agentflow/internal/pipeline"
)

const plannerSystem = `You are the planning agent in a plan, implement, review pipeline. Given a task description, produce an implementation plan. Return ONLY a JSON object with these fields:
- "summary": one sentence describing the goal
- "steps": ordered list of concrete implementation steps
- "plan": the full plan as markdown, starting with a "# Plan" heading

Rules:
- Steps must be small enough for one developer to complete in order
- Mention files or areas likely affected when you can infer them
- Return valid JSON only, no markdown fencing or explanation`

const coderSystem = `You are the coding agent in a plan, implement, review pipeline. Implement the plan for the task. Return ONLY a JSON object with these fields:
- "summary": what you changed, in one or two sentences
- "changes": list of file operations, each with:
  - "path": file path relative to the repository root
  - "type": one of "create", "edit", "delete"
  - "summary": one line describing the change
  - "content": the complete new file content (empty for "delete")

Rules:
- Paths must be relative and must not leave the repository root
- For "edit", return the whole file, not a diff
- Return valid JSON only, no markdown fencing or explanation`

const reviewerSystem = `You are the review agent in a plan, implement, review pipeline. Check the code changes against the task and the plan. Return ONLY a JSON object with these fields:
- "status": one of "passed", "failed", "needs_revision"
- "criteria_met": true when the task's acceptance criteria are satisfied
- "feedback": short overall feedback
- "issues": list of concrete problems found (empty list when none)

Rules:
- Use "needs_revision" for fixable problems and "failed" when the approach is wrong
- Return valid JSON only, no markdown fencing or explanation`

// writeTask writes the task header shared by every prompt.
func writeTask(sb *strings.Builder, in *pipeline.StageInput) {
	sb.WriteString("Task: ")
	sb.WriteString(in.Description)
	sb.WriteString("\n")
}

func writePlan(sb *strings.Builder, in *pipeline.StageInput) {
	if in.Plan == nil {
		return
	}
	sb.WriteString("\nPlan:\n")
	sb.WriteString(in.Plan.Content)
	sb.WriteString("\n")
}

func writeHistory(sb *strings.Builder, in *pipeline.StageInput) {
	if len(in.PreviousSessions) == 0 {
		return
	}
	sb.WriteString("\nEarlier stages:\n")
	for _, s := range in.PreviousSessions {
		fmt.Fprintf(sb, "- %s (session %s)\n", s.Role, s.ID)
	}
}

func buildPlanPrompt(in *pipeline.StageInput) (system string, user string) {
	var sb strings.Builder
	writeTask(&sb, in)
	return plannerSystem, sb.String()
}

func buildCodePrompt(in *pipeline.StageInput) (system string, user string) {
	var sb strings.Builder
	writeTask(&sb, in)
	writePlan(&sb, in)
	writeHistory(&sb, in)
	return coderSystem, sb.String()
}

func buildReviewPrompt(in *pipeline.StageInput) (system string, user string) {
	var sb strings.Builder
	writeTask(&sb, in)
	writePlan(&sb, in)

	sb.WriteString("\nCode changes:\n")
	if len(in.CodeChanges) == 0 {
		sb.WriteString("(none reported)\n")
	}
	for _, c := range in.CodeChanges {
		fmt.Fprintf(&sb, "- %s %s", c.ChangeType, c.FilePath)
		if c.Summary != "" {
			sb.WriteString(": ")
			sb.WriteString(c.Summary)
		}
		sb.WriteString("\n")
	}
	writeHistory(&sb, in)
	return reviewerSystem, sb.String()
}
