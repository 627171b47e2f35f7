package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/joescharf/agentflow/internal/llm"
	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// Coder asks the model for file operations and applies them to fs.
type Coder struct {
	llm       Completer
	fs        afero.Fs
	maxTokens int
}

func (c *Coder) Execute(ctx context.Context, in *pipeline.StageInput, opts pipeline.ExecOptions) (pipeline.AgentResult, error) {
	system, user := buildCodePrompt(in)
	text, err := c.llm.Complete(ctx, system, user, c.maxTokens)
	if err != nil {
		return pipeline.AgentResult{}, fmt.Errorf("code: %w", err)
	}

	var reply codeReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return failed("code: %v", err), nil
	}
	if err := validateStruct(reply); err != nil {
		return failed("code: %v", err), nil
	}

	// Every path is checked before anything touches the work dir.
	paths := make([]string, len(reply.Changes))
	for i, ch := range reply.Changes {
		p, err := cleanPath(ch.Path)
		if err != nil {
			return failed("code: %v", err), nil
		}
		paths[i] = p
	}

	specs := make([]models.ChangeSpec, 0, len(reply.Changes))
	for i, ch := range reply.Changes {
		if !opts.DryRun {
			if err := c.apply(paths[i], ch); err != nil {
				res := failed("write failed: %v", err)
				// Changes applied before the failure stay on disk.
				res.Metadata = &models.StageMetadata{CodeChanges: specs}
				return res, nil
			}
		}
		specs = append(specs, models.ChangeSpec{
			FilePath:   paths[i],
			ChangeType: models.ChangeType(ch.Type),
			Summary:    ch.Summary,
		})
	}

	return pipeline.AgentResult{
		Success:  true,
		Content:  reply.Summary,
		Metadata: &models.StageMetadata{CodeChanges: specs},
	}, nil
}

func (c *Coder) apply(p string, ch fileChange) error {
	switch models.ChangeType(ch.Type) {
	case models.ChangeTypeCreate, models.ChangeTypeEdit:
		if dir := path.Dir(p); dir != "." {
			if err := c.fs.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
		if err := afero.WriteFile(c.fs, p, []byte(ch.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	case models.ChangeTypeDelete:
		if err := c.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	return nil
}

// cleanPath normalizes a model-supplied path and rejects anything outside
// the working directory.
func cleanPath(p string) (string, error) {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path %q leaves the working directory", p)
	}
	return p, nil
}
