package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentflow/internal/pipeline"
)

var (
	resumePlanOnly   bool
	resumeSkipReview bool
	resumeTimeout    time.Duration
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the most recent incomplete task",
	Long: `Resume the most recently created task that has not completed.

Stages with a completed session are skipped and their output is handed to
the remaining stages. Failed or interrupted stages run again in a new session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeRun()
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumePlanOnly, "plan-only", false, "Stop after the planner stage")
	resumeCmd.Flags().BoolVar(&resumeSkipReview, "skip-review", false, "Stop after the coder stage")
	resumeCmd.Flags().DurationVar(&resumeTimeout, "timeout", 0, "Per-stage timeout (default from agent.timeout)")
	rootCmd.AddCommand(resumeCmd)
}

func resumeRun() error {
	a, err := newAgentsFunc()
	if err != nil {
		return err
	}
	orch, rec, err := newOrchestrator()
	if err != nil {
		return err
	}

	release, err := acquireRunLock()
	if err != nil {
		return err
	}
	defer release()

	ui.DryRunMsg("Agents will run but nothing is persisted and no files are written")

	res, err := orch.Resume(context.Background(), pipelineOptions(a, resumePlanOnly, resumeSkipReview, resumeTimeout))
	if errors.Is(err, pipeline.ErrNothingToResume) {
		ui.Info("Nothing to resume: every task is completed.")
		return nil
	}
	if err != nil {
		return err
	}

	ui.VerboseLog("Resumed task %s", res.TaskID)
	return finishPipeline(res, rec)
}
