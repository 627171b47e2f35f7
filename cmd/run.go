package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	runPlanOnly   bool
	runSkipReview bool
	runTimeout    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Run a new task through planner, coder and reviewer",
	Long: `Create a task from the description and run it through the planner, coder
and reviewer agents in order. The coder writes files under work_dir (the
current directory by default).

The first failing stage stops the run. Use 'agentflow resume' to continue.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().BoolVar(&runPlanOnly, "plan-only", false, "Stop after the planner stage")
	runCmd.Flags().BoolVar(&runSkipReview, "skip-review", false, "Stop after the coder stage")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-stage timeout (default from agent.timeout)")
	rootCmd.AddCommand(runCmd)
}

func runRun(description string) error {
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
	ui.Info("Running: %s", description)

	res, err := orch.Run(context.Background(), description, pipelineOptions(a, runPlanOnly, runSkipReview, runTimeout))
	if err != nil {
		return err
	}
	return finishPipeline(res, rec)
}
