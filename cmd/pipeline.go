package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/agentflow/internal/metrics"
	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/output"
	"github.com/joescharf/agentflow/internal/pipeline"
	"github.com/joescharf/agentflow/internal/runlock"
)

// newOrchestrator opens the store and wires an orchestrator with a metrics recorder.
func newOrchestrator() (*pipeline.Orchestrator, *metrics.Recorder, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	rec := metrics.NewRecorder()
	return pipeline.New(s, pipeline.Config{Logger: logger, Observer: rec}), rec, nil
}

// acquireRunLock keeps one run or resume in flight per state directory.
func acquireRunLock() (func(), error) {
	lock := runlock.New(filepath.Join(viper.GetString("state_dir"), "agentflow.lock"))
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release run lock", "path", lock.Path, "error", err)
		}
	}, nil
}

// pipelineOptions builds run options from flags and config.
func pipelineOptions(a pipeline.Agents, planOnly, skipReview bool, timeout time.Duration) pipeline.Options {
	if timeout == 0 {
		timeout = viper.GetDuration("agent.timeout")
	}
	return pipeline.Options{
		Agents:     a,
		PlanOnly:   planOnly,
		SkipReview: skipReview || viper.GetBool("pipeline.skip_review"),
		DryRun:     dryRun,
		Timeout:    timeout,
		Progress: func(role models.AgentRole, status models.SessionStatus, message string) {
			ui.Stage(string(role), string(status), message)
		},
	}
}

// finishPipeline records metrics, prints the result and turns a failed run
// into a command error.
func finishPipeline(res *pipeline.Result, rec *metrics.Recorder) error {
	if err := recordPipeline(res, rec); err != nil {
		ui.Warning("Failed to write metrics: %v", err)
	}

	printResult(res)
	if res.Status == pipeline.StatusFailed {
		return fmt.Errorf("pipeline failed: %s", res.Error)
	}
	return nil
}

// recordPipeline counts the run and rewrites the metrics textfile when one
// is configured.
func recordPipeline(res *pipeline.Result, rec *metrics.Recorder) error {
	if rec == nil {
		return nil
	}
	rec.ObservePipeline(res)
	if path := viper.GetString("metrics.textfile"); path != "" {
		return rec.WriteTextfile(path)
	}
	return nil
}

func printResult(res *pipeline.Result) {
	if len(res.AgentResults) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Stage", "Session", "Result", "Duration"})
		for _, r := range res.AgentResults {
			result := output.Green("ok")
			if !r.Success {
				result = output.Red("failed")
			}
			duration := r.Duration.Round(time.Millisecond).String()
			if r.Reconstructed {
				result = output.Cyan("done earlier")
				duration = "-"
			}
			table.Append([]string{string(r.Role), output.ShortID(r.SessionID), result, duration})
		}
		table.Render()
		fmt.Fprintln(ui.Out)
	}

	if res.Status == pipeline.StatusCompleted {
		ui.Success("Task %s completed", res.TaskID)
		ui.DryRunMsg("Nothing was persisted and no files were written")
		return
	}

	if res.TaskID == "" {
		ui.Error("Pipeline failed before a task was created: %s", res.Error)
		return
	}
	ui.Error("Task %s failed: %s", res.TaskID, res.Error)
	if dryRun {
		ui.DryRunMsg("The failure was not recorded on the task")
		return
	}
	ui.Info("Completed stages are kept. Fix the cause and run 'agentflow resume' to continue.")
}
