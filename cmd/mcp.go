package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentflow/internal/mcp"
	"github.com/joescharf/agentflow/internal/metrics"
	"github.com/joescharf/agentflow/internal/pipeline"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client inspect and drive agentflow tasks. Configure it with:

  {
    "mcpServers": {
      "agentflow": { "command": "agentflow", "args": ["mcp"] }
    }
  }

Available tools: agentflow_list_tasks, agentflow_task_status,
agentflow_run_task, agentflow_resume_task. The run and resume tools are only
registered when an Anthropic API key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	var p mcp.Pipeline
	a, err := newAgentsFunc()
	if err != nil {
		logger.Warn("run and resume tools disabled", "error", err)
		a = pipeline.Agents{}
	} else {
		orch, rec, err := newOrchestrator()
		if err != nil {
			return err
		}
		p = mcpPipeline{orch: orch, rec: rec}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mcp.NewServer(s, p, a, buildVersion).ServeStdio(ctx)
}

// mcpPipeline applies the configured stage timeout, holds the run lock and
// records metrics for each MCP run or resume call.
type mcpPipeline struct {
	orch *pipeline.Orchestrator
	rec  *metrics.Recorder
}

func (l mcpPipeline) Run(ctx context.Context, description string, opts pipeline.Options) (*pipeline.Result, error) {
	return l.do(opts, func(opts pipeline.Options) (*pipeline.Result, error) {
		return l.orch.Run(ctx, description, opts)
	})
}

func (l mcpPipeline) Resume(ctx context.Context, opts pipeline.Options) (*pipeline.Result, error) {
	return l.do(opts, func(opts pipeline.Options) (*pipeline.Result, error) {
		return l.orch.Resume(ctx, opts)
	})
}

func (l mcpPipeline) do(opts pipeline.Options, fn func(pipeline.Options) (*pipeline.Result, error)) (*pipeline.Result, error) {
	release, err := acquireRunLock()
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.Timeout == 0 {
		opts.Timeout = viper.GetDuration("agent.timeout")
	}
	res, err := fn(opts)
	if err != nil {
		return nil, err
	}
	if err := recordPipeline(res, l.rec); err != nil {
		logger.Warn("failed to write metrics", "error", err)
	}
	return res, nil
}
