package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/agentflow/internal/agents"
	"github.com/joescharf/agentflow/internal/llm"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// newAgentsFunc builds the pipeline agents, replaceable in tests.
var newAgentsFunc = defaultAgents

func defaultAgents() (pipeline.Agents, error) {
	client := newLLMClient()
	if client == nil {
		return pipeline.Agents{}, fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}

	workDir := viper.GetString("work_dir")
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return pipeline.Agents{}, fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}

	return agents.All(client, nil, agents.Settings{
		MaxTokens: viper.GetInt("agent.max_tokens"),
		WorkDir:   workDir,
	})
}
