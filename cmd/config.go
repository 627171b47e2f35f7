package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/agentflow/internal/agents"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentflow"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage agentflow configuration.

Running bare 'agentflow config' is the same as 'agentflow config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# agentflow configuration
# See: agentflow config show (for effective values and sources)

# State/data directory (default: ~/.config/agentflow)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/agentflow/agentflow.db)
# db_path: {{ .DBPath }}

# Directory the coder agent writes files into (default: current directory)
work_dir: "{{ .WorkDir }}"

# Anthropic
anthropic:
  # API key (falls back to ANTHROPIC_API_KEY)
  api_key: ""

  # Model used by all agents
  model: "{{ .Model }}"

# Agent settings
agent:
  # Max tokens per agent reply (256-64000)
  max_tokens: {{ .MaxTokens }}

  # Per-stage timeout
  timeout: "{{ .Timeout }}"

# Pipeline
pipeline:
  # Stop after the coder stage by default
  skip_review: {{ .SkipReview }}

# Prometheus textfile written after each run (empty disables)
metrics:
  textfile: "{{ .MetricsTextfile }}"

# Log format for diagnostics on stderr: text or json
log:
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	WorkDir         string
	Model           string
	MaxTokens       int
	Timeout         string
	SkipReview      bool
	MetricsTextfile string
	LogFormat       string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		WorkDir:         viper.GetString("work_dir"),
		Model:           viper.GetString("anthropic.model"),
		MaxTokens:       viper.GetInt("agent.max_tokens"),
		Timeout:         viper.GetString("agent.timeout"),
		SkipReview:      viper.GetBool("pipeline.skip_review"),
		MetricsTextfile: viper.GetString("metrics.textfile"),
		LogFormat:       viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "AGENTFLOW_STATE_DIR"},
	{Key: "db_path", EnvVar: "AGENTFLOW_DB_PATH"},
	{Key: "work_dir", EnvVar: "AGENTFLOW_WORK_DIR"},
	{Key: "anthropic.api_key", EnvVar: "AGENTFLOW_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "AGENTFLOW_ANTHROPIC_MODEL"},
	{Key: "agent.max_tokens", EnvVar: "AGENTFLOW_AGENT_MAX_TOKENS"},
	{Key: "agent.timeout", EnvVar: "AGENTFLOW_AGENT_TIMEOUT"},
	{Key: "pipeline.skip_review", EnvVar: "AGENTFLOW_PIPELINE_SKIP_REVIEW"},
	{Key: "metrics.textfile", EnvVar: "AGENTFLOW_METRICS_TEXTFILE"},
	{Key: "log.format", EnvVar: "AGENTFLOW_LOG_FORMAT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	settings := agents.Settings{
		MaxTokens: viper.GetInt("agent.max_tokens"),
		WorkDir:   viper.GetString("work_dir"),
	}
	if settings.WorkDir == "" {
		settings.WorkDir = "."
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(ui.Out)
		ui.Warning("%v", err)
	}
	if _, err := time.ParseDuration(viper.GetString("agent.timeout")); err != nil {
		ui.Warning("agent.timeout: %v", err)
	}

	return nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "(unset)"
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'agentflow config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
