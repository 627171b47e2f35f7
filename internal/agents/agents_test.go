package agents

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// fakeCompleter returns a canned reply and records the prompts it was given.
type fakeCompleter struct {
	reply string
	err   error

	system    string
	user      string
	maxTokens int
	calls     int
}

func (f *fakeCompleter) Complete(_ context.Context, system, user string, maxTokens int) (string, error) {
	f.calls++
	f.system = system
	f.user = user
	f.maxTokens = maxTokens
	return f.reply, f.err
}

func testSettings() Settings {
	return Settings{MaxTokens: 2048, WorkDir: "/repo"}
}

func healthInput() *pipeline.StageInput {
	return &pipeline.StageInput{TaskID: "task-1", Description: "add a health check endpoint"}
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, testSettings().Validate())

	err := Settings{MaxTokens: 10, WorkDir: "/repo"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxTokens")

	err = Settings{MaxTokens: 2048}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WorkDir is required")
}

func TestNew(t *testing.T) {
	fc := &fakeCompleter{}
	fs := afero.NewMemMapFs()

	for _, role := range models.Roles() {
		inv, err := New(role, fc, fs, testSettings())
		require.NoError(t, err, role)
		assert.NotNil(t, inv)
	}

	_, err := New(models.AgentRole("tester"), fc, fs, testSettings())
	assert.Error(t, err)

	_, err = New(models.AgentRolePlanner, fc, fs, Settings{})
	assert.Error(t, err)
}

func TestAll(t *testing.T) {
	a, err := All(&fakeCompleter{}, afero.NewMemMapFs(), testSettings())
	require.NoError(t, err)
	assert.IsType(t, &Planner{}, a.Planner)
	assert.IsType(t, &Coder{}, a.Coder)
	assert.IsType(t, &Reviewer{}, a.Reviewer)
}

func TestPlanner(t *testing.T) {
	t.Run("structured plan", func(t *testing.T) {
		fc := &fakeCompleter{reply: "```json\n" + `{"summary":"health check","steps":["add endpoint","add test"],"plan":"# Plan\n1. add endpoint"}` + "\n```"}
		p := &Planner{llm: fc, maxTokens: 1024}

		res, err := p.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "# Plan\n1. add endpoint", res.Content)
		require.NotNil(t, res.Metadata)
		assert.Equal(t, []string{"add endpoint", "add test"}, res.Metadata.Plan.Steps)

		assert.Equal(t, 1024, fc.maxTokens)
		assert.Contains(t, fc.system, `"steps"`)
		assert.Contains(t, fc.user, "add a health check endpoint")
	})

	t.Run("invalid reply is a reported failure", func(t *testing.T) {
		fc := &fakeCompleter{reply: `{"summary":"x","steps":[],"plan":"# Plan"}`}
		p := &Planner{llm: fc}

		res, err := p.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "Steps")
	})

	t.Run("non json reply", func(t *testing.T) {
		p := &Planner{llm: &fakeCompleter{reply: "Sure! Here is a plan."}}

		res, err := p.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parse LLM response")
	})

	t.Run("llm error is returned", func(t *testing.T) {
		p := &Planner{llm: &fakeCompleter{err: errors.New("overloaded")}}

		_, err := p.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overloaded")
	})
}

const coderReply = `{
  "summary": "added health endpoint",
  "changes": [
    {"path": "src/health.ts", "type": "create", "summary": "add handler", "content": "export const ok = true;\n"},
    {"path": "./README.md", "type": "edit", "summary": "document endpoint", "content": "# Service\n"},
    {"path": "old.ts", "type": "delete", "summary": "remove stub"}
  ]
}`

func TestCoder(t *testing.T) {
	t.Run("applies changes", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "old.ts", []byte("stub"), 0644))
		fc := &fakeCompleter{reply: coderReply}
		c := &Coder{llm: fc, fs: fs}

		in := healthInput()
		in.Plan = &pipeline.PlanContext{Content: "# Plan\n1. add endpoint"}
		res, err := c.Execute(context.Background(), in, pipeline.ExecOptions{})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "added health endpoint", res.Content)

		assert.Equal(t, []models.ChangeSpec{
			{FilePath: "src/health.ts", ChangeType: models.ChangeTypeCreate, Summary: "add handler"},
			{FilePath: "README.md", ChangeType: models.ChangeTypeEdit, Summary: "document endpoint"},
			{FilePath: "old.ts", ChangeType: models.ChangeTypeDelete, Summary: "remove stub"},
		}, res.Metadata.CodeChanges)

		data, err := afero.ReadFile(fs, "src/health.ts")
		require.NoError(t, err)
		assert.Equal(t, "export const ok = true;\n", string(data))
		exists, err := afero.Exists(fs, "old.ts")
		require.NoError(t, err)
		assert.False(t, exists)

		assert.Contains(t, fc.user, "# Plan\n1. add endpoint")
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := &Coder{llm: &fakeCompleter{reply: coderReply}, fs: fs}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{DryRun: true})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Len(t, res.Metadata.CodeChanges, 3)

		exists, err := afero.Exists(fs, "src/health.ts")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("no changes", func(t *testing.T) {
		c := &Coder{llm: &fakeCompleter{reply: `{"summary":"nothing to do","changes":[]}`}, fs: afero.NewMemMapFs()}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.NotNil(t, res.Metadata.CodeChanges)
		assert.Empty(t, res.Metadata.CodeChanges)
	})

	t.Run("write failure is reported", func(t *testing.T) {
		fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
		c := &Coder{llm: &fakeCompleter{reply: coderReply}, fs: fs}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "write failed")
	})

	t.Run("partial write keeps applied changes", func(t *testing.T) {
		mem := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(mem, "old.ts", []byte("stub"), 0644))
		fs := &failingFs{Fs: mem, failOn: "README.md"}
		c := &Coder{llm: &fakeCompleter{reply: coderReply}, fs: fs}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "README.md")

		require.NotNil(t, res.Metadata)
		assert.Equal(t, []models.ChangeSpec{
			{FilePath: "src/health.ts", ChangeType: models.ChangeTypeCreate, Summary: "add handler"},
		}, res.Metadata.CodeChanges)

		exists, err := afero.Exists(mem, "src/health.ts")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = afero.Exists(mem, "old.ts")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("bad path writes nothing", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		reply := `{"summary":"s","changes":[
			{"path":"ok.ts","type":"create","summary":"fine","content":"x"},
			{"path":"../escape.ts","type":"create","summary":"bad","content":"x"}
		]}`
		c := &Coder{llm: &fakeCompleter{reply: reply}, fs: fs}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "leaves the working directory")

		exists, err := afero.Exists(fs, "ok.ts")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("unknown change type", func(t *testing.T) {
		c := &Coder{llm: &fakeCompleter{reply: `{"summary":"s","changes":[{"path":"a.go","type":"rename"}]}`}, fs: afero.NewMemMapFs()}

		res, err := c.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "must be one of")
	})
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b.go", want: "a/b.go"},
		{in: "./a//b.go", want: "a/b.go"},
		{in: " a/../c.go ", want: "c.go"},
		{in: "/etc/passwd", wantErr: true},
		{in: "../outside.go", wantErr: true},
		{in: "a/../../outside.go", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanPath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReviewer(t *testing.T) {
	t.Run("passed review", func(t *testing.T) {
		fc := &fakeCompleter{reply: `{"status":"passed","criteria_met":true,"feedback":"","issues":null}`}
		r := &Reviewer{llm: fc}

		in := healthInput()
		in.CodeChanges = []models.ChangeSpec{{FilePath: "health.ts", ChangeType: models.ChangeTypeCreate, Summary: "add handler"}}
		res, err := r.Execute(context.Background(), in, pipeline.ExecOptions{})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, "passed", res.Content)

		rm := res.Metadata.Review
		require.NotNil(t, rm)
		assert.Equal(t, models.ReviewStatusPassed, rm.Status)
		assert.True(t, rm.CriteriaMet)
		assert.Equal(t, []string{}, rm.Issues)

		assert.Contains(t, fc.user, "- create health.ts: add handler")
	})

	t.Run("needs revision is still a successful stage", func(t *testing.T) {
		fc := &fakeCompleter{reply: `{"status":"needs_revision","criteria_met":false,"feedback":"missing test","issues":["no test"]}`}
		r := &Reviewer{llm: fc}

		res, err := r.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, "missing test", res.Content)
		assert.Equal(t, models.ReviewStatusNeedsRevision, res.Metadata.Review.Status)
		assert.Contains(t, fc.user, "(none reported)")
	})

	t.Run("bad status", func(t *testing.T) {
		r := &Reviewer{llm: &fakeCompleter{reply: `{"status":"great"}`}}

		res, err := r.Execute(context.Background(), healthInput(), pipeline.ExecOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
	})
}

// failingFs fails writes to one file.
type failingFs struct {
	afero.Fs
	failOn string
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == f.failOn && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, errors.New("disk full")
	}
	return f.Fs.OpenFile(name, flag, perm)
}
