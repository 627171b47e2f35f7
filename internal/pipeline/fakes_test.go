package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/agentflow/internal/models"
)

// memStore implements Store using in-memory maps and records every call.
type memStore struct {
	tasks    map[string]*models.Task
	sessions map[string]*models.AgentSession
	plans    []*models.Plan
	changes  []*models.CodeChange
	reviews  []*models.Review

	// Track calls for verification.
	calls         []string
	statusUpdates []models.TaskStatus
	setErrorCalls int

	clock  time.Time
	nextID int

	// Optional error injection.
	createTaskErr      error
	getLatestErr       error
	createSessionErr   error
	completeSessionErr error
	storePlanErr       error
	recordChangeErr    error
	storeReviewErr     error
	updateStatusErr    error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]*models.Task),
		sessions: make(map[string]*models.AgentSession),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) CreateTask(_ context.Context, task *models.Task) error {
	m.calls = append(m.calls, "CreateTask")
	if m.createTaskErr != nil {
		return m.createTaskErr
	}
	task.ID = m.id("task")
	task.Status = models.TaskStatusPending
	task.CreatedAt = m.tick()
	task.UpdatedAt = task.CreatedAt
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) GetLatestIncompleteTask(_ context.Context) (*models.Task, error) {
	m.calls = append(m.calls, "GetLatestIncompleteTask")
	if m.getLatestErr != nil {
		return nil, m.getLatestErr
	}
	var latest *models.Task
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusCompleted {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) task(id string) (*models.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return t, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	m.calls = append(m.calls, "UpdateTaskStatus:"+string(status))
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	t, err := m.task(id)
	if err != nil {
		return err
	}
	t.Status = status
	m.statusUpdates = append(m.statusUpdates, status)
	return nil
}

func (m *memStore) SetTaskError(_ context.Context, id string, msg string) error {
	m.calls = append(m.calls, "SetTaskError")
	m.setErrorCalls++
	t, err := m.task(id)
	if err != nil {
		return err
	}
	t.Error = msg
	t.RetryCount++
	return nil
}

func (m *memStore) ClearTaskError(_ context.Context, id string) error {
	m.calls = append(m.calls, "ClearTaskError")
	t, err := m.task(id)
	if err != nil {
		return err
	}
	t.Error = ""
	if t.Status == models.TaskStatusFailed {
		t.Status = models.TaskStatusPending
	}
	return nil
}

func (m *memStore) CreateAgentSession(_ context.Context, session *models.AgentSession) error {
	m.calls = append(m.calls, "CreateAgentSession:"+string(session.AgentRole))
	if m.createSessionErr != nil {
		return m.createSessionErr
	}
	session.ID = m.id("sess")
	session.Status = models.SessionStatusPending
	session.StartedAt = m.tick()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *memStore) session(id string) (*models.AgentSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("agent session not found: %s", id)
	}
	return s, nil
}

func (m *memStore) StartAgentSession(_ context.Context, id string) error {
	m.calls = append(m.calls, "StartAgentSession")
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status != models.SessionStatusPending {
		return fmt.Errorf("session %s is already %s", id, s.Status)
	}
	s.Status = models.SessionStatusRunning
	return nil
}

func (m *memStore) CompleteAgentSession(_ context.Context, id string, result string, meta *models.StageMetadata) error {
	m.calls = append(m.calls, "CompleteAgentSession")
	if m.completeSessionErr != nil {
		return m.completeSessionErr
	}
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is already %s", id, s.Status)
	}
	now := m.tick()
	s.Status = models.SessionStatusCompleted
	s.Result = result
	s.Metadata = meta
	s.CompletedAt = &now
	return nil
}

func (m *memStore) FailAgentSession(_ context.Context, id string, msg string) error {
	m.calls = append(m.calls, "FailAgentSession")
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is already %s", id, s.Status)
	}
	now := m.tick()
	s.Status = models.SessionStatusFailed
	s.Error = msg
	s.CompletedAt = &now
	return nil
}

func (m *memStore) GetAgentSessionsByTask(_ context.Context, taskID string) ([]*models.AgentSession, error) {
	m.calls = append(m.calls, "GetAgentSessionsByTask")
	var out []*models.AgentSession
	for _, s := range m.sessions {
		if s.TaskID == taskID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) StorePlan(_ context.Context, taskID, content string) (string, error) {
	m.calls = append(m.calls, "StorePlan")
	if m.storePlanErr != nil {
		return "", m.storePlanErr
	}
	p := &models.Plan{ID: m.id("plan"), TaskID: taskID, Content: content, CreatedAt: m.tick()}
	m.plans = append(m.plans, p)
	return p.ID, nil
}

func (m *memStore) RecordCodeChange(_ context.Context, change *models.CodeChange) error {
	m.calls = append(m.calls, "RecordCodeChange")
	if m.recordChangeErr != nil {
		return m.recordChangeErr
	}
	change.ID = m.id("change")
	change.CreatedAt = m.tick()
	m.changes = append(m.changes, change)
	return nil
}

func (m *memStore) GetCodeChangesForTask(_ context.Context, taskID string) ([]*models.CodeChange, error) {
	m.calls = append(m.calls, "GetCodeChangesForTask")
	var out []*models.CodeChange
	for _, c := range m.changes {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) StoreReview(_ context.Context, review *models.Review) error {
	m.calls = append(m.calls, "StoreReview")
	if m.storeReviewErr != nil {
		return m.storeReviewErr
	}
	review.ID = m.id("review")
	review.CreatedAt = m.tick()
	m.reviews = append(m.reviews, review)
	return nil
}

// sessionsFor returns the task's sessions ordered by start time.
func (m *memStore) sessionsFor(taskID string) []*models.AgentSession {
	var out []*models.AgentSession
	for _, s := range m.sessions {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.Before(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// countCalls counts recorded calls with the given name.
func (m *memStore) countCalls(name string) int {
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// seedTask adds a task directly, bypassing call recording.
func (m *memStore) seedTask(desc string, status models.TaskStatus) *models.Task {
	t := &models.Task{ID: m.id("task"), Description: desc, Status: status, CreatedAt: m.tick()}
	m.tasks[t.ID] = t
	return t
}

// seedSession adds a session directly, bypassing call recording.
func (m *memStore) seedSession(taskID string, role models.AgentRole, status models.SessionStatus, result string, meta *models.StageMetadata) *models.AgentSession {
	s := &models.AgentSession{
		ID:        m.id("sess"),
		TaskID:    taskID,
		AgentRole: role,
		Status:    status,
		Result:    result,
		Metadata:  meta,
		StartedAt: m.tick(),
	}
	if status.Terminal() {
		now := m.tick()
		s.CompletedAt = &now
	}
	m.sessions[s.ID] = s
	return s
}

// fakeAgent is a scripted Invoker.
type fakeAgent struct {
	result AgentResult
	err    error
	panic  any
	block  bool // wait for ctx to be done

	calls  int
	inputs []StageInput
	opts   []ExecOptions
}

func (f *fakeAgent) Execute(ctx context.Context, in *StageInput, opts ExecOptions) (AgentResult, error) {
	f.calls++
	f.inputs = append(f.inputs, *in)
	f.opts = append(f.opts, opts)
	if f.panic != nil {
		panic(f.panic)
	}
	if f.block {
		<-ctx.Done()
		return AgentResult{}, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeAgent) lastInput() StageInput {
	return f.inputs[len(f.inputs)-1]
}

// happyAgents returns agents scripted with the health check scenario.
func happyAgents() (planner, coder, reviewer *fakeAgent) {
	planner = &fakeAgent{result: AgentResult{
		Success:  true,
		Content:  "# Plan\n1. add endpoint",
		Metadata: &models.StageMetadata{Plan: &models.PlanMetadata{Steps: []string{"add endpoint"}}},
	}}
	coder = &fakeAgent{result: AgentResult{
		Success: true,
		Content: "done",
		Metadata: &models.StageMetadata{CodeChanges: []models.ChangeSpec{
			{FilePath: "health.ts", ChangeType: models.ChangeTypeCreate, Summary: "add handler"},
		}},
	}}
	reviewer = &fakeAgent{result: AgentResult{
		Success: true,
		Content: "ok",
		Metadata: &models.StageMetadata{Review: &models.ReviewMetadata{
			Status: models.ReviewStatusPassed, CriteriaMet: true, Feedback: "", Issues: []string{},
		}},
	}}
	return planner, coder, reviewer
}

func agentsOf(planner, coder, reviewer *fakeAgent) Agents {
	a := Agents{}
	if planner != nil {
		a.Planner = planner
	}
	if coder != nil {
		a.Coder = coder
	}
	if reviewer != nil {
		a.Reviewer = reviewer
	}
	return a
}

// stageObserver records ObserveStage calls.
type stageObserver struct {
	outcomes []string
}

func (o *stageObserver) ObserveStage(role models.AgentRole, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, string(role)+":"+outcome)
}
