package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentflow/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection serializes
	// all access and avoids "database is locked" between the CLI and the MCP server.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

const taskColumns = `id, description, status, error, retry_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var status string
	var errMsg sql.NullString
	if err := row.Scan(&t.ID, &t.Description, &status, &errMsg, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Error = errMsg.String
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = newULID()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), nullString(task.Error),
		task.RetryCount, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetLatestIncompleteTask(ctx context.Context) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status != ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, string(models.TaskStatusCompleted)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest incomplete task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// execTask runs a single-row task mutation and reports a missing task as an error.
func (s *SQLiteStore) execTask(ctx context.Context, op, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	return s.execTask(ctx, "update task status", id,
		`UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		string(status), time.Now().UTC(), id)
}

func (s *SQLiteStore) SetTaskError(ctx context.Context, id string, msg string) error {
	return s.execTask(ctx, "set task error", id,
		`UPDATE tasks SET error=?, retry_count=retry_count+1, updated_at=? WHERE id=?`,
		msg, time.Now().UTC(), id)
}

// ClearTaskError removes the stored error. A failed task goes back to pending.
func (s *SQLiteStore) ClearTaskError(ctx context.Context, id string) error {
	return s.execTask(ctx, "clear task error", id,
		`UPDATE tasks SET error=NULL,
			status=CASE WHEN status=? THEN ? ELSE status END,
			updated_at=?
		WHERE id=?`,
		string(models.TaskStatusFailed), string(models.TaskStatusPending), time.Now().UTC(), id)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	return s.execTask(ctx, "delete task", id, "DELETE FROM tasks WHERE id = ?", id)
}

// --- Agent Sessions ---

const sessionColumns = `id, task_id, agent_role, status, result, metadata, error, started_at, completed_at`

func scanSession(row rowScanner) (*models.AgentSession, error) {
	session := &models.AgentSession{}
	var role, status string
	var result, meta, errMsg sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&session.ID, &session.TaskID, &role, &status,
		&result, &meta, &errMsg, &session.StartedAt, &completedAt); err != nil {
		return nil, err
	}

	session.AgentRole = models.AgentRole(role)
	session.Status = models.SessionStatus(status)
	session.Result = result.String
	session.Error = errMsg.String
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	if meta.Valid && meta.String != "" {
		var m models.StageMetadata
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
		session.Metadata = &m
	}
	return session, nil
}

func (s *SQLiteStore) CreateAgentSession(ctx context.Context, session *models.AgentSession) error {
	if !session.AgentRole.Valid() {
		return fmt.Errorf("create agent session: unknown role %q", session.AgentRole)
	}
	if session.ID == "" {
		session.ID = newULID()
	}
	session.Status = models.SessionStatusPending
	session.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, task_id, agent_role, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.TaskID, string(session.AgentRole), string(session.Status), session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) GetAgentSessionsByTask(ctx context.Context, taskID string) ([]*models.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE task_id = ?
		ORDER BY started_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AgentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// transitionSession applies a status change guarded by the allowed source
// statuses, so sessions only ever move pending → running → completed|failed.
func (s *SQLiteStore) transitionSession(ctx context.Context, op, id string, from []models.SessionStatus, set string, setArgs ...any) error {
	args := append(setArgs, id)
	placeholders := ""
	for i, st := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	query := `UPDATE agent_sessions SET ` + set + ` WHERE id = ? AND status IN (` + placeholders + `)`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	current, err := s.GetAgentSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: session %s is already %s", op, id, current.Status)
}

func (s *SQLiteStore) StartAgentSession(ctx context.Context, id string) error {
	return s.transitionSession(ctx, "start agent session", id,
		[]models.SessionStatus{models.SessionStatusPending},
		`status=?`, string(models.SessionStatusRunning))
}

func (s *SQLiteStore) CompleteAgentSession(ctx context.Context, id string, result string, meta *models.StageMetadata) error {
	var metaJSON sql.NullString
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode session metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}
	return s.transitionSession(ctx, "complete agent session", id,
		[]models.SessionStatus{models.SessionStatusPending, models.SessionStatusRunning},
		`status=?, result=?, metadata=?, completed_at=?`,
		string(models.SessionStatusCompleted), result, metaJSON, time.Now().UTC())
}

func (s *SQLiteStore) FailAgentSession(ctx context.Context, id string, msg string) error {
	return s.transitionSession(ctx, "fail agent session", id,
		[]models.SessionStatus{models.SessionStatusPending, models.SessionStatusRunning},
		`status=?, error=?, completed_at=?`,
		string(models.SessionStatusFailed), msg, time.Now().UTC())
}

// --- Plans ---

func (s *SQLiteStore) StorePlan(ctx context.Context, taskID, content string) (string, error) {
	id := newULID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, task_id, content, created_at) VALUES (?, ?, ?, ?)`,
		id, taskID, content, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store plan: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetPlanForTask(ctx context.Context, taskID string) (*models.Plan, error) {
	p := &models.Plan{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, content, created_at FROM plans WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID,
	).Scan(&p.ID, &p.TaskID, &p.Content, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// --- Code Changes ---

func (s *SQLiteStore) RecordCodeChange(ctx context.Context, change *models.CodeChange) error {
	if !change.ChangeType.Valid() {
		return fmt.Errorf("record code change: unknown change type %q", change.ChangeType)
	}
	if change.ID == "" {
		change.ID = newULID()
	}
	change.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO code_changes (id, task_id, agent_session_id, file_path, change_type, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.TaskID, change.AgentSessionID, change.FilePath,
		string(change.ChangeType), change.Summary, change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record code change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCodeChangesForTask(ctx context.Context, taskID string) ([]*models.CodeChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_session_id, file_path, change_type, summary, created_at
		FROM code_changes WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list code changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []*models.CodeChange
	for rows.Next() {
		c := &models.CodeChange{}
		var changeType string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AgentSessionID, &c.FilePath,
			&changeType, &c.Summary, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan code change: %w", err)
		}
		c.ChangeType = models.ChangeType(changeType)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- Reviews ---

func (s *SQLiteStore) StoreReview(ctx context.Context, review *models.Review) error {
	if review.ID == "" {
		review.ID = newULID()
	}
	review.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, task_id, agent_session_id, status, feedback, criteria_met, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.TaskID, review.AgentSessionID, string(review.Status),
		review.Feedback, boolToInt(review.CriteriaMet), review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store review: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReviewForTask(ctx context.Context, taskID string) (*models.Review, error) {
	r := &models.Review{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, agent_session_id, status, feedback, criteria_met, created_at
		FROM reviews WHERE task_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID,
	).Scan(&r.ID, &r.TaskID, &r.AgentSessionID, &status, &r.Feedback, &r.CriteriaMet, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	r.Status = models.ReviewStatus(status)
	return r, nil
}
