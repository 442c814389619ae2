package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

const taskColumns = `task_id, session_id, project_id, status, github_issue_id,
	started_at, completed_at, error_message, metadata, created_at, updated_at`

func scanTask(sc rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		issueID     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		metadata    []byte
	)
	err := sc.Scan(&t.TaskID, &t.SessionID, &t.ProjectID, &t.Status, &issueID,
		&startedAt, &completedAt, &errMsg, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if issueID.Valid {
		t.GithubIssueID = &issueID.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode task metadata: %w", err)
		}
	}
	return &t, nil
}

// InsertTask inserts a new task row.
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	metadata, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode task metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, project_id, status,
			github_issue_id, started_at, completed_at, error_message, metadata,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.TaskID, t.SessionID, t.ProjectID, t.Status, t.GithubIssueID,
		t.StartedAt, t.CompletedAt, t.ErrorMessage, metadata,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return uv
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task by id. Returns ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks matching the filters, newest first.
func (s *Store) ListTasks(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = "+arg(f.ProjectID))
	}
	if f.Status != "" {
		statuses := strings.Split(f.Status, ",")
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + taskColumns + " FROM tasks" + cond +
		" ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListSessionTasksByStatus returns a session's tasks in one status.
func (s *Store) ListSessionTasksByStatus(ctx context.Context, sessionID string, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at`, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list session tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionTaskOptions tunes a task status compare-and-set.
type TransitionTaskOptions struct {
	// SetStartedAt stamps started_at with now if it is still null.
	SetStartedAt bool
	// SetCompletedAt stamps completed_at with now.
	SetCompletedAt bool
	// ErrorMessage records the failure cause (required for → failed).
	ErrorMessage *string
	// ClearErrorMessage nulls error_message (retry after failure).
	ClearErrorMessage bool
}

// TransitionTask compare-and-sets a task from one status to another.
// The legality of the transition is the service layer's concern; the
// predicate here only guarantees the from-status still holds at write
// time. Returns (nil, nil) on predicate miss.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to models.TaskStatus, now time.Time, opts TransitionTaskOptions) (*models.Task, error) {
	startedAt := "started_at"
	if opts.SetStartedAt {
		startedAt = "COALESCE(started_at, $4)"
	}
	completedAt := "completed_at"
	if opts.SetCompletedAt {
		completedAt = "$4"
	}
	args := []any{taskID, from, to, now}
	errMsg := "error_message"
	if opts.ErrorMessage != nil {
		args = append(args, *opts.ErrorMessage)
		errMsg = fmt.Sprintf("$%d", len(args))
	} else if opts.ClearErrorMessage {
		errMsg = "NULL"
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $3,
		    updated_at = $4,
		    started_at = `+startedAt+`,
		    completed_at = `+completedAt+`,
		    error_message = `+errMsg+`
		WHERE task_id = $1 AND status = $2
		RETURNING `+taskColumns,
		args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}
