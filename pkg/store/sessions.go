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

const sessionColumns = `session_id, project_id, machine_id, slot, status,
	last_heartbeat, current_task_id, started_at, completed_at, metadata,
	recovery_attempts, recovery_history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (*models.Session, error) {
	var (
		s           models.Session
		slot        sql.NullInt64
		currentTask sql.NullString
		completedAt sql.NullTime
		metadata    []byte
		history     []byte
	)
	err := sc.Scan(&s.SessionID, &s.ProjectID, &s.MachineID, &slot, &s.Status,
		&s.LastHeartbeat, &currentTask, &s.StartedAt, &completedAt, &metadata,
		&s.Recovery.Attempts, &history, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if slot.Valid {
		v := int(slot.Int64)
		s.Slot = &v
	}
	if currentTask.Valid {
		s.CurrentTaskID = &currentTask.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.Recovery.History); err != nil {
			return nil, fmt.Errorf("failed to decode recovery history: %w", err)
		}
	}
	return &s, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// InsertSession inserts a new session row. A unique violation on the
// open-slot index surfaces as a UniqueViolationError.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	metadata, err := marshalMeta(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	history, err := json.Marshal(sess.Recovery.History)
	if err != nil {
		return fmt.Errorf("failed to encode recovery history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project_id, machine_id, slot, status,
			last_heartbeat, current_task_id, started_at, completed_at, metadata,
			recovery_attempts, recovery_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.SessionID, sess.ProjectID, sess.MachineID, sess.Slot, sess.Status,
		sess.LastHeartbeat, sess.CurrentTaskID, sess.StartedAt, sess.CompletedAt,
		metadata, sess.Recovery.Attempts, history, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return uv
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions matching the filters plus the unfiltered
// match count for pagination. Archived sessions are excluded unless the
// filter names them or IncludeArchived is set.
func (s *Store) ListSessions(ctx context.Context, f models.SessionFilters) ([]*models.Session, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		statuses := strings.Split(f.Status, ",")
		where = append(where, "status = ANY("+arg(statuses)+")")
	} else if !f.IncludeArchived {
		where = append(where, "status <> "+arg(string(models.SessionArchived)))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = "+arg(f.ProjectID))
	}
	if f.MachineID != "" {
		where = append(where, "machine_id = "+arg(f.MachineID))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + sessionColumns + " FROM sessions" + cond +
		" ORDER BY started_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// UpdateSessionHeartbeat is the heartbeat compare-and-set: it refreshes
// last_heartbeat without ever regressing it, revives stalled sessions,
// and refuses terminal ones. Returns (nil, nil) when the predicate did
// not match (terminal or missing session).
func (s *Store) UpdateSessionHeartbeat(ctx context.Context, sessionID string, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET last_heartbeat = GREATEST(last_heartbeat, $2),
		    status = CASE WHEN status = 'stalled' THEN 'active' ELSE status END,
		    updated_at = $2
		WHERE session_id = $1
		  AND status NOT IN ('completed', 'failed', 'archived')
		RETURNING `+sessionColumns, sessionID, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// TransitionSessionOptions tunes a session status compare-and-set.
type TransitionSessionOptions struct {
	// SetCompletedAt stamps completed_at with now (terminal transitions).
	SetCompletedAt bool
	// ClearCompletedAt nulls completed_at (leaving a terminal state).
	ClearCompletedAt bool
	// RefreshHeartbeat stamps last_heartbeat with now.
	RefreshHeartbeat bool
	// MetadataPatch is merged into metadata key-by-key.
	MetadataPatch map[string]any
}

// TransitionSession moves a session from one of the given statuses to
// another in a single compare-and-set. An empty from slice means any
// status is acceptable. Returns (nil, nil) when the predicate misses.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from []models.SessionStatus, to models.SessionStatus, now time.Time, opts TransitionSessionOptions) (*models.Session, error) {
	patch, err := marshalMeta(opts.MetadataPatch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata patch: %w", err)
	}

	completedAt := "completed_at"
	if opts.SetCompletedAt {
		completedAt = "$3"
	} else if opts.ClearCompletedAt {
		completedAt = "NULL"
	}
	heartbeat := "last_heartbeat"
	if opts.RefreshHeartbeat {
		heartbeat = "GREATEST(last_heartbeat, $3)"
	}

	query := `
		UPDATE sessions
		SET status = $2,
		    updated_at = $3,
		    completed_at = ` + completedAt + `,
		    last_heartbeat = ` + heartbeat + `,
		    metadata = metadata || $4::jsonb
		WHERE session_id = $1`
	args := []any{sessionID, to, now, patch}
	if len(from) > 0 {
		args = append(args, statusStrings(from))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " RETURNING " + sessionColumns

	row := s.db.QueryRowContext(ctx, query, args...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// RecoverSession compare-and-sets a stalled or failed session back to
// active, bumping the attempt counter and appending to the recovery
// history. The predicate also enforces the attempt cap so concurrent
// recoveries cannot exceed it. Returns (nil, nil) on predicate miss.
func (s *Store) RecoverSession(ctx context.Context, sessionID string, from []models.SessionStatus, maxAttempts int, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET status = 'active',
		    recovery_attempts = recovery_attempts + 1,
		    recovery_history = recovery_history ||
		        jsonb_build_array(jsonb_build_object('at', to_jsonb($2::timestamptz), 'from_status', status)),
		    last_heartbeat = $2,
		    completed_at = NULL,
		    updated_at = $2
		WHERE session_id = $1
		  AND status = ANY($3)
		  AND recovery_attempts < $4
		RETURNING `+sessionColumns,
		sessionID, now, statusStrings(from), maxAttempts)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// AssignSessionSlot binds a slotless active session to (machine, slot).
// The open-slot unique index arbitrates races: the loser gets a
// UniqueViolationError. Returns (nil, nil) when the session is not in a
// state that accepts assignment.
func (s *Store) AssignSessionSlot(ctx context.Context, sessionID, machineID string, slot int, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET machine_id = $2, slot = $3, updated_at = $4
		WHERE session_id = $1 AND slot IS NULL AND status = 'active'
		RETURNING `+sessionColumns,
		sessionID, machineID, slot, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return nil, uv
		}
		return nil, err
	}
	return sess, nil
}

// ReleaseSessionSlot clears a session's slot. Idempotent: releasing a
// session that holds no slot succeeds and returns the unchanged row.
func (s *Store) ReleaseSessionSlot(ctx context.Context, sessionID string, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET slot = NULL, updated_at = $2
		WHERE session_id = $1
		RETURNING `+sessionColumns, sessionID, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// SetCurrentTask points the session at its in-progress task. The
// predicate requires no task to be current, which is what makes "at
// most one in-progress task per session" hold under concurrency.
func (s *Store) SetCurrentTask(ctx context.Context, sessionID, taskID string, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET current_task_id = $2, updated_at = $3
		WHERE session_id = $1
		  AND current_task_id IS NULL
		  AND status NOT IN ('completed', 'failed', 'archived')
		RETURNING `+sessionColumns, sessionID, taskID, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ClearCurrentTask unsets current_task_id if it still points at taskID.
func (s *Store) ClearCurrentTask(ctx context.Context, sessionID, taskID string, now time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET current_task_id = NULL, updated_at = $3
		WHERE session_id = $1 AND current_task_id = $2
		RETURNING `+sessionColumns, sessionID, taskID, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// StaleSessions returns open sessions whose heartbeat is older than the
// cutoff, oldest first. Input for the liveness monitor's stale pass.
func (s *Store) StaleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('active', 'paused') AND last_heartbeat < $1
		ORDER BY last_heartbeat`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// OccupiedSlots returns the slots currently held by open sessions on a
// machine, sorted ascending.
func (s *Store) OccupiedSlots(ctx context.Context, machineID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot FROM sessions
		WHERE machine_id = $1
		  AND status IN ('active', 'paused', 'stalled')
		  AND slot IS NOT NULL
		ORDER BY slot`, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query occupied slots: %w", err)
	}
	defer rows.Close()

	var slots []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// NonTerminalSessionCount counts sessions still bound to a machine.
// Guards machine deletion.
func (s *Store) NonTerminalSessionCount(ctx context.Context, machineID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE machine_id = $1 AND status IN ('active', 'paused', 'stalled')`,
		machineID).Scan(&count)
	return count, err
}

// CountSessionsByStatus returns session counts grouped by status.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[models.SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int)
	for rows.Next() {
		var (
			status models.SessionStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PurgeExpiredSessions hard-deletes completed and failed sessions past
// the retention cutoff. Archived sessions are kept forever. Task rows
// cascade with their session. Housekeeping only: callers re-read
// nothing from the deleted rows.
func (s *Store) PurgeExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN ('completed', 'failed') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}
