package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// DefaultStaleThreshold is how old a heartbeat may be before a session
// counts as stale.
const DefaultStaleThreshold = 5 * time.Minute

// DefaultMaxRecoveryAttempts caps how often a session may be recovered
// before an operator has to intervene.
const DefaultMaxRecoveryAttempts = 3

// SessionService drives the session lifecycle.
type SessionService struct {
	store               *store.Store
	sched               *scheduler.Scheduler
	bus                 *events.Bus
	staleThreshold      time.Duration
	maxRecoveryAttempts int
	now                 func() time.Time
}

// SessionServiceOptions tunes a SessionService. Zero values select
// defaults.
type SessionServiceOptions struct {
	StaleThreshold      time.Duration
	MaxRecoveryAttempts int
	Now                 func() time.Time
}

// NewSessionService creates the session state machine over the store,
// the slot scheduler, and the event bus.
func NewSessionService(st *store.Store, sched *scheduler.Scheduler, bus *events.Bus, opts SessionServiceOptions) *SessionService {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionService{
		store:               st,
		sched:               sched,
		bus:                 bus,
		staleThreshold:      opts.StaleThreshold,
		maxRecoveryAttempts: opts.MaxRecoveryAttempts,
		now:                 opts.Now,
	}
}

// emit publishes a session event. The session's project doubles as its
// workspace for routing.
func (s *SessionService) emit(eventType string, sess *models.Session) {
	s.bus.Publish(events.Event{
		Type:        eventType,
		WorkspaceID: sess.ProjectID,
		Payload:     sess,
	})
}

// CreateSession inserts a new active session and asks the scheduler for
// a slot. If assignment fails the session is immediately marked failed
// with a structured reason — never silently abandoned — and the
// scheduler's verdict is returned to the caller.
func (s *SessionService) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "is required")
	}
	if req.MachineID == "" {
		return nil, NewValidationError("machine_id", "is required")
	}

	// Machine gate: unknown machines and machines that are offline or
	// in maintenance refuse new sessions.
	machine, err := s.store.GetMachine(ctx, req.MachineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scheduler.ErrUnknownMachine
		}
		return nil, err
	}
	if machine.Status != models.MachineOnline {
		return nil, scheduler.ErrMachineNotOnline
	}

	now := s.now().UTC()
	sess := &models.Session{
		SessionID:     uuid.New().String(),
		ProjectID:     req.ProjectID,
		MachineID:     req.MachineID,
		Status:        models.SessionActive,
		LastHeartbeat: now,
		StartedAt:     now,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}

	_, slot, err := s.sched.Assign(ctx, sess.SessionID, req.MachineID, req.Slot)
	if err != nil {
		// Roll the half-created session forward into failed so it
		// cannot linger slotless.
		failed, markErr := s.store.TransitionSession(ctx, sess.SessionID,
			models.OpenSessionStatuses, models.SessionFailed, s.now().UTC(),
			store.TransitionSessionOptions{
				SetCompletedAt: true,
				MetadataPatch: map[string]any{
					"failure": models.SessionFailure{
						Reason:   "slot assignment failed",
						Details:  map[string]any{"error": err.Error()},
						FailedAt: s.now().UTC(),
					},
				},
			})
		if markErr == nil && failed != nil {
			s.emit("session.failed", failed)
		}
		return nil, err
	}

	sess.Slot = &slot
	s.emit("session.created", sess)
	return sess, nil
}

// GetSession fetches one session.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions matching the filters.
func (s *SessionService) ListSessions(ctx context.Context, f models.SessionFilters) (*models.SessionListResponse, error) {
	if f.Status != "" {
		for _, st := range splitStatuses(f.Status) {
			if !models.SessionStatus(st).Valid() {
				return nil, NewValidationError("status", "unknown status: "+st)
			}
		}
	}
	if f.Limit > 100 {
		return nil, NewValidationError("limit", "must be at most 100")
	}
	sessions, total, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     f.Offset,
	}, nil
}

// Heartbeat refreshes the session's liveness signal. Revives stalled
// sessions; refuses terminal ones. Idempotent: last_heartbeat never
// regresses, so retried and reordered heartbeats are safe.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID string) (*models.Session, error) {
	prior, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if prior.Status.Terminal() {
		return nil, ErrTerminalSession
	}

	sess, err := s.store.UpdateSessionHeartbeat(ctx, sessionID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// The session went terminal between the read and the write.
		return nil, ErrTerminalSession
	}
	// A heartbeat that revived a stalled session is a state change;
	// a plain refresh is not worth an event.
	if prior.Status == models.SessionStalled {
		s.emit("session.recovered", sess)
	}
	return sess, nil
}

// UpdateSession merges metadata and applies an active/paused status
// flip. Terminal statuses, stalled, and archived have dedicated
// operations with their own semantics.
func (s *SessionService) UpdateSession(ctx context.Context, sessionID string, req models.UpdateSessionRequest) (*models.Session, error) {
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, NewValidationError("status", "unknown status: "+string(*req.Status))
		}
		switch *req.Status {
		case models.SessionActive, models.SessionPaused:
		default:
			return nil, NewValidationError("status",
				"only active and paused may be set directly; use the dedicated operation for "+string(*req.Status))
		}
	}

	var to models.SessionStatus
	if req.Status != nil {
		to = *req.Status
	} else {
		prior, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if prior.Status.Terminal() {
			return nil, ErrTerminalSession
		}
		to = prior.Status
	}

	sess, err := s.store.TransitionSession(ctx, sessionID, models.OpenSessionStatuses, to,
		s.now().UTC(), store.TransitionSessionOptions{MetadataPatch: req.Metadata})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.missToError(ctx, sessionID)
	}
	s.emit("session.updated", sess)
	return sess, nil
}

// CompleteSession terminates a session with the given outcome, stamping
// completed_at. The slot frees implicitly: terminal sessions drop out
// of the open-slot index.
func (s *SessionService) CompleteSession(ctx context.Context, sessionID string, outcome models.SessionStatus) (*models.Session, error) {
	if outcome != models.SessionCompleted && outcome != models.SessionFailed {
		return nil, NewValidationError("outcome", "must be completed or failed")
	}
	sess, err := s.store.TransitionSession(ctx, sessionID, models.OpenSessionStatuses,
		outcome, s.now().UTC(), store.TransitionSessionOptions{SetCompletedAt: true})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.missToError(ctx, sessionID)
	}
	s.emit("session."+string(outcome), sess)
	return sess, nil
}

// MarkFailed terminates a session abnormally, recording the reason and
// details in metadata.failure. Only legal from non-terminal states.
func (s *SessionService) MarkFailed(ctx context.Context, sessionID, reason string, details map[string]any) (*models.Session, error) {
	if reason == "" {
		return nil, NewValidationError("reason", "is required")
	}
	sess, err := s.store.TransitionSession(ctx, sessionID, models.OpenSessionStatuses,
		models.SessionFailed, s.now().UTC(), store.TransitionSessionOptions{
			SetCompletedAt: true,
			MetadataPatch: map[string]any{
				"failure": models.SessionFailure{
					Reason:   reason,
					Details:  details,
					FailedAt: s.now().UTC(),
				},
			},
		})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.missToError(ctx, sessionID)
	}
	s.emit("session.failed", sess)
	return sess, nil
}

// MarkStalled flags a session whose heartbeats dried up. Only legal
// from non-terminal states; the next heartbeat revives it.
func (s *SessionService) MarkStalled(ctx context.Context, sessionID, reason string) (*models.Session, error) {
	sess, err := s.store.TransitionSession(ctx, sessionID,
		[]models.SessionStatus{models.SessionActive, models.SessionPaused},
		models.SessionStalled, s.now().UTC(), store.TransitionSessionOptions{
			MetadataPatch: map[string]any{"stall_reason": reason},
		})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.missToError(ctx, sessionID)
	}
	s.emit("session.stalled", sess)
	return sess, nil
}

// ArchiveSession soft-deletes a session. Archived sessions drop out of
// default listings, free their slot, and never expire.
func (s *SessionService) ArchiveSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.store.TransitionSession(ctx, sessionID, nil, models.SessionArchived,
		s.now().UTC(), store.TransitionSessionOptions{})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	s.emit("session.archived", sess)
	return sess, nil
}

// Recover returns a stalled or failed session to active, resetting any
// in-progress task to pending. The attempt cap is enforced inside the
// compare-and-set, so concurrent recoveries cannot exceed it.
func (s *SessionService) Recover(ctx context.Context, sessionID string) (*models.Session, error) {
	prior, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	plan := s.planRecovery(prior)
	if !plan.Recoverable {
		return nil, NewValidationError("status", plan.Reason)
	}

	// Reset stuck tasks before flipping the session: a recovered
	// session must start from a clean task slate.
	for _, taskID := range plan.ResetTaskIDs {
		if _, err := s.store.TransitionTask(ctx, taskID, models.TaskInProgress,
			models.TaskPending, s.now().UTC(), store.TransitionTaskOptions{ClearErrorMessage: true}); err != nil {
			return nil, fmt.Errorf("failed to reset task %s: %w", taskID, err)
		}
		if _, err := s.store.ClearCurrentTask(ctx, sessionID, taskID, s.now().UTC()); err != nil {
			return nil, err
		}
	}

	from := []models.SessionStatus{models.SessionStalled, models.SessionFailed}
	sess, err := s.store.RecoverSession(ctx, sessionID, from, s.maxRecoveryAttempts, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &ConflictError{
			Kind:    ConflictConcurrentModification,
			Message: "session state changed during recovery",
		}
	}
	s.emit("session.recovered", sess)
	return sess, nil
}

// PrepareRecovery is the dry run of Recover: what would happen, and
// whether it is currently legal.
func (s *SessionService) PrepareRecovery(ctx context.Context, sessionID string) (*models.RecoveryPlan, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.planRecovery(sess), nil
}

func (s *SessionService) planRecovery(sess *models.Session) *models.RecoveryPlan {
	plan := &models.RecoveryPlan{
		SessionID:   sess.SessionID,
		FromStatus:  sess.Status,
		Attempts:    sess.Recovery.Attempts,
		MaxAttempts: s.maxRecoveryAttempts,
	}
	switch {
	case sess.Status != models.SessionStalled && sess.Status != models.SessionFailed:
		plan.Reason = "only stalled and failed sessions can be recovered"
	case sess.Recovery.Attempts >= s.maxRecoveryAttempts:
		plan.Reason = fmt.Sprintf("recovery attempts exhausted (%d of %d)",
			sess.Recovery.Attempts, s.maxRecoveryAttempts)
	default:
		plan.Recoverable = true
		if sess.CurrentTaskID != nil {
			plan.ResetTaskIDs = []string{*sess.CurrentTaskID}
		}
	}
	return plan
}

// FailureInfo summarizes a session's recorded failure plus recovery
// recommendations derived from heartbeat age and stuck tasks.
func (s *SessionService) FailureInfo(ctx context.Context, sessionID string) (*models.FailureInfo, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info := &models.FailureInfo{
		SessionID:        sessionID,
		Status:           sess.Status,
		Failure:          decodeFailure(sess.Metadata),
		HeartbeatAge:     s.now().UTC().Sub(sess.LastHeartbeat).Round(time.Second).String(),
		RecoveryAttempts: sess.Recovery.Attempts,
	}

	stuck, err := s.store.ListSessionTasksByStatus(ctx, sessionID, models.TaskInProgress)
	if err != nil {
		return nil, err
	}
	for _, t := range stuck {
		info.StuckTaskIDs = append(info.StuckTaskIDs, t.TaskID)
	}

	info.Recommendations = s.recommend(sess, len(stuck))
	return info, nil
}

func (s *SessionService) recommend(sess *models.Session, stuckTasks int) []string {
	var recs []string
	age := s.now().UTC().Sub(sess.LastHeartbeat)

	switch sess.Status {
	case models.SessionStalled, models.SessionFailed:
		if sess.Recovery.Attempts >= s.maxRecoveryAttempts {
			recs = append(recs, "recovery attempts exhausted; investigate the worker before resetting the session")
		} else {
			recs = append(recs, "session can be recovered; POST /sessions/{id}/recover")
		}
	case models.SessionActive, models.SessionPaused:
		if age > s.staleThreshold {
			recs = append(recs, "heartbeat is stale; the liveness monitor will mark the session stalled shortly")
		}
	}
	if stuckTasks > 0 {
		recs = append(recs, fmt.Sprintf("%d task(s) stuck in_progress; recovery will reset them to pending", stuckTasks))
	}
	if age > 2*s.staleThreshold {
		recs = append(recs, "no heartbeat for over twice the stale threshold; check the machine's health")
	}
	if len(recs) == 0 {
		recs = append(recs, "session looks healthy; no action needed")
	}
	return recs
}

// Health is the quick per-session liveness probe.
func (s *SessionService) Health(ctx context.Context, sessionID string) (*models.SessionHealth, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	age := s.now().UTC().Sub(sess.LastHeartbeat)
	return &models.SessionHealth{
		SessionID:     sessionID,
		Status:        sess.Status,
		LastHeartbeat: sess.LastHeartbeat,
		HeartbeatAge:  age.Round(time.Second).String(),
		Stale:         sess.Status.OccupiesSlot() && age > s.staleThreshold,
		CurrentTaskID: sess.CurrentTaskID,
	}, nil
}

// PauseProject flips every active session in a project to paused, one
// compare-and-set per row. Returns how many sessions were paused.
func (s *SessionService) PauseProject(ctx context.Context, projectID string) (int, error) {
	return s.bulkFlip(ctx, projectID, models.SessionActive, models.SessionPaused, "session.paused")
}

// ResumeProject flips every paused session in a project back to active.
func (s *SessionService) ResumeProject(ctx context.Context, projectID string) (int, error) {
	return s.bulkFlip(ctx, projectID, models.SessionPaused, models.SessionActive, "session.resumed")
}

func (s *SessionService) bulkFlip(ctx context.Context, projectID string, from, to models.SessionStatus, eventType string) (int, error) {
	sessions, _, err := s.store.ListSessions(ctx, models.SessionFilters{
		ProjectID: projectID,
		Status:    string(from),
		Limit:     100,
	})
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, sess := range sessions {
		post, err := s.store.TransitionSession(ctx, sess.SessionID,
			[]models.SessionStatus{from}, to, s.now().UTC(), store.TransitionSessionOptions{})
		if err != nil {
			return flipped, err
		}
		if post == nil {
			// Lost a race with the session's own lifecycle; skip it.
			continue
		}
		flipped++
		s.emit(eventType, post)
	}
	return flipped, nil
}

// missToError explains a session compare-and-set miss: either the row
// is gone or it reached a terminal state.
func (s *SessionService) missToError(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrTerminalSession
	}
	return ErrConcurrentModification
}

// decodeFailure extracts metadata.failure, tolerating the map shape it
// takes after a JSONB round trip.
func decodeFailure(metadata map[string]any) *models.SessionFailure {
	raw, ok := metadata["failure"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var f models.SessionFailure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	return &f
}

func splitStatuses(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
