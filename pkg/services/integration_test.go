package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/review"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/store"
	"github.com/codeready-toolchain/dispatch/test/util"
)

// testClock is a mutable fake clock shared by every component under
// test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testServices wires every service over one store, bus and clock.
type testServices struct {
	store    *store.Store
	clock    *testClock
	bus      *events.Bus
	sessions *SessionService
	tasks    *TaskService
	machines *MachineService
	claims   *ClaimService
	reviews  *ReviewService
	orch     *OrchestrationService
}

func setupServices(t *testing.T) *testServices {
	st := util.SetupTestStore(t)
	clock := newTestClock()
	bus := events.NewBus(0, 0, clock.Now)
	sched := scheduler.New(st, clock.Now)

	return &testServices{
		store: st,
		clock: clock,
		bus:   bus,
		sessions: NewSessionService(st, sched, bus, SessionServiceOptions{
			StaleThreshold:      5 * time.Minute,
			MaxRecoveryAttempts: 2,
			Now:                 clock.Now,
		}),
		tasks:    NewTaskService(st, bus, clock.Now),
		machines: NewMachineService(st, bus, clock.Now),
		claims:   NewClaimService(st, bus, clock.Now),
		reviews:  NewReviewService(review.NewStoreQueue(st, 0, clock.Now), bus),
		orch:     NewOrchestrationService(st, bus, 0, clock.Now),
	}
}

func (ts *testServices) registerMachine(t *testing.T, machineID string, slots ...int) *models.Machine {
	t.Helper()
	m, err := ts.machines.Register(context.Background(), models.RegisterMachineRequest{
		MachineID: machineID,
		Hostname:  machineID + ".internal",
		Slots:     slots,
	})
	require.NoError(t, err)
	return m
}

func (ts *testServices) createSession(t *testing.T, projectID, machineID string) *models.Session {
	t.Helper()
	sess, err := ts.sessions.CreateSession(context.Background(), models.CreateSessionRequest{
		ProjectID: projectID,
		MachineID: machineID,
	})
	require.NoError(t, err)
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0, 1)

	// 1. Create: active, lowest free slot.
	sess := ts.createSession(t, "proj-a", "m-1")
	assert.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.Slot)
	assert.Equal(t, 0, *sess.Slot)

	// 2. Heartbeat advances last_heartbeat.
	ts.clock.Advance(time.Minute)
	beat, err := ts.sessions.Heartbeat(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ts.clock.Now(), beat.LastHeartbeat)

	// 3. Complete: terminal, completed_at stamped, slot freed.
	done, err := ts.sessions.CompleteSession(ctx, sess.SessionID, models.SessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// 4. Terminal sessions refuse heartbeats and transitions.
	_, err = ts.sessions.Heartbeat(ctx, sess.SessionID)
	assert.ErrorIs(t, err, ErrTerminalSession)
	_, err = ts.sessions.CompleteSession(ctx, sess.SessionID, models.SessionFailed)
	assert.ErrorIs(t, err, ErrTerminalSession)

	// 5. The freed slot is reusable.
	next := ts.createSession(t, "proj-b", "m-1")
	assert.Equal(t, 0, *next.Slot)
}

func TestCreateSessionMachineGates(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	_, err := ts.sessions.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "proj-a", MachineID: "ghost",
	})
	assert.ErrorIs(t, err, scheduler.ErrUnknownMachine)

	ts.registerMachine(t, "m-1", 0)
	maint := models.MachineMaintenance
	_, err = ts.machines.Update(ctx, "m-1", models.UpdateMachineRequest{Status: &maint})
	require.NoError(t, err)

	_, err = ts.sessions.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "proj-a", MachineID: "m-1",
	})
	assert.ErrorIs(t, err, scheduler.ErrMachineNotOnline)
}

func TestCreateSessionSlotContention(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 3)

	first := ts.createSession(t, "proj-a", "m-1")
	assert.Equal(t, 3, *first.Slot)

	// The single slot is taken: creation fails and the half-created
	// session is failed, not abandoned.
	_, err := ts.sessions.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "proj-b", MachineID: "m-1",
	})
	assert.ErrorIs(t, err, scheduler.ErrNoSlotsAvailable)

	failed, err := ts.sessions.ListSessions(ctx, models.SessionFilters{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, failed.Sessions, 1)
	assert.Equal(t, "proj-b", failed.Sessions[0].ProjectID)

	// An explicit request for the occupied slot is refused too.
	slot := 3
	_, err = ts.sessions.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "proj-c", MachineID: "m-1", Slot: &slot,
	})
	assert.ErrorIs(t, err, scheduler.ErrSlotOccupied)

	// A slot outside the machine's set is a distinct error.
	bogus := 42
	_, err = ts.sessions.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "proj-d", MachineID: "m-1", Slot: &bogus,
	})
	assert.ErrorIs(t, err, scheduler.ErrSlotNotOnMachine)
}

func TestHeartbeatRevivesStalledSession(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)
	sess := ts.createSession(t, "proj-a", "m-1")

	sub := ts.bus.Subscribe()
	defer sub.Close()

	_, err := ts.sessions.MarkStalled(ctx, sess.SessionID, "no heartbeat for 6m")
	require.NoError(t, err)

	ts.clock.Advance(time.Minute)
	revived, err := ts.sessions.Heartbeat(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, revived.Status)

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.Events():
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []string{"session.stalled", "session.recovered"}, types)
}

func TestHeartbeatNeverRegresses(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)
	sess := ts.createSession(t, "proj-a", "m-1")

	ts.clock.Advance(10 * time.Minute)
	later, err := ts.sessions.Heartbeat(ctx, sess.SessionID)
	require.NoError(t, err)

	// A delayed heartbeat carrying an older timestamp cannot move
	// last_heartbeat backwards.
	earlier := ts.clock.Now().Add(-5 * time.Minute)
	replayed, err := ts.store.UpdateSessionHeartbeat(ctx, sess.SessionID, earlier)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, later.LastHeartbeat, replayed.LastHeartbeat)
}

func TestSessionRecovery(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)
	sess := ts.createSession(t, "proj-a", "m-1")

	// A running task that must be reset by recovery.
	task, err := ts.tasks.CreateTask(ctx, models.CreateTaskRequest{SessionID: sess.SessionID})
	require.NoError(t, err)
	_, err = ts.tasks.Transition(ctx, task.TaskID, models.TransitionTaskRequest{To: models.TaskInProgress})
	require.NoError(t, err)

	_, err = ts.sessions.MarkFailed(ctx, sess.SessionID, "agent crashed", map[string]any{"exit_code": 137})
	require.NoError(t, err)

	// 1. The plan names the stuck task.
	plan, err := ts.sessions.PrepareRecovery(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.True(t, plan.Recoverable)
	assert.Equal(t, []string{task.TaskID}, plan.ResetTaskIDs)

	// 2. Recover: active again, attempt counted, task back to pending.
	recovered, err := ts.sessions.Recover(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, recovered.Status)
	assert.Equal(t, 1, recovered.Recovery.Attempts)
	assert.Nil(t, recovered.CurrentTaskID)

	reset, err := ts.tasks.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, reset.Status)

	// 3. Recovering an active session is refused.
	_, err = ts.sessions.Recover(ctx, sess.SessionID)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	// 4. The attempt cap holds (max 2 in this harness).
	for i := 0; i < 2; i++ {
		_, err = ts.sessions.MarkStalled(ctx, sess.SessionID, "stalled again")
		require.NoError(t, err)
		_, err = ts.sessions.Recover(ctx, sess.SessionID)
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
			plan, planErr := ts.sessions.PrepareRecovery(ctx, sess.SessionID)
			require.NoError(t, planErr)
			assert.False(t, plan.Recoverable)
		}
	}
}

func TestFailureInfo(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)
	sess := ts.createSession(t, "proj-a", "m-1")

	_, err := ts.sessions.MarkFailed(ctx, sess.SessionID, "provider quota exhausted", map[string]any{"provider": "claude-code"})
	require.NoError(t, err)

	info, err := ts.sessions.FailureInfo(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, info.Failure)
	assert.Equal(t, "provider quota exhausted", info.Failure.Reason)
	assert.Equal(t, "claude-code", info.Failure.Details["provider"])
	assert.NotEmpty(t, info.Recommendations)
}

func TestTaskChoreography(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)
	sess := ts.createSession(t, "proj-a", "m-1")

	t1, err := ts.tasks.CreateTask(ctx, models.CreateTaskRequest{SessionID: sess.SessionID})
	require.NoError(t, err)
	t2, err := ts.tasks.CreateTask(ctx, models.CreateTaskRequest{SessionID: sess.SessionID})
	require.NoError(t, err)

	// 1. Start the first task: session's current-task pointer is set.
	started, err := ts.tasks.Transition(ctx, t1.TaskID, models.TransitionTaskRequest{To: models.TaskInProgress})
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	cur, err := ts.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, cur.CurrentTaskID)
	assert.Equal(t, t1.TaskID, *cur.CurrentTaskID)

	// 2. A second task cannot start while the first runs.
	_, err = ts.tasks.Transition(ctx, t2.TaskID, models.TransitionTaskRequest{To: models.TaskInProgress})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictConcurrentModification, conflict.Kind)

	// 3. Completing the first frees the pointer; the second may start.
	_, err = ts.tasks.Transition(ctx, t1.TaskID, models.TransitionTaskRequest{To: models.TaskCompleted})
	require.NoError(t, err)
	cur, err = ts.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, cur.CurrentTaskID)

	_, err = ts.tasks.Transition(ctx, t2.TaskID, models.TransitionTaskRequest{To: models.TaskInProgress})
	require.NoError(t, err)

	// 4. Failing requires an error message; the retry clears it.
	_, err = ts.tasks.Transition(ctx, t2.TaskID, models.TransitionTaskRequest{To: models.TaskFailed})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	failed, err := ts.tasks.Transition(ctx, t2.TaskID, models.TransitionTaskRequest{
		To: models.TaskFailed, ErrorMessage: "tests did not pass",
	})
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)

	retried, err := ts.tasks.Transition(ctx, t2.TaskID, models.TransitionTaskRequest{To: models.TaskPending})
	require.NoError(t, err)
	assert.Nil(t, retried.ErrorMessage)

	// 5. Completed is terminal.
	_, err = ts.tasks.Transition(ctx, t1.TaskID, models.TransitionTaskRequest{To: models.TaskPending})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "task", illegal.Entity)
}

func TestClaimArbitration(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	// 1. First claim wins.
	c, err := ts.claims.Claim(ctx, models.ClaimRequest{ProjectNumber: 79, IssueNumber: 5, AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Equal(t, "agent-a", c.ClaimedByAgentID)

	// 2. Re-claim by the holder is idempotent, original timestamp kept.
	ts.clock.Advance(time.Minute)
	again, err := ts.claims.Claim(ctx, models.ClaimRequest{ProjectNumber: 79, IssueNumber: 5, AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Equal(t, c.ClaimedAt, again.ClaimedAt)

	// 3. A different agent gets the holder's identity back.
	_, err = ts.claims.Claim(ctx, models.ClaimRequest{ProjectNumber: 79, IssueNumber: 5, AgentID: "agent-b"})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictDuplicateClaim, conflict.Kind)
	assert.Contains(t, conflict.Message, "agent-a")

	// 4. Release frees the unit; release of nothing is a no-op.
	require.NoError(t, ts.claims.Release(ctx, 79, 5))
	require.NoError(t, ts.claims.Release(ctx, 79, 5))

	_, err = ts.claims.Claim(ctx, models.ClaimRequest{ProjectNumber: 79, IssueNumber: 5, AgentID: "agent-b"})
	require.NoError(t, err)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	const racers = 8
	winners := make(chan string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := string(rune('a' + i))
			if _, err := ts.claims.Claim(ctx, models.ClaimRequest{
				ProjectNumber: 1, IssueNumber: 1, AgentID: "agent-" + agent,
			}); err == nil {
				winners <- agent
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	n := 0
	for range winners {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestMachineSlotShrinkAndDelete(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0, 1)
	sess := ts.createSession(t, "proj-a", "m-1")

	// 1. Shrinking away the occupied slot 0 is refused.
	_, err := ts.machines.Update(ctx, "m-1", models.UpdateMachineRequest{Slots: []int{1}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "slots", verr.Field)

	// 2. Dropping the free slot 1 is fine.
	m, err := ts.machines.Update(ctx, "m-1", models.UpdateMachineRequest{Slots: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, m.Slots)

	// 3. Delete is refused while a non-terminal session remains.
	err = ts.machines.Delete(ctx, "m-1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = ts.sessions.CompleteSession(ctx, sess.SessionID, models.SessionCompleted)
	require.NoError(t, err)
	require.NoError(t, ts.machines.Delete(ctx, "m-1"))

	_, err = ts.machines.Get(ctx, "m-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMachineHeartbeatRevival(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0)

	offline := models.MachineOffline
	_, err := ts.machines.Update(ctx, "m-1", models.UpdateMachineRequest{Status: &offline})
	require.NoError(t, err)

	m, err := ts.machines.Heartbeat(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.MachineOnline, m.Status)

	// Maintenance is an operator decision: heartbeats do not undo it.
	maint := models.MachineMaintenance
	_, err = ts.machines.Update(ctx, "m-1", models.UpdateMachineRequest{Status: &maint})
	require.NoError(t, err)
	m, err = ts.machines.Heartbeat(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.MachineMaintenance, m.Status)
}

func TestPauseAndResumeProject(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0, 1, 2)
	s1 := ts.createSession(t, "proj-a", "m-1")
	s2 := ts.createSession(t, "proj-a", "m-1")
	other := ts.createSession(t, "proj-b", "m-1")

	paused, err := ts.sessions.PauseProject(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, 2, paused)

	for _, id := range []string{s1.SessionID, s2.SessionID} {
		sess, err := ts.sessions.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionPaused, sess.Status)
	}
	untouched, err := ts.sessions.GetSession(ctx, other.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, untouched.Status)

	resumed, err := ts.sessions.ResumeProject(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)
}

func TestReviewQueueOverStore(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	req := models.EnqueueReviewRequest{
		ProjectNumber: 79, IssueNumber: 5,
		BranchName: "agent/issue-5", CompletedByAgentID: "agent-a",
	}

	// 1. Enqueue is idempotent per open work unit.
	r1, err := ts.reviews.Enqueue(ctx, req)
	require.NoError(t, err)
	r2, err := ts.reviews.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, r1.ReviewID, r2.ReviewID)

	// 2. Claim, then a second claim conflicts while the first is live.
	claimed, err := ts.reviews.Claim(ctx, r1.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewInReview, claimed.Status)

	_, err = ts.reviews.Claim(ctx, r1.ReviewID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ConflictReviewAlreadyClaimed, conflict.Kind)

	// 3. After the claim timeout the takeover succeeds.
	ts.clock.Advance(review.DefaultClaimTimeout + time.Second)
	taken, err := ts.reviews.Claim(ctx, r1.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewInReview, taken.Status)

	// 4. Rejection requires feedback, closes the review, and reopens
	// the work unit for a fresh enqueue.
	_, err = ts.reviews.UpdateStatus(ctx, r1.ReviewID, models.UpdateReviewStatusRequest{Status: models.ReviewRejected})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	rejected, err := ts.reviews.UpdateStatus(ctx, r1.ReviewID, models.UpdateReviewStatusRequest{
		Status: models.ReviewRejected, Feedback: "missing tests",
	})
	require.NoError(t, err)
	require.NotNil(t, rejected.CompletedAt)

	fresh, err := ts.reviews.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, r1.ReviewID, fresh.ReviewID)

	stats, err := ts.reviews.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Rejected)
}

func TestOrchestrationDesiredState(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	ws, err := ts.orch.SetDesired(ctx, "ws-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, ws.Desired)
	assert.Equal(t, 0, ws.Running)

	_, err = ts.orch.SetDesired(ctx, "ws-1", -1)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = ts.orch.SetDesired(ctx, "ws-1", DefaultMaxWorkersPerWorkspace+1)
	require.ErrorAs(t, err, &verr)

	// Pause drains; resume restarts with a single worker.
	ws, err = ts.orch.Pause(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, ws.Desired)

	ws, err = ts.orch.Resume(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Desired)

	// Resume of an unknown workspace creates it with one worker.
	ws, err = ts.orch.Resume(ctx, "ws-new")
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Desired)

	list, err := ts.orch.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestArchivedSessionsHiddenByDefault(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()
	ts.registerMachine(t, "m-1", 0, 1)
	keep := ts.createSession(t, "proj-a", "m-1")
	gone := ts.createSession(t, "proj-a", "m-1")

	_, err := ts.sessions.ArchiveSession(ctx, gone.SessionID)
	require.NoError(t, err)

	visible, err := ts.sessions.ListSessions(ctx, models.SessionFilters{ProjectID: "proj-a"})
	require.NoError(t, err)
	require.Len(t, visible.Sessions, 1)
	assert.Equal(t, keep.SessionID, visible.Sessions[0].SessionID)

	all, err := ts.sessions.ListSessions(ctx, models.SessionFilters{ProjectID: "proj-a", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all.Sessions, 2)

	// Archiving is legal from any state, even terminal.
	_, err = ts.sessions.CompleteSession(ctx, keep.SessionID, models.SessionCompleted)
	require.NoError(t, err)
	_, err = ts.sessions.ArchiveSession(ctx, keep.SessionID)
	require.NoError(t, err)
}

func TestListSessionsValidation(t *testing.T) {
	ts := setupServices(t)
	ctx := context.Background()

	_, err := ts.sessions.ListSessions(ctx, models.SessionFilters{Status: "bogus"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = ts.sessions.ListSessions(ctx, models.SessionFilters{Limit: 500})
	require.ErrorAs(t, err, &verr)

	_, err = ts.sessions.GetSession(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
