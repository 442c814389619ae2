package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dispatch/pkg/config"
	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/review"
	"github.com/codeready-toolchain/dispatch/pkg/scheduler"
	"github.com/codeready-toolchain/dispatch/pkg/services"
	"github.com/codeready-toolchain/dispatch/test/util"
)

const testAPIKey = "test-api-key"

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st := util.SetupTestStore(t)
	cfg := config.Default()
	cfg.Auth.APIKeys = []string{testAPIKey}
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000

	bus := events.NewBus(64, 16, nil)
	gateway := events.NewGateway(bus, time.Second)
	sched := scheduler.New(st, nil)
	queue := review.NewStoreQueue(st, 2*time.Hour, time.Now)

	svc := Services{
		Sessions:      services.NewSessionService(st, sched, bus, services.SessionServiceOptions{}),
		Tasks:         services.NewTaskService(st, bus, nil),
		Machines:      services.NewMachineService(st, bus, nil),
		Claims:        services.NewClaimService(st, bus, nil),
		Reviews:       services.NewReviewService(queue, bus),
		Orchestration: services.NewOrchestrationService(st, bus, 0, nil),
	}

	server := NewServer(cfg, st, svc, sched, bus, gateway, nil, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{t: t, srv: srv, client: srv.Client()}
}

// do sends an authenticated JSON request and decodes the response into
// out when it is non-nil.
func (a *testAPI) do(method, path string, body, out any) *http.Response {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(a.t, err)
	req.Header.Set("X-Api-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (a *testAPI) registerMachine(machineID string, slots []int) {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/machines", models.RegisterMachineRequest{
		MachineID: machineID,
		Hostname:  machineID + ".example.com",
		Slots:     slots,
	}, nil)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
}

func (a *testAPI) createSession(projectID, machineID string) *models.Session {
	a.t.Helper()
	var sess models.Session
	resp := a.do(http.MethodPost, "/sessions", models.CreateSessionRequest{
		ProjectID: projectID,
		MachineID: machineID,
	}, &sess)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	return &sess
}

func TestHealthBypassesAuth(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/detailed", "/health/system"} {
		resp, err := a.client.Get(a.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	// Everything else wants a key.
	resp, err := a.client.Get(a.srv.URL + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1, 2})

	sess := a.createSession("proj-1", "m-1")
	assert.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.Slot)

	// Heartbeat returns the post-image.
	var beat models.Session
	resp := a.do(http.MethodPost, "/sessions/"+sess.SessionID+"/heartbeat", nil, &beat)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, beat.LastHeartbeat.Before(sess.LastHeartbeat))

	// Listing finds it; archived sessions are hidden later.
	var list models.SessionListResponse
	resp = a.do(http.MethodGet, "/sessions?project_id=proj-1", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Sessions, 1)

	// PATCH to completed stamps completed_at.
	completed := models.SessionCompleted
	var done models.Session
	resp = a.do(http.MethodPatch, "/sessions/"+sess.SessionID,
		models.UpdateSessionRequest{Status: &completed}, &done)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	// A completed session refuses further heartbeats.
	resp = a.do(http.MethodPost, "/sessions/"+sess.SessionID+"/heartbeat", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// DELETE archives rather than deleting.
	var archived models.Session
	resp = a.do(http.MethodDelete, "/sessions/"+sess.SessionID, nil, &archived)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionArchived, archived.Status)

	resp = a.do(http.MethodGet, "/sessions?project_id=proj-1", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list.Sessions)
}

func TestSessionNotFound(t *testing.T) {
	a := newTestAPI(t)

	var body ErrorBody
	resp := a.do(http.MethodGet, "/sessions/ghost", nil, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, kindNotFound, body.ErrorKind)
}

func TestSlotConflictOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1})

	a.createSession("proj-1", "m-1")

	var body ErrorBody
	resp := a.do(http.MethodPost, "/sessions", models.CreateSessionRequest{
		ProjectID: "proj-2",
		MachineID: "m-1",
	}, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, kindConflict, body.ErrorKind)
}

func TestTaskEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1})
	sess := a.createSession("proj-1", "m-1")

	var task models.Task
	resp := a.do(http.MethodPost, "/tasks", models.CreateTaskRequest{SessionID: sess.SessionID}, &task)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.TaskPending, task.Status)

	resp = a.do(http.MethodPost, "/tasks/"+task.TaskID+"/start", nil, &task)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.TaskInProgress, task.Status)

	// The session now points at the running task.
	var mid models.Session
	a.do(http.MethodGet, "/sessions/"+sess.SessionID, nil, &mid)
	require.NotNil(t, mid.CurrentTaskID)
	assert.Equal(t, task.TaskID, *mid.CurrentTaskID)

	resp = a.do(http.MethodPost, "/tasks/"+task.TaskID+"/complete", nil, &task)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.TaskCompleted, task.Status)

	var after models.Session
	a.do(http.MethodGet, "/sessions/"+sess.SessionID, nil, &after)
	assert.Nil(t, after.CurrentTaskID)
}

func TestTaskIllegalTransitionBody(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1})
	sess := a.createSession("proj-1", "m-1")

	var task models.Task
	resp := a.do(http.MethodPost, "/tasks", models.CreateTaskRequest{SessionID: sess.SessionID}, &task)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// pending → failed is not a legal edge.
	var body ErrorBody
	resp = a.do(http.MethodPost, "/tasks/"+task.TaskID+"/fail",
		failTaskRequest{ErrorMessage: "boom"}, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, kindIllegalTransition, body.ErrorKind)
	assert.Equal(t, "pending", body.Details["from"])
	assert.Equal(t, "failed", body.Details["to"])
}

func TestClaimEndpoints(t *testing.T) {
	a := newTestAPI(t)

	var claim models.ProjectClaim
	resp := a.do(http.MethodPost, "/claims", models.ClaimRequest{
		ProjectNumber: 7, IssueNumber: 42, AgentID: "agent-1",
	}, &claim)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "agent-1", claim.ClaimedByAgentID)

	// Same agent re-claiming is idempotent.
	resp = a.do(http.MethodPost, "/claims", models.ClaimRequest{
		ProjectNumber: 7, IssueNumber: 42, AgentID: "agent-1",
	}, &claim)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// A different agent loses with the holder named.
	var body ErrorBody
	resp = a.do(http.MethodPost, "/claims", models.ClaimRequest{
		ProjectNumber: 7, IssueNumber: 42, AgentID: "agent-2",
	}, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, services.ConflictDuplicateClaim, body.Details["conflict"])
	assert.Contains(t, body.Message, "agent-1")

	resp = a.do(http.MethodDelete, "/claims/7/42", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(http.MethodGet, "/claims/7/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReviewEndpoints(t *testing.T) {
	a := newTestAPI(t)

	var item models.ReviewItem
	resp := a.do(http.MethodPost, "/reviews", models.EnqueueReviewRequest{
		ProjectNumber: 7, IssueNumber: 1, BranchName: "fix/one", CompletedByAgentID: "agent-1",
	}, &item)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.ReviewPending, item.Status)

	resp = a.do(http.MethodPost, "/reviews/"+item.ReviewID+"/claim", nil, &item)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ReviewInReview, item.Status)

	// Second claim loses.
	var body ErrorBody
	resp = a.do(http.MethodPost, "/reviews/"+item.ReviewID+"/claim", nil, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, services.ConflictReviewAlreadyClaimed, body.Details["conflict"])

	// Rejection without feedback is invalid.
	resp = a.do(http.MethodPost, "/reviews/"+item.ReviewID+"/status",
		models.UpdateReviewStatusRequest{Status: models.ReviewRejected}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(http.MethodPost, "/reviews/"+item.ReviewID+"/status",
		models.UpdateReviewStatusRequest{Status: models.ReviewApproved}, &item)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ReviewApproved, item.Status)

	var stats models.ReviewStats
	resp = a.do(http.MethodGet, "/reviews/stats", nil, &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, stats.Approved)
}

func TestOrchestrationEndpoints(t *testing.T) {
	a := newTestAPI(t)

	var ws models.WorkspaceOrchestration
	resp := a.do(http.MethodPut, "/api/orchestration/workspaces/ws-1",
		models.SetDesiredRequest{Desired: 3}, &ws)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, ws.Desired)

	var list []*models.WorkspaceOrchestration
	resp = a.do(http.MethodGet, "/api/orchestration/workspaces", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)

	resp = a.do(http.MethodPost, "/api/orchestration/workspaces/ws-1/pause", nil, &ws)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, ws.Desired)

	resp = a.do(http.MethodPost, "/api/orchestration/workspaces/ws-1/resume", nil, &ws)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ws.Desired)

	// The cap rejects absurd desired counts.
	var body ErrorBody
	resp = a.do(http.MethodPut, "/api/orchestration/workspaces/ws-1",
		models.SetDesiredRequest{Desired: 10000}, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, kindValidation, body.ErrorKind)
}

func TestWorktreeCacheEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(http.MethodGet, "/api/events/worktree/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var status models.WorktreeStatus
	resp = a.do(http.MethodPut, "/api/events/worktree/7",
		models.WorktreeStatus{Branch: "fix/one", Dirty: true}, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, status.ProjectNumber)
	assert.False(t, status.UpdatedAt.IsZero())

	var got models.WorktreeStatus
	resp = a.do(http.MethodGet, "/api/events/worktree/7", nil, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fix/one", got.Branch)
	assert.True(t, got.Dirty)
}

func TestProjectEventIngestion(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(http.MethodPost, "/api/events/project", models.ProjectEvent{
		ProjectNumber: 7,
		Type:          "agent.progress",
		Payload:       map[string]any{"step": "tests"},
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = a.do(http.MethodPost, "/api/events/project", models.ProjectEvent{Type: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMachineEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1, 2, 3})

	var availability []*models.MachineAvailability
	resp := a.do(http.MethodGet, "/machines/available", nil, &availability)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, availability, 1)
	assert.Equal(t, 3, availability[0].Total)

	sess := a.createSession("proj-1", "m-1")

	resp = a.do(http.MethodGet, "/machines/available", nil, &availability)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, availability[0].Occupied)

	// Deleting a machine with live sessions is refused.
	var body ErrorBody
	resp = a.do(http.MethodDelete, "/machines/m-1", nil, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	completed := models.SessionCompleted
	resp = a.do(http.MethodPatch, "/sessions/"+sess.SessionID,
		models.UpdateSessionRequest{Status: &completed}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(http.MethodDelete, "/machines/m-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRequestIDOnEveryResponse(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/health", nil)
	require.NoError(t, err)
	resp, err := a.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestStaleSessionsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.registerMachine("m-1", []int{1})
	a.createSession("proj-1", "m-1")

	// A fresh session is not stale under any sane threshold.
	var sessions []*models.Session
	resp := a.do(http.MethodGet, "/sessions/stale", nil, &sessions)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sessions)

	// A one-nanosecond threshold makes everything stale.
	resp = a.do(http.MethodGet, "/sessions/stale?threshold=1ns", nil, &sessions)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, sessions, 1)

	resp = a.do(http.MethodGet, fmt.Sprintf("/sessions/stale?threshold=%s", "bogus"), nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
