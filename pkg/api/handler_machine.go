package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// registerMachineHandler handles POST /machines.
func (s *Server) registerMachineHandler(c *echo.Context) error {
	var req models.RegisterMachineRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	m, err := s.svc.Machines.Register(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

// listMachinesHandler handles GET /machines.
func (s *Server) listMachinesHandler(c *echo.Context) error {
	machines, err := s.svc.Machines.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return s.respondError(c, err)
	}
	if machines == nil {
		machines = []*models.Machine{}
	}
	return c.JSON(http.StatusOK, machines)
}

// availableMachinesHandler handles GET /machines/available. Summarizes
// slot occupancy per machine, most free slots first. A machine query
// parameter narrows to one machine.
func (s *Server) availableMachinesHandler(c *echo.Context) error {
	availability, err := s.sched.Availability(c.Request().Context(), c.QueryParam("machine"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, availability)
}

// getMachineHandler handles GET /machines/:id.
func (s *Server) getMachineHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	m, err := s.svc.Machines.Get(c.Request().Context(), machineID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// updateMachineHandler handles PATCH /machines/:id.
func (s *Server) updateMachineHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	var req models.UpdateMachineRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	m, err := s.svc.Machines.Update(c.Request().Context(), machineID, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// deleteMachineHandler handles DELETE /machines/:id. Refused while the
// machine still hosts non-terminal sessions.
func (s *Server) deleteMachineHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	if err := s.svc.Machines.Delete(c.Request().Context(), machineID); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// machineHeartbeatHandler handles POST /machines/:id/heartbeat.
func (s *Server) machineHeartbeatHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	m, err := s.svc.Machines.Heartbeat(c.Request().Context(), machineID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// assignSessionRequest is the body for POST /machines/:id/assign-session.
type assignSessionRequest struct {
	SessionID string `json:"session_id"`
	Slot      *int   `json:"slot,omitempty"`
}

// assignSessionResponse reports the slot an assignment landed on.
type assignSessionResponse struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Slot      int    `json:"slot"`
}

// assignSessionHandler handles POST /machines/:id/assign-session.
// Binds an existing session to a slot on the machine; omitting slot
// picks the lowest free one.
func (s *Server) assignSessionHandler(c *echo.Context) error {
	machineID := c.Param("id")
	if machineID == "" {
		return badRequest(c, "machine id is required")
	}
	var req assignSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SessionID == "" {
		return badRequest(c, "session_id is required")
	}

	assignedMachine, slot, err := s.sched.Assign(c.Request().Context(), req.SessionID, machineID, req.Slot)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, &assignSessionResponse{
		SessionID: req.SessionID,
		MachineID: assignedMachine,
		Slot:      slot,
	})
}

// releaseSessionRequest is the body for POST /machines/:id/release-session.
type releaseSessionRequest struct {
	SessionID string `json:"session_id"`
}

// releaseSessionHandler handles POST /machines/:id/release-session.
// Idempotent: releasing an unassigned session succeeds.
func (s *Server) releaseSessionHandler(c *echo.Context) error {
	if c.Param("id") == "" {
		return badRequest(c, "machine id is required")
	}
	var req releaseSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SessionID == "" {
		return badRequest(c, "session_id is required")
	}
	if err := s.sched.Release(c.Request().Context(), req.SessionID); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
