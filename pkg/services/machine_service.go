package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// MachineService manages the worker machine registry.
type MachineService struct {
	store *store.Store
	bus   *events.Bus
	now   func() time.Time
}

// NewMachineService creates the machine registry service. now == nil
// selects the real clock.
func NewMachineService(st *store.Store, bus *events.Bus, now func() time.Time) *MachineService {
	if now == nil {
		now = time.Now
	}
	return &MachineService{store: st, bus: bus, now: now}
}

func (s *MachineService) emit(eventType string, m *models.Machine) {
	s.bus.Publish(events.Event{Type: eventType, Payload: m})
}

// Register adds a machine to the registry, online with an empty slot
// occupancy. Slot sets are normalized (sorted, deduplicated) on the way
// in.
func (s *MachineService) Register(ctx context.Context, req models.RegisterMachineRequest) (*models.Machine, error) {
	if req.MachineID == "" {
		return nil, NewValidationError("machine_id", "is required")
	}
	if len(req.Slots) == 0 {
		return nil, NewValidationError("slots", "at least one slot is required")
	}
	for _, slot := range req.Slots {
		if slot < 0 {
			return nil, NewValidationError("slots", "slot numbers must be non-negative")
		}
	}

	now := s.now().UTC()
	m := &models.Machine{
		MachineID:     req.MachineID,
		Hostname:      req.Hostname,
		Slots:         models.NormalizeSlots(req.Slots),
		Status:        models.MachineOnline,
		LastHeartbeat: now,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertMachine(ctx, m); err != nil {
		if _, ok := store.AsUniqueViolation(err); ok {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	s.emit("machine.registered", m)
	return m, nil
}

// Get fetches one machine.
func (s *MachineService) Get(ctx context.Context, machineID string) (*models.Machine, error) {
	m, err := s.store.GetMachine(ctx, machineID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return m, err
}

// List returns machines, optionally filtered by a comma-separated
// status list.
func (s *MachineService) List(ctx context.Context, status string) ([]*models.Machine, error) {
	if status != "" {
		for _, st := range splitStatuses(status) {
			if !models.MachineStatus(st).Valid() {
				return nil, NewValidationError("status", "unknown status: "+st)
			}
		}
	}
	machines, err := s.store.ListMachines(ctx, status)
	if err != nil {
		return nil, err
	}
	if machines == nil {
		machines = []*models.Machine{}
	}
	return machines, nil
}

// Update changes a machine's mutable fields. Shrinking the slot set is
// refused while any removed slot is occupied: the occupying session
// keeps its slot until it terminates.
func (s *MachineService) Update(ctx context.Context, machineID string, req models.UpdateMachineRequest) (*models.Machine, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, NewValidationError("status", "unknown status: "+string(*req.Status))
	}

	if req.Slots != nil {
		req.Slots = models.NormalizeSlots(req.Slots)
		if err := s.checkSlotShrink(ctx, machineID, req.Slots); err != nil {
			return nil, err
		}
	}

	m, err := s.store.UpdateMachine(ctx, machineID, req, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	s.emit("machine.updated", m)
	return m, nil
}

func (s *MachineService) checkSlotShrink(ctx context.Context, machineID string, newSlots []int) error {
	occupied, err := s.store.OccupiedSlots(ctx, machineID)
	if err != nil {
		return err
	}
	keep := make(map[int]bool, len(newSlots))
	for _, slot := range newSlots {
		keep[slot] = true
	}
	for _, slot := range occupied {
		if !keep[slot] {
			return NewValidationError("slots",
				fmt.Sprintf("slot %d is occupied and cannot be removed", slot))
		}
	}
	return nil
}

// Heartbeat refreshes the machine's liveness signal. Revives offline
// machines to online; maintenance is an operator decision and stays.
func (s *MachineService) Heartbeat(ctx context.Context, machineID string) (*models.Machine, error) {
	prior, err := s.Get(ctx, machineID)
	if err != nil {
		return nil, err
	}
	m, err := s.store.UpdateMachineHeartbeat(ctx, machineID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if prior.Status == models.MachineOffline && m.Status == models.MachineOnline {
		s.emit("machine.online", m)
	}
	return m, nil
}

// Delete removes a machine from the registry. Refused while the machine
// still has non-terminal sessions.
func (s *MachineService) Delete(ctx context.Context, machineID string) error {
	if _, err := s.Get(ctx, machineID); err != nil {
		return err
	}
	count, err := s.store.NonTerminalSessionCount(ctx, machineID)
	if err != nil {
		return err
	}
	if count > 0 {
		return &ConflictError{
			Kind:    ConflictSlotOccupied,
			Message: fmt.Sprintf("machine has %d non-terminal session(s)", count),
		}
	}
	if err := s.store.DeleteMachine(ctx, machineID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.bus.Publish(events.Event{Type: "machine.deleted", Payload: map[string]string{"machine_id": machineID}})
	return nil
}
