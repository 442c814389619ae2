// Package scheduler matches sessions to (machine, slot) pairs. Slot
// uniqueness is not enforced here but by the claim store's partial
// unique index on open sessions; the scheduler's job is to pick a slot
// and translate index verdicts into error kinds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// Error kinds surfaced by Assign. All map to Conflict or NotFound at
// the API boundary.
var (
	ErrUnknownMachine   = errors.New("machine not found")
	ErrMachineNotOnline = errors.New("machine is not online")
	ErrSlotNotOnMachine = errors.New("slot is not in the machine's slot set")
	ErrSlotOccupied     = errors.New("slot is occupied by another session")
	ErrNoSlotsAvailable = errors.New("no free slots on machine")
)

// Scheduler assigns and releases slots.
type Scheduler struct {
	store *store.Store
	now   func() time.Time
}

// New creates a scheduler. now == nil selects the real clock.
func New(st *store.Store, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: st, now: now}
}

// Assign binds the session to a slot on the machine. With an explicit
// slot it verifies membership and occupancy; without one it picks the
// lowest-numbered free slot. The write itself is a single
// compare-and-set on the session row racing against the open-slot
// unique index, so two concurrent assigns for the same slot resolve to
// exactly one winner; the loser gets ErrSlotOccupied and retrying is
// the caller's responsibility.
func (s *Scheduler) Assign(ctx context.Context, sessionID, machineID string, slot *int) (string, int, error) {
	machine, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", 0, ErrUnknownMachine
		}
		return "", 0, err
	}
	if machine.Status != models.MachineOnline {
		return "", 0, ErrMachineNotOnline
	}

	occupied, err := s.store.OccupiedSlots(ctx, machineID)
	if err != nil {
		return "", 0, err
	}

	var target int
	if slot != nil {
		if !machine.HasSlot(*slot) {
			return "", 0, ErrSlotNotOnMachine
		}
		for _, occ := range occupied {
			if occ == *slot {
				return "", 0, ErrSlotOccupied
			}
		}
		target = *slot
	} else {
		free := freeSlots(machine.Slots, occupied)
		if len(free) == 0 {
			return "", 0, ErrNoSlotsAvailable
		}
		target = free[0]
	}

	sess, err := s.store.AssignSessionSlot(ctx, sessionID, machineID, target, s.now().UTC())
	if err != nil {
		if _, ok := store.AsUniqueViolation(err); ok {
			// Lost the race against a concurrent assign of the same
			// slot: the occupancy snapshot above was already stale.
			return "", 0, ErrSlotOccupied
		}
		return "", 0, fmt.Errorf("failed to assign slot: %w", err)
	}
	if sess == nil {
		// The session is gone, already placed, or no longer active.
		return "", 0, ErrSlotOccupied
	}
	return machineID, target, nil
}

// Release frees the session's slot. Idempotent: releasing a session
// that holds no slot is a no-op.
func (s *Scheduler) Release(ctx context.Context, sessionID string) error {
	_, err := s.store.ReleaseSessionSlot(ctx, sessionID, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Availability summarizes slot occupancy, one entry per machine (or
// just the named one), sorted by free slot count descending.
func (s *Scheduler) Availability(ctx context.Context, machineID string) ([]*models.MachineAvailability, error) {
	var machines []*models.Machine
	if machineID != "" {
		m, err := s.store.GetMachine(ctx, machineID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrUnknownMachine
			}
			return nil, err
		}
		machines = []*models.Machine{m}
	} else {
		var err error
		machines, err = s.store.ListMachines(ctx, "")
		if err != nil {
			return nil, err
		}
	}

	out := make([]*models.MachineAvailability, 0, len(machines))
	for _, m := range machines {
		occupied, err := s.store.OccupiedSlots(ctx, m.MachineID)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.MachineAvailability{
			MachineID: m.MachineID,
			Total:     len(m.Slots),
			Occupied:  len(occupied),
			FreeSlots: freeSlots(m.Slots, occupied),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].FreeSlots) > len(out[j].FreeSlots)
	})
	return out, nil
}

// freeSlots returns the machine slots not in occupied, ascending.
// Both inputs are sorted.
func freeSlots(slots, occupied []int) []int {
	occ := make(map[int]bool, len(occupied))
	for _, o := range occupied {
		occ[o] = true
	}
	var free []int
	for _, sl := range slots {
		if !occ[sl] {
			free = append(free, sl)
		}
	}
	return free
}
