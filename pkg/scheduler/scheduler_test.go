package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
	"github.com/codeready-toolchain/dispatch/test/util"
)

func insertMachine(t *testing.T, st *store.Store, id string, slots []int, status models.MachineStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.InsertMachine(context.Background(), &models.Machine{
		MachineID:     id,
		Hostname:      id + ".local",
		Slots:         slots,
		Status:        status,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func insertActiveSession(t *testing.T, st *store.Store, machineID string) string {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.NewString()
	require.NoError(t, st.InsertSession(context.Background(), &models.Session{
		SessionID:     id,
		ProjectID:     "proj-1",
		MachineID:     machineID,
		Status:        models.SessionActive,
		LastHeartbeat: now,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	return id
}

func TestAssignPicksLowestFreeSlot(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-1", []int{1, 2, 3}, models.MachineOnline)

	s1 := insertActiveSession(t, st, "m-1")
	_, slot, err := sched.Assign(ctx, s1, "m-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	s2 := insertActiveSession(t, st, "m-1")
	_, slot, err = sched.Assign(ctx, s2, "m-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	// An explicit request for a taken slot is refused.
	s3 := insertActiveSession(t, st, "m-1")
	two := 2
	_, _, err = sched.Assign(ctx, s3, "m-1", &two)
	assert.ErrorIs(t, err, ErrSlotOccupied)

	three := 3
	_, slot, err = sched.Assign(ctx, s3, "m-1", &three)
	require.NoError(t, err)
	assert.Equal(t, 3, slot)

	s4 := insertActiveSession(t, st, "m-1")
	_, _, err = sched.Assign(ctx, s4, "m-1", nil)
	assert.ErrorIs(t, err, ErrNoSlotsAvailable)
}

func TestAssignGates(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-off", []int{1}, models.MachineOffline)
	insertMachine(t, st, "m-1", []int{1, 2}, models.MachineOnline)
	sess := insertActiveSession(t, st, "m-1")

	_, _, err := sched.Assign(ctx, sess, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownMachine)

	_, _, err = sched.Assign(ctx, sess, "m-off", nil)
	assert.ErrorIs(t, err, ErrMachineNotOnline)

	bogus := 42
	_, _, err = sched.Assign(ctx, sess, "m-1", &bogus)
	assert.ErrorIs(t, err, ErrSlotNotOnMachine)
}

func TestAssignRefusesPlacedSession(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-1", []int{1, 2}, models.MachineOnline)

	sess := insertActiveSession(t, st, "m-1")
	_, _, err := sched.Assign(ctx, sess, "m-1", nil)
	require.NoError(t, err)

	// The session already holds a slot; a second assign finds the
	// compare-and-set predicate false.
	_, _, err = sched.Assign(ctx, sess, "m-1", nil)
	assert.ErrorIs(t, err, ErrSlotOccupied)
}

func TestConcurrentAssignSameSlot(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-1", []int{1}, models.MachineOnline)

	const racers = 8
	ids := make([]string, racers)
	for i := range ids {
		ids[i] = insertActiveSession(t, st, "m-1")
	}

	one := 1
	var wg sync.WaitGroup
	winners := make(chan string, racers)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, _, err := sched.Assign(ctx, id, "m-1", &one); err == nil {
				winners <- id
			}
		}(id)
	}
	wg.Wait()
	close(winners)

	won := 0
	for range winners {
		won++
	}
	assert.Equal(t, 1, won)

	occupied, err := st.OccupiedSlots(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, occupied)
}

func TestReleaseIsIdempotent(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-1", []int{1}, models.MachineOnline)

	sess := insertActiveSession(t, st, "m-1")
	_, _, err := sched.Assign(ctx, sess, "m-1", nil)
	require.NoError(t, err)

	require.NoError(t, sched.Release(ctx, sess))
	require.NoError(t, sched.Release(ctx, sess))
	require.NoError(t, sched.Release(ctx, "never-existed"))

	occupied, err := st.OccupiedSlots(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, occupied)

	// The freed slot is assignable again.
	next := insertActiveSession(t, st, "m-1")
	_, slot, err := sched.Assign(ctx, next, "m-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestAvailabilityOrdering(t *testing.T) {
	st := util.SetupTestStore(t)
	sched := New(st, nil)
	ctx := context.Background()
	insertMachine(t, st, "m-busy", []int{1, 2}, models.MachineOnline)
	insertMachine(t, st, "m-idle", []int{1, 2, 3}, models.MachineOnline)

	sess := insertActiveSession(t, st, "m-busy")
	_, _, err := sched.Assign(ctx, sess, "m-busy", nil)
	require.NoError(t, err)

	avail, err := sched.Availability(ctx, "")
	require.NoError(t, err)
	require.Len(t, avail, 2)

	// Most free capacity first.
	assert.Equal(t, "m-idle", avail[0].MachineID)
	assert.Equal(t, []int{1, 2, 3}, avail[0].FreeSlots)
	assert.Equal(t, "m-busy", avail[1].MachineID)
	assert.Equal(t, 1, avail[1].Occupied)
	assert.Equal(t, []int{2}, avail[1].FreeSlots)

	_, err = sched.Availability(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownMachine)
}
