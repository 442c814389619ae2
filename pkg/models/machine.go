package models

import (
	"slices"
	"time"
)

// MachineStatus is the lifecycle state of a worker machine.
type MachineStatus string

const (
	MachineOnline      MachineStatus = "online"
	MachineOffline     MachineStatus = "offline"
	MachineMaintenance MachineStatus = "maintenance"
)

// Valid reports whether s is a known machine status.
func (s MachineStatus) Valid() bool {
	switch s {
	case MachineOnline, MachineOffline, MachineMaintenance:
		return true
	}
	return false
}

// Machine is a worker host with a fixed set of execution slots.
// A slot number is meaningful only within its machine.
type Machine struct {
	MachineID     string         `json:"machine_id"`
	Hostname      string         `json:"hostname"`
	Slots         []int          `json:"slots"`
	Status        MachineStatus  `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasSlot reports whether slot belongs to the machine's slot set.
func (m *Machine) HasSlot(slot int) bool {
	return slices.Contains(m.Slots, slot)
}

// NormalizeSlots sorts the slot set and removes duplicates in place.
func NormalizeSlots(slots []int) []int {
	slices.Sort(slots)
	return slices.Compact(slots)
}

// RegisterMachineRequest contains fields for registering a new machine.
type RegisterMachineRequest struct {
	MachineID string         `json:"machine_id"`
	Hostname  string         `json:"hostname"`
	Slots     []int          `json:"slots"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateMachineRequest contains the mutable machine fields. Nil means
// "leave unchanged".
type UpdateMachineRequest struct {
	Hostname *string        `json:"hostname,omitempty"`
	Slots    []int          `json:"slots,omitempty"`
	Status   *MachineStatus `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MachineAvailability summarizes slot occupancy on one machine.
type MachineAvailability struct {
	MachineID string `json:"machine_id"`
	Total     int    `json:"total"`
	Occupied  int    `json:"occupied"`
	FreeSlots []int  `json:"free_slots"`
}
