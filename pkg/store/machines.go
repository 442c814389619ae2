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

const machineColumns = `machine_id, hostname, slots, status, last_heartbeat,
	metadata, created_at, updated_at`

func scanMachine(sc rowScanner) (*models.Machine, error) {
	var (
		m        models.Machine
		slots    []byte
		metadata []byte
	)
	err := sc.Scan(&m.MachineID, &m.Hostname, &slots, &m.Status,
		&m.LastHeartbeat, &metadata, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(slots, &m.Slots); err != nil {
		return nil, fmt.Errorf("failed to decode machine slots: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode machine metadata: %w", err)
		}
	}
	return &m, nil
}

// InsertMachine registers a new machine row. A duplicate machine_id
// surfaces as a UniqueViolationError.
func (s *Store) InsertMachine(ctx context.Context, m *models.Machine) error {
	slots, err := json.Marshal(m.Slots)
	if err != nil {
		return fmt.Errorf("failed to encode machine slots: %w", err)
	}
	metadata, err := marshalMeta(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode machine metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines (machine_id, hostname, slots, status,
			last_heartbeat, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.MachineID, m.Hostname, slots, m.Status, m.LastHeartbeat,
		metadata, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if uv, ok := AsUniqueViolation(err); ok {
			return uv
		}
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

// GetMachine fetches one machine by id. Returns ErrNotFound when absent.
func (s *Store) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE machine_id = $1`, machineID)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMachines returns machines, optionally filtered by status, ordered
// by machine_id for stable output.
func (s *Store) ListMachines(ctx context.Context, status string) ([]*models.Machine, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		statuses := strings.Split(status, ",")
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines"+cond+" ORDER BY machine_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachine overwrites the mutable machine fields. Nil/empty fields
// keep their prior value. Returns ErrNotFound when the row is absent.
func (s *Store) UpdateMachine(ctx context.Context, machineID string, req models.UpdateMachineRequest, now time.Time) (*models.Machine, error) {
	var slots []byte
	if req.Slots != nil {
		var err error
		slots, err = json.Marshal(models.NormalizeSlots(req.Slots))
		if err != nil {
			return nil, fmt.Errorf("failed to encode machine slots: %w", err)
		}
	}
	patch, err := marshalMeta(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata patch: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE machines
		SET hostname = COALESCE($2, hostname),
		    slots = COALESCE($3, slots),
		    status = COALESCE($4, status),
		    metadata = metadata || $5::jsonb,
		    updated_at = $6
		WHERE machine_id = $1
		RETURNING `+machineColumns,
		machineID, req.Hostname, slots, (*string)(req.Status), patch, now)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateMachineHeartbeat refreshes a machine's heartbeat without ever
// regressing it and revives offline machines. Machines in maintenance
// stay in maintenance: an operator put them there on purpose.
func (s *Store) UpdateMachineHeartbeat(ctx context.Context, machineID string, now time.Time) (*models.Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE machines
		SET last_heartbeat = GREATEST(last_heartbeat, $2),
		    status = CASE WHEN status = 'offline' THEN 'online' ELSE status END,
		    updated_at = $2
		WHERE machine_id = $1
		RETURNING `+machineColumns, machineID, now)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// TransitionMachine compare-and-sets a machine's status. Returns
// (nil, nil) when the predicate misses.
func (s *Store) TransitionMachine(ctx context.Context, machineID string, from, to models.MachineStatus, now time.Time) (*models.Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE machines SET status = $3, updated_at = $4
		WHERE machine_id = $1 AND status = $2
		RETURNING `+machineColumns, machineID, from, to, now)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// StaleMachines returns online machines whose heartbeat is older than
// the cutoff. Input for the liveness monitor's offline pass.
func (s *Store) StaleMachines(ctx context.Context, cutoff time.Time) ([]*models.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+machineColumns+` FROM machines
		WHERE status = 'online' AND last_heartbeat < $1
		ORDER BY last_heartbeat`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale machines: %w", err)
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// DeleteMachine removes a machine row. The caller is responsible for
// checking that no non-terminal sessions still reference it.
func (s *Store) DeleteMachine(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM machines WHERE machine_id = $1`, machineID)
	if err != nil {
		return fmt.Errorf("failed to delete machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
