package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Slot binding statuses.
const (
	SlotStatusUnbound = "unbound"
	SlotStatusBound   = "bound"
	SlotStatusError   = "error"
)

// Swap outcomes recorded in history.
const (
	SwapOutcomeCommitted  = "committed"
	SwapOutcomeRolledBack = "rolled_back"
	SwapOutcomeErrored    = "errored"
)

// Slot is a capability slot row: the slot definition plus its current
// plugin binding.
type Slot struct {
	Name      string
	Contract  string
	Required  bool
	PluginID  string
	Status    string
	Detail    string
	UpdatedAt time.Time
}

// SwapRecord is one entry of the slot swap history.
type SwapRecord struct {
	ID         string
	Slot       string
	FromPlugin string
	ToPlugin   string
	Outcome    string
	Detail     string
	CreatedAt  time.Time
}

// ListSlots returns every slot of the active instance ordered by name.
func (s *Store) ListSlots(ctx context.Context) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, contract, required, plugin_id, status, detail, updated_at
		FROM slots
		WHERE instance_name = ?
		ORDER BY name
	`, s.instanceName)
	if err != nil {
		return nil, fmt.Errorf("config: list slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("config: scan slot row: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate slot rows: %w", err)
	}
	return slots, nil
}

// GetSlot returns a single slot by name.
func (s *Store) GetSlot(ctx context.Context, name string) (Slot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, contract, required, plugin_id, status, detail, updated_at
		FROM slots
		WHERE instance_name = ? AND name = ?
	`, s.instanceName, name)

	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, NotFoundError{Entity: "slot", Key: name}
	}
	if err != nil {
		return Slot{}, fmt.Errorf("config: get slot %s: %w", name, err)
	}
	return slot, nil
}

// DefineSlot creates a slot with the given contract if it does not exist.
// Required slots are expected to carry a binding; the flag is advisory and
// surfaced to operators, never enforced by the store.
func (s *Store) DefineSlot(ctx context.Context, name, contract string, required bool) error {
	if s.readOnly {
		return fmt.Errorf("config: define slot: store opened read-only")
	}
	if strings.TrimSpace(name) == "" || strings.TrimSpace(contract) == "" {
		return fmt.Errorf("config: define slot: name and contract are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (instance_name, name, contract, required)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_name, name) DO NOTHING
	`, s.instanceName, name, contract, required)
	if err != nil {
		return fmt.Errorf("config: define slot %s: %w", name, err)
	}
	return nil
}

// BindSlot records a plugin as the active binding for a slot.
func (s *Store) BindSlot(ctx context.Context, name, pluginID string) error {
	return s.setBinding(ctx, name, pluginID, SlotStatusBound, "")
}

// ClearSlot removes the slot's plugin binding.
func (s *Store) ClearSlot(ctx context.Context, name string) error {
	return s.setBinding(ctx, name, "", SlotStatusUnbound, "")
}

// MarkSlotError flags a slot whose binding is broken (for example a failed
// rollback) with a detail message for the operator.
func (s *Store) MarkSlotError(ctx context.Context, name, detail string) error {
	return s.setBindingKeepPlugin(ctx, name, SlotStatusError, detail)
}

func (s *Store) setBinding(ctx context.Context, name, pluginID, status, detail string) error {
	if s.readOnly {
		return fmt.Errorf("config: bind slot: store opened read-only")
	}
	var plugin any
	if pluginID != "" {
		plugin = pluginID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE slots
		SET plugin_id = ?, status = ?, detail = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_name = ? AND name = ?
	`, plugin, status, detail, s.instanceName, name)
	if err != nil {
		return fmt.Errorf("config: bind slot %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("config: bind slot %s: %w", name, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "slot", Key: name}
	}
	return nil
}

func (s *Store) setBindingKeepPlugin(ctx context.Context, name, status, detail string) error {
	if s.readOnly {
		return fmt.Errorf("config: update slot: store opened read-only")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE slots
		SET status = ?, detail = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_name = ? AND name = ?
	`, status, detail, s.instanceName, name)
	if err != nil {
		return fmt.Errorf("config: update slot %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("config: update slot %s: %w", name, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "slot", Key: name}
	}
	return nil
}

// RecordSwap appends a swap outcome to the history.
func (s *Store) RecordSwap(ctx context.Context, rec SwapRecord) error {
	if s.readOnly {
		return fmt.Errorf("config: record swap: store opened read-only")
	}
	if rec.ID == "" || rec.Slot == "" {
		return fmt.Errorf("config: record swap: id and slot are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_history (id, instance_name, slot, from_plugin, to_plugin, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, s.instanceName, rec.Slot, rec.FromPlugin, rec.ToPlugin, rec.Outcome, rec.Detail)
	if err != nil {
		return fmt.Errorf("config: record swap %s: %w", rec.ID, err)
	}
	return nil
}

// SwapHistory returns the most recent swap records for a slot, newest first.
// A zero limit returns everything.
func (s *Store) SwapHistory(ctx context.Context, slot string, limit int) ([]SwapRecord, error) {
	query := `
		SELECT id, slot, from_plugin, to_plugin, outcome, detail, created_at
		FROM swap_history
		WHERE instance_name = ? AND slot = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []any{s.instanceName, slot}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: swap history: %w", err)
	}
	defer rows.Close()

	var records []SwapRecord
	for rows.Next() {
		var rec SwapRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.Slot, &rec.FromPlugin, &rec.ToPlugin, &rec.Outcome, &rec.Detail, &created); err != nil {
			return nil, fmt.Errorf("config: scan swap row: %w", err)
		}
		rec.CreatedAt = parseTimestamp(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate swap rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (Slot, error) {
	var slot Slot
	var plugin sql.NullString
	var updated string
	if err := row.Scan(&slot.Name, &slot.Contract, &slot.Required, &plugin, &slot.Status, &slot.Detail, &updated); err != nil {
		return Slot{}, err
	}
	if plugin.Valid {
		slot.PluginID = plugin.String
	}
	slot.UpdatedAt = parseTimestamp(updated)
	return slot, nil
}

func parseTimestamp(value string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
