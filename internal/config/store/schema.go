package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		instance_name TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (instance_name, key),
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS slots (
		instance_name TEXT NOT NULL,
		name TEXT NOT NULL,
		contract TEXT NOT NULL,
		required INTEGER NOT NULL DEFAULT 0,
		plugin_id TEXT,
		status TEXT NOT NULL DEFAULT 'unbound' CHECK (status IN ('unbound', 'bound', 'error')),
		detail TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (instance_name, name),
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS swap_history (
		id TEXT PRIMARY KEY,
		instance_name TEXT NOT NULL,
		slot TEXT NOT NULL,
		from_plugin TEXT NOT NULL DEFAULT '',
		to_plugin TEXT NOT NULL,
		outcome TEXT NOT NULL CHECK (outcome IN ('committed', 'rolled_back', 'errored')),
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_swap_history_slot
		ON swap_history(instance_name, slot, created_at)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}

	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("config: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit schema transaction: %w", err)
	}

	return nil
}

// defaultSlots are the capability slots every instance starts with, typed by
// their contract. The llm slot is required: the shell cannot function
// without a language model, while speech and memory are optional extras.
var defaultSlots = map[string]struct {
	contract string
	required bool
}{
	"llm":    {contract: "llm", required: true},
	"tts":    {contract: "tts"},
	"memory": {contract: "memory"},
}

func seedDefaultSlots(ctx context.Context, db *sql.DB, instanceName string) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO instances (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, instanceName); err != nil {
		return fmt.Errorf("config: seed instance: %w", err)
	}

	for name, def := range defaultSlots {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO slots (instance_name, name, contract, required)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(instance_name, name) DO NOTHING
		`, instanceName, name, def.contract, def.required); err != nil {
			return fmt.Errorf("config: seed slot %s: %w", name, err)
		}
	}
	return nil
}

func abbreviate(stmt string) string {
	flat := strings.Join(strings.Fields(stmt), " ")
	if len(flat) > 60 {
		return flat[:57] + "..."
	}
	return flat
}
