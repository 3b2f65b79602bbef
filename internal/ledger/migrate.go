package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "outcomes",
		SQL: `
		CREATE TABLE IF NOT EXISTS outcomes (
			id          TEXT PRIMARY KEY,
			file        TEXT NOT NULL,
			recipient   TEXT,
			disposition TEXT NOT NULL,
			summary     TEXT,
			error       TEXT,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_started ON outcomes(started_at);
		`,
	},
	{
		Version:     2,
		Description: "per-channel results",
		SQL: `
		CREATE TABLE IF NOT EXISTS channel_results (
			outcome_id TEXT NOT NULL REFERENCES outcomes(id) ON DELETE CASCADE,
			channel    TEXT NOT NULL,
			ok         INTEGER NOT NULL,
			kind       TEXT,
			error      TEXT,
			PRIMARY KEY (outcome_id, channel)
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_disposition ON outcomes(disposition);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying ledger migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
