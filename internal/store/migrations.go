package store

import (
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS locations (
    location_id INTEGER PRIMARY KEY,
    x REAL NOT NULL,
    y REAL NOT NULL,
    valid BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location_id INTEGER NOT NULL,
    date DATE NOT NULL,
    year INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    value REAL NOT NULL,
    qc_flag INTEGER DEFAULT 0,
    UNIQUE(location_id, date)
);

CREATE INDEX IF NOT EXISTS idx_observations_doy ON observations(day_of_year);
CREATE INDEX IF NOT EXISTS idx_observations_year ON observations(year, day_of_year);

CREATE TABLE IF NOT EXISTS baseline (
    location_id INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    norm_mean REAL NOT NULL,
    norm_se REAL NOT NULL,
    PRIMARY KEY (location_id, day_of_year)
);

CREATE TABLE IF NOT EXISTS year_curves (
    location_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    year_mean REAL NOT NULL,
    year_se REAL NOT NULL,
    PRIMARY KEY (location_id, year, day_of_year)
);

CREATE TABLE IF NOT EXISTS anomalies (
    location_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    anomaly REAL NOT NULL,
    anomaly_se REAL NOT NULL,
    z_score REAL NOT NULL,
    p_value REAL NOT NULL,
    PRIMARY KEY (location_id, year, day_of_year)
);
`,
	},
	{
		Version:     2,
		Description: "Checkpoint state and run bookkeeping",
		SQL: `
CREATE TABLE IF NOT EXISTS checkpoints (
    run_kind TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'complete',
    failure_kind TEXT,
    completed_at DATETIME,
    PRIMARY KEY (run_kind, unit_id)
);

CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    params TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    outcome TEXT,
    units_fitted INTEGER DEFAULT 0,
    units_insufficient INTEGER DEFAULT 0,
    units_nonconverged INTEGER DEFAULT 0,
    join_dropped INTEGER DEFAULT 0
);
`,
	},
	{
		Version:     3,
		Description: "Posterior draw artifacts for change-rate anomalies",
		SQL: `
CREATE TABLE IF NOT EXISTS fit_draws (
    kind TEXT NOT NULL,
    location_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    draws BLOB NOT NULL,
    PRIMARY KEY (kind, location_id, year, day_of_year)
);
`,
	},
	{
		Version:     4,
		Description: "Change-rate anomaly output table",
		SQL: `
CREATE TABLE IF NOT EXISTS trend_anomalies (
    location_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    day_of_year INTEGER NOT NULL,
    lag INTEGER NOT NULL,
    baseline_rate REAL NOT NULL,
    year_rate REAL NOT NULL,
    rate_diff REAL NOT NULL,
    lower REAL NOT NULL,
    upper REAL NOT NULL,
    significant BOOLEAN NOT NULL,
    PRIMARY KEY (location_id, year, day_of_year, lag)
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
