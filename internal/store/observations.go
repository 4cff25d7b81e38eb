package store

import (
	"fmt"
	"time"

	"github.com/kye/vegsense/internal/models"
)

func (s *Store) UpsertLocation(loc models.Location) error {
	_, err := s.db.Exec(`
		INSERT INTO locations (location_id, x, y, valid)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(location_id) DO UPDATE SET
			x = excluded.x,
			y = excluded.y,
			valid = excluded.valid
	`, loc.ID, loc.X, loc.Y, loc.Valid)
	return err
}

// ValidLocations returns locations that pass the validity mask, ordered by id
// so partitioning is stable across runs.
func (s *Store) ValidLocations() ([]models.Location, error) {
	rows, err := s.db.Query(`SELECT location_id, x, y, valid FROM locations WHERE valid = TRUE ORDER BY location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ID, &l.X, &l.Y, &l.Valid); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (s *Store) InsertObservation(obs models.Observation) error {
	_, err := s.db.Exec(`
		INSERT INTO observations (location_id, date, year, day_of_year, value, qc_flag)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, date) DO NOTHING
	`, obs.LocationID, obs.Date, obs.Year, obs.DayOfYear, obs.Value, obs.QCFlag)
	return err
}

// InsertObservations loads a batch inside one transaction. Used by the test
// fixtures and by whatever upstream aggregation step feeds the store.
func (s *Store) InsertObservations(obs []models.Observation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO observations (location_id, date, year, day_of_year, value, qc_flag)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, date) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(o.LocationID, o.Date, o.Year, o.DayOfYear, o.Value, o.QCFlag); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadObservations reads every QC-clean observation for valid locations in
// the given year range, inclusive. The slice is the read-only working set for
// an entire pipeline run; nothing mutates it after this returns.
func (s *Store) LoadObservations(startYear, endYear int) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT o.location_id, l.x, l.y, o.date, o.year, o.day_of_year, o.value, o.qc_flag
		FROM observations o
		JOIN locations l ON l.location_id = o.location_id
		WHERE l.valid = TRUE AND o.qc_flag = 0 AND o.year >= ? AND o.year <= ?
		ORDER BY o.location_id, o.date
	`, startYear, endYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var date time.Time
		if err := rows.Scan(&o.LocationID, &o.X, &o.Y, &date, &o.Year, &o.DayOfYear, &o.Value, &o.QCFlag); err != nil {
			return nil, err
		}
		o.Date = date.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ObservationYearRange returns the first and last year with any QC-clean
// observation. ok is false when the store is empty.
func (s *Store) ObservationYearRange() (first, last int, ok bool, err error) {
	row := s.db.QueryRow(`SELECT MIN(year), MAX(year) FROM observations WHERE qc_flag = 0`)
	var minYear, maxYear *int
	if err := row.Scan(&minYear, &maxYear); err != nil {
		return 0, 0, false, err
	}
	if minYear == nil || maxYear == nil {
		return 0, 0, false, nil
	}
	return *minYear, *maxYear, true, nil
}

func (s *Store) ObservationCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}
