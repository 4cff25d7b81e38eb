package store

import (
	"github.com/kye/vegsense/internal/models"
)

// UpsertBaselineRecords writes a batch of baseline rows in one transaction.
// Refits replace rather than duplicate: the key is (location_id, day_of_year).
func (s *Store) UpsertBaselineRecords(recs []models.BaselineRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO baseline (location_id, day_of_year, norm_mean, norm_se)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(location_id, day_of_year) DO UPDATE SET
			norm_mean = excluded.norm_mean,
			norm_se = excluded.norm_se
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.LocationID, r.DayOfYear, r.NormMean, r.NormSE); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Baseline() ([]models.BaselineRecord, error) {
	rows, err := s.db.Query(`SELECT location_id, day_of_year, norm_mean, norm_se FROM baseline ORDER BY location_id, day_of_year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.BaselineRecord
	for rows.Next() {
		var r models.BaselineRecord
		if err := rows.Scan(&r.LocationID, &r.DayOfYear, &r.NormMean, &r.NormSE); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Store) BaselineCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM baseline`).Scan(&n)
	return n, err
}

// ClearBaseline drops every baseline row. The baseline is pooled and
// monolithic: a changed baseline window means a full refit, never a patch.
func (s *Store) ClearBaseline() error {
	_, err := s.db.Exec(`DELETE FROM baseline`)
	return err
}

func (s *Store) UpsertYearRecords(recs []models.YearRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO year_curves (location_id, year, day_of_year, year_mean, year_se)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(location_id, year, day_of_year) DO UPDATE SET
			year_mean = excluded.year_mean,
			year_se = excluded.year_se
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.LocationID, r.Year, r.DayOfYear, r.YearMean, r.YearSE); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) YearRecords(year int) ([]models.YearRecord, error) {
	rows, err := s.db.Query(`
		SELECT location_id, year, day_of_year, year_mean, year_se
		FROM year_curves WHERE year = ? ORDER BY location_id, day_of_year
	`, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.YearRecord
	for rows.Next() {
		var r models.YearRecord
		if err := rows.Scan(&r.LocationID, &r.Year, &r.DayOfYear, &r.YearMean, &r.YearSE); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Store) UpsertAnomalyRecords(recs []models.AnomalyRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO anomalies (location_id, year, day_of_year, anomaly, anomaly_se, z_score, p_value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, year, day_of_year) DO UPDATE SET
			anomaly = excluded.anomaly,
			anomaly_se = excluded.anomaly_se,
			z_score = excluded.z_score,
			p_value = excluded.p_value
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.LocationID, r.Year, r.DayOfYear, r.Anomaly, r.AnomalySE, r.ZScore, r.PValue); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AnomalyRecords(year int) ([]models.AnomalyRecord, error) {
	rows, err := s.db.Query(`
		SELECT location_id, year, day_of_year, anomaly, anomaly_se, z_score, p_value
		FROM anomalies WHERE year = ? ORDER BY location_id, day_of_year
	`, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.AnomalyRecord
	for rows.Next() {
		var r models.AnomalyRecord
		if err := rows.Scan(&r.LocationID, &r.Year, &r.DayOfYear, &r.Anomaly, &r.AnomalySE, &r.ZScore, &r.PValue); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Store) UpsertTrendRecords(recs []models.TrendRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO trend_anomalies (location_id, year, day_of_year, lag, baseline_rate, year_rate, rate_diff, lower, upper, significant)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, year, day_of_year, lag) DO UPDATE SET
			baseline_rate = excluded.baseline_rate,
			year_rate = excluded.year_rate,
			rate_diff = excluded.rate_diff,
			lower = excluded.lower,
			upper = excluded.upper,
			significant = excluded.significant
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.LocationID, r.Year, r.DayOfYear, r.Lag, r.BaselineRate, r.YearRate, r.RateDiff, r.Lower, r.Upper, r.Significant); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) TrendRecords(year int) ([]models.TrendRecord, error) {
	rows, err := s.db.Query(`
		SELECT location_id, year, day_of_year, lag, baseline_rate, year_rate, rate_diff, lower, upper, significant
		FROM trend_anomalies WHERE year = ? ORDER BY location_id, day_of_year, lag
	`, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.TrendRecord
	for rows.Next() {
		var r models.TrendRecord
		if err := rows.Scan(&r.LocationID, &r.Year, &r.DayOfYear, &r.Lag, &r.BaselineRate, &r.YearRate, &r.RateDiff, &r.Lower, &r.Upper, &r.Significant); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
