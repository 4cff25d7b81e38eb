package store

import (
	"encoding/binary"
	"math"
)

// Posterior draw artifacts for the change-rate extension. Draws are stored as
// little-endian float64 blobs keyed by (kind, location, year, day). Baseline
// draws use year 0. Retaining draws is a space/fidelity tradeoff the caller
// opts into per run.

const (
	DrawKindBaseline = "baseline"
	DrawKindYear     = "year"
)

func encodeDraws(draws []float64) []byte {
	buf := make([]byte, 8*len(draws))
	for i, d := range draws {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(d))
	}
	return buf
}

func decodeDraws(buf []byte) []float64 {
	draws := make([]float64, len(buf)/8)
	for i := range draws {
		draws[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return draws
}

func (s *Store) SaveDraws(kind string, locationID int64, year, dayOfYear int, draws []float64) error {
	_, err := s.db.Exec(`
		INSERT INTO fit_draws (kind, location_id, year, day_of_year, draws)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, location_id, year, day_of_year) DO UPDATE SET
			draws = excluded.draws
	`, kind, locationID, year, dayOfYear, encodeDraws(draws))
	return err
}

// LoadDraws returns day_of_year -> draws for one location and kind/year.
func (s *Store) LoadDraws(kind string, locationID int64, year int) (map[int][]float64, error) {
	rows, err := s.db.Query(`
		SELECT day_of_year, draws FROM fit_draws
		WHERE kind = ? AND location_id = ? AND year = ?
	`, kind, locationID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int][]float64)
	for rows.Next() {
		var doy int
		var blob []byte
		if err := rows.Scan(&doy, &blob); err != nil {
			return nil, err
		}
		out[doy] = decodeDraws(blob)
	}
	return out, rows.Err()
}

// DrawLocations lists locations that have stored draws for a kind/year.
func (s *Store) DrawLocations(kind string, year int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT location_id FROM fit_draws
		WHERE kind = ? AND year = ? ORDER BY location_id
	`, kind, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
