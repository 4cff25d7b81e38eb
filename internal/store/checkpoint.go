package store

import (
	"time"

	"github.com/kye/vegsense/internal/models"
)

// Checkpoint state. Keyed by (run_kind, unit_id) so each partition resumes
// independently: losing or clearing one kind's rows never touches another's.
// Rows for a kind are removed only after the run's final output is persisted
// and the run row is marked finished; a crash before then leaves a usable
// checkpoint, which is the at-least-once guarantee.

const (
	UnitComplete = "complete"
	UnitFailed   = "failed"
)

func (s *Store) MarkUnitComplete(runKind, unitID string) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_kind, unit_id, status, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_kind, unit_id) DO UPDATE SET
			status = excluded.status,
			failure_kind = NULL,
			completed_at = excluded.completed_at
	`, runKind, unitID, UnitComplete, time.Now().UTC())
	return err
}

// MarkUnitFailed records a permanently failed unit (no retries are
// configured). Failed units are not re-attempted on resume: first failure is
// terminal for that unit.
func (s *Store) MarkUnitFailed(runKind, unitID string, kind models.FailureKind) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_kind, unit_id, status, failure_kind, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_kind, unit_id) DO UPDATE SET
			status = excluded.status,
			failure_kind = excluded.failure_kind,
			completed_at = excluded.completed_at
	`, runKind, unitID, UnitFailed, string(kind), time.Now().UTC())
	return err
}

// SettledUnits returns every unit already complete or terminally failed for
// the given kind. The remaining work set on resume is all_units minus these.
func (s *Store) SettledUnits(runKind string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT unit_id FROM checkpoints WHERE run_kind = ?`, runKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settled := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		settled[id] = true
	}
	return settled, rows.Err()
}

// FailedUnitCounts returns how many checkpointed units failed per failure
// kind, so a resumed run can report totals covering prior attempts.
func (s *Store) FailedUnitCounts(runKind string) (map[models.FailureKind]int, error) {
	rows, err := s.db.Query(`
		SELECT failure_kind, COUNT(*) FROM checkpoints
		WHERE run_kind = ? AND status = ? GROUP BY failure_kind
	`, runKind, UnitFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.FailureKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[models.FailureKind(kind)] = n
	}
	return counts, rows.Err()
}

func (s *Store) ClearCheckpoints(runKind string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE run_kind = ?`, runKind)
	return err
}

// BeginRun records the start of a pipeline run and returns its id.
func (s *Store) BeginRun(kind, params string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO runs (kind, params, started_at) VALUES (?, ?, ?)
	`, kind, params, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun marks a run finished with its outcome and contract counters.
func (s *Store) FinishRun(id int64, outcome string, sum models.RunSummary) error {
	_, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, outcome = ?,
			units_fitted = ?, units_insufficient = ?, units_nonconverged = ?, join_dropped = ?
		WHERE id = ?
	`, time.Now().UTC(), outcome,
		sum.UnitsFitted, sum.SkippedInsufficient, sum.SkippedNonConverged,
		sum.JoinDroppedBaseline+sum.JoinDroppedYear, id)
	return err
}
