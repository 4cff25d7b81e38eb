package baseline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/kye/vegsense/internal/models"
	"github.com/kye/vegsense/internal/runner"
	"github.com/kye/vegsense/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func trueCurve(locID int64, day int) float64 {
	amp := 0.1 + 0.05*float64(locID)
	return 0.5 + amp*math.Sin(2*math.Pi*float64(day)/365)
}

// seasonalObs samples the true curve every step days across the given years
// with small deterministic jitter.
func seasonalObs(locID int64, years []int, step int) []models.Observation {
	var out []models.Observation
	for _, y := range years {
		for d := 1; d <= 365; d += step {
			date := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
			jitter := 0.01 * math.Sin(float64((d*7+y*13)%97))
			out = append(out, models.Observation{
				LocationID: locID,
				Date:       date,
				Year:       y,
				DayOfYear:  date.YearDay(),
				Value:      trueCurve(locID, d) + jitter,
			})
		}
	}
	return out
}

func persistRows(st *store.Store) func([]Row) error {
	return func(rows []Row) error {
		recs := make([]models.BaselineRecord, len(rows))
		for i, r := range rows {
			recs[i] = r.Rec
		}
		return st.UpsertBaselineRecords(recs)
	}
}

func TestBuild_LocationPartition(t *testing.T) {
	st := testStore(t)

	locs := []models.Location{
		{ID: 1, X: 145.0, Y: -36.5, Valid: true},
		{ID: 2, X: 145.1, Y: -36.5, Valid: true},
	}
	years := []int{2010, 2011, 2013}
	var obs []models.Observation
	for _, l := range locs {
		obs = append(obs, seasonalObs(l.ID, years, 5)...)
	}

	b := New(obs, locs, Config{
		StartYear: 2010, EndYear: 2013,
		Partition: "location",
		Harmonics: 4,
		MinObs:    30,
		Seed:      7,
	})
	units := b.Units()
	if len(units) != 2 {
		t.Fatalf("len(units) = %d, want 2", len(units))
	}

	sum, err := runner.Run(context.Background(), units, st, persistRows(st), runner.Options{
		Kind: "baseline", Workers: 2, CheckpointEvery: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.UnitsFitted != 2 || sum.ExitCode() != models.ExitOK {
		t.Fatalf("summary = %+v", sum)
	}

	recs, err := st.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if len(recs) != 2*365 {
		t.Fatalf("rows = %d, want %d", len(recs), 2*365)
	}
	for _, r := range recs {
		want := trueCurve(r.LocationID, r.DayOfYear)
		if math.Abs(r.NormMean-want) > 0.03 {
			t.Fatalf("loc %d day %d: mean = %.4f, want %.4f", r.LocationID, r.DayOfYear, r.NormMean, want)
		}
		if r.NormSE < 0 || math.IsNaN(r.NormSE) {
			t.Fatalf("loc %d day %d: bad SE %v", r.LocationID, r.DayOfYear, r.NormSE)
		}
	}
}

func TestBuild_DOYPartition(t *testing.T) {
	st := testStore(t)

	// A 3x3 grid with a planar field and no seasonality, so each per-day
	// spatial fit sees the same surface.
	var locs []models.Location
	plane := func(x, y float64) float64 { return 0.4 + 0.01*x - 0.02*y }
	for xi := 0; xi < 3; xi++ {
		for yi := 0; yi < 3; yi++ {
			locs = append(locs, models.Location{
				ID: int64(xi*3 + yi + 1), X: float64(xi), Y: float64(yi), Valid: true,
			})
		}
	}
	var obs []models.Observation
	for _, l := range locs {
		for _, y := range []int{2010, 2011} {
			for d := 1; d <= 365; d += 5 {
				date := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
				obs = append(obs, models.Observation{
					LocationID: l.ID, X: l.X, Y: l.Y,
					Date: date, Year: y, DayOfYear: date.YearDay(),
					Value: plane(l.X, l.Y),
				})
			}
		}
	}

	b := New(obs, locs, Config{
		StartYear: 2010, EndYear: 2011,
		Partition: "doy",
		Centers:   4,
		Window:    7,
		MinObs:    20,
		Seed:      7,
	})
	units := b.Units()
	if len(units) != 365 {
		t.Fatalf("len(units) = %d, want 365", len(units))
	}

	sum, err := runner.Run(context.Background(), units, st, persistRows(st), runner.Options{
		Kind: "baseline", Workers: 4, CheckpointEvery: 50,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.UnitsFitted != 365 {
		t.Fatalf("UnitsFitted = %d, want 365", sum.UnitsFitted)
	}

	recs, err := st.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if len(recs) != 9*365 {
		t.Fatalf("rows = %d, want %d", len(recs), 9*365)
	}
	for _, r := range recs {
		var loc models.Location
		for _, l := range locs {
			if l.ID == r.LocationID {
				loc = l
			}
		}
		want := plane(loc.X, loc.Y)
		if math.Abs(r.NormMean-want) > 0.01 {
			t.Fatalf("loc %d day %d: mean = %.4f, want %.4f", r.LocationID, r.DayOfYear, r.NormMean, want)
		}
	}
}

func TestBuild_ResumeAfterCrashMatchesCleanRun(t *testing.T) {
	locs := []models.Location{
		{ID: 1, X: 0, Y: 0, Valid: true},
		{ID: 2, X: 1, Y: 0, Valid: true},
		{ID: 3, X: 2, Y: 0, Valid: true},
	}
	years := []int{2010, 2011}
	mkObs := func() []models.Observation {
		var obs []models.Observation
		for _, l := range locs {
			obs = append(obs, seasonalObs(l.ID, years, 7)...)
		}
		return obs
	}
	cfg := Config{
		StartYear: 2010, EndYear: 2011,
		Partition: "location",
		Harmonics: 3,
		MinObs:    30,
		Seed:      99,
	}
	opts := runner.Options{Kind: "baseline", Workers: 1, CheckpointEvery: 1}

	// Clean run.
	clean := testStore(t)
	if _, err := runner.Run(context.Background(), New(mkObs(), locs, cfg).Units(), clean, persistRows(clean), opts); err != nil {
		t.Fatalf("clean run: %v", err)
	}

	// Crashed run: the second flush fails permanently, losing one unit's rows
	// but keeping the first unit's checkpoint.
	crashed := testStore(t)
	flushes := 0
	write := persistRows(crashed)
	_, err := runner.Run(context.Background(), New(mkObs(), locs, cfg).Units(), crashed, func(rows []Row) error {
		flushes++
		if flushes >= 2 {
			return backoff.Permanent(errors.New("power cut"))
		}
		return write(rows)
	}, opts)
	if !errors.Is(err, models.ErrCheckpointWrite) {
		t.Fatalf("crashed run err = %v", err)
	}

	// Resume with a healthy writer.
	sum, err := runner.Run(context.Background(), New(mkObs(), locs, cfg).Units(), crashed, write, opts)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if sum.UnitsResumed == 0 {
		t.Fatal("resume did not skip any settled units")
	}

	want, err := clean.Baseline()
	if err != nil {
		t.Fatalf("clean Baseline: %v", err)
	}
	got, err := crashed.Baseline()
	if err != nil {
		t.Fatalf("resumed Baseline: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("row counts differ: clean %d, resumed %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d differs: %+v vs %+v", i, got[i], want[i])
		}
	}
}
