// Package baseline builds the long-term climatology: one smooth expected
// seasonal curve per location, pooled over a fixed multi-year window. The
// baseline is monolithic: when the pooled window changes it is refit from
// scratch, never patched.
package baseline

import (
	"fmt"
	"time"

	"github.com/kye/vegsense/internal/fitter"
	"github.com/kye/vegsense/internal/metrics"
	"github.com/kye/vegsense/internal/models"
	"github.com/kye/vegsense/internal/runner"
	"github.com/kye/vegsense/internal/window"
)

const cycleDays = 365

// Row is one fitted baseline point plus its optional posterior draws, kept
// together so the flush callback can persist both in one pass.
type Row struct {
	Rec   models.BaselineRecord
	Draws []float64
}

type Config struct {
	StartYear int // pooled baseline window, inclusive
	EndYear   int

	// Partition is the work-unit axis: "location" fits one cyclic seasonal
	// curve per location; "doy" fits one spatial surface per day-of-year.
	// Both produce the same (location_id, day_of_year) keyed table.
	Partition string

	Harmonics int // cyclic basis order, location partition
	Centers   int // radial basis size, doy partition
	Window    int // symmetric DOY half-width, doy partition

	MinObs  int
	Lambda  float64
	Draws   int
	Seed    int64
	Threads int // numeric backend cap per worker; keep at 1 under parallel runs
}

type Builder struct {
	obs  []models.Observation
	locs []models.Location
	cfg  Config
}

// New prepares a builder over the read-only observation slice, which must
// already be restricted to the pooled baseline year range.
func New(obs []models.Observation, locs []models.Location, cfg Config) *Builder {
	return &Builder{obs: obs, locs: locs, cfg: cfg}
}

// Units partitions the baseline fit along the configured axis.
func (b *Builder) Units() []runner.Unit[Row] {
	if b.cfg.Partition == "doy" {
		return b.dayUnits()
	}
	return b.locationUnits()
}

func (b *Builder) locationUnits() []runner.Unit[Row] {
	byLoc := make(map[int64][]models.Observation)
	for _, o := range b.obs {
		byLoc[o.LocationID] = append(byLoc[o.LocationID], o)
	}

	units := make([]runner.Unit[Row], 0, len(b.locs))
	for _, loc := range b.locs {
		loc := loc
		obs := byLoc[loc.ID]
		id := fmt.Sprintf("loc:%d", loc.ID)
		units = append(units, runner.Unit[Row]{
			ID: id,
			Fit: func() ([]Row, error) {
				return b.fitLocation(loc, obs, id)
			},
		})
	}
	return units
}

// fitLocation fits one cyclic seasonal curve to a location's pooled
// observations and predicts every day of the cycle.
func (b *Builder) fitLocation(loc models.Location, obs []models.Observation, unitID string) ([]Row, error) {
	samples := make([]fitter.Sample, len(obs))
	for i, o := range obs {
		samples[i] = fitter.Sample{
			ID:    o.LocationID,
			Day:   float64(window.WrapDay(o.DayOfYear)),
			Value: o.Value,
		}
	}
	targets := make([]fitter.Target, cycleDays)
	for d := 1; d <= cycleDays; d++ {
		targets[d-1] = fitter.Target{ID: int64(d), Day: float64(d)}
	}

	start := time.Now()
	results, err := fitter.Fit(samples, targets, fitter.Spec{
		Kind:      fitter.SeasonalCyclic,
		Harmonics: b.cfg.Harmonics,
		Lambda:    b.cfg.Lambda,
		MinObs:    b.cfg.MinObs,
		Draws:     b.cfg.Draws,
		Seed:      fitter.UnitSeed(b.cfg.Seed, unitID),
		Threads:   b.cfg.Threads,
	})
	if err != nil {
		return nil, err
	}
	metrics.FitDuration.WithLabelValues("seasonal_cyclic").Observe(time.Since(start).Seconds())

	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = Row{
			Rec: models.BaselineRecord{
				LocationID: loc.ID,
				DayOfYear:  int(r.TargetID),
				NormMean:   r.Mean,
				NormSE:     r.SE,
			},
			Draws: r.Draws,
		}
	}
	return rows, nil
}

func (b *Builder) dayUnits() []runner.Unit[Row] {
	units := make([]runner.Unit[Row], 0, cycleDays)
	for d := 1; d <= cycleDays; d++ {
		d := d
		id := fmt.Sprintf("doy:%03d", d)
		units = append(units, runner.Unit[Row]{
			ID: id,
			Fit: func() ([]Row, error) {
				return b.fitDay(d, id)
			},
		})
	}
	return units
}

// fitDay fits one spatial surface to the pooled symmetric window around a
// day and predicts at every valid location.
func (b *Builder) fitDay(day int, unitID string) ([]Row, error) {
	sel := window.SymmetricDOY(b.obs, day, b.cfg.Window)
	samples := make([]fitter.Sample, len(sel))
	for i, o := range sel {
		samples[i] = fitter.Sample{ID: o.LocationID, X: o.X, Y: o.Y, Value: o.Value}
	}
	targets := make([]fitter.Target, len(b.locs))
	for i, l := range b.locs {
		targets[i] = fitter.Target{ID: l.ID, X: l.X, Y: l.Y}
	}

	start := time.Now()
	results, err := fitter.Fit(samples, targets, fitter.Spec{
		Kind:    fitter.SpatialOffset,
		Centers: b.cfg.Centers,
		Lambda:  b.cfg.Lambda,
		MinObs:  b.cfg.MinObs,
		Draws:   b.cfg.Draws,
		Seed:    fitter.UnitSeed(b.cfg.Seed, unitID),
		Threads: b.cfg.Threads,
	})
	if err != nil {
		return nil, err
	}
	metrics.FitDuration.WithLabelValues("spatial").Observe(time.Since(start).Seconds())

	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = Row{
			Rec: models.BaselineRecord{
				LocationID: r.TargetID,
				DayOfYear:  day,
				NormMean:   r.Mean,
				NormSE:     r.SE,
			},
			Draws: r.Draws,
		}
	}
	return rows, nil
}
