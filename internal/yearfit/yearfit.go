// Package yearfit fits the year-specific seasonal curve for one calendar
// year, using the baseline climatology as an offset covariate. Years are
// independent of each other, which is what makes the incremental path cheap:
// new current-year data refits only the current year.
package yearfit

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

type Row struct {
	Rec   models.YearRecord
	Draws []float64
}

type Config struct {
	Year int

	// Partition: "location" fits a padded non-cyclic seasonal spline per
	// location; "doy" fits a spatial surface per day over a trailing window.
	Partition string

	Knots     int // spline segments, interior years
	EdgeKnots int // reduced flexibility for the first/last year of coverage
	Pad       int // edge padding days borrowed from adjacent years

	Centers      int // radial basis size, doy partition
	EdgeCenters  int
	TrailingDays int // trailing window length, doy partition

	MinObs      int
	MinFraction float64 // doy partition: required fraction of locations with data

	Lambda  float64
	Draws   int
	Seed    int64
	Threads int

	// Coverage bounds of the observation store, for edge-year detection.
	FirstYear int
	LastYear  int
}

// edge reports whether the target year sits at a coverage boundary, where
// padding is asymmetric or absent and the model gets fewer degrees of
// freedom. That is a bias/variance tradeoff, not an error.
func (c Config) edge() bool {
	return c.Year <= c.FirstYear || c.Year >= c.LastYear
}

type Predictor struct {
	obs  []models.Observation // target year plus adjacent-year margins
	locs []models.Location
	base map[baseKey]models.BaselineRecord
	cfg  Config
}

type baseKey struct {
	loc int64
	doy int
}

// New prepares a predictor. obs must cover the target year and, when
// available, the padding margins of the adjacent years. base is the full
// baseline table; locations without baseline rows cannot be fit.
func New(obs []models.Observation, locs []models.Location, base []models.BaselineRecord, cfg Config) *Predictor {
	idx := make(map[baseKey]models.BaselineRecord, len(base))
	for _, b := range base {
		idx[baseKey{b.LocationID, b.DayOfYear}] = b
	}
	return &Predictor{obs: obs, locs: locs, base: idx, cfg: cfg}
}

func (p *Predictor) Units() []runner.Unit[Row] {
	if p.cfg.Partition == "doy" {
		return p.dayUnits()
	}
	return p.locationUnits()
}

func (p *Predictor) locationUnits() []runner.Unit[Row] {
	byLoc := make(map[int64][]models.Observation)
	for _, o := range p.obs {
		byLoc[o.LocationID] = append(byLoc[o.LocationID], o)
	}

	units := make([]runner.Unit[Row], 0, len(p.locs))
	for _, loc := range p.locs {
		loc := loc
		obs := byLoc[loc.ID]
		id := fmt.Sprintf("y%d:loc:%d", p.cfg.Year, loc.ID)
		units = append(units, runner.Unit[Row]{
			ID: id,
			Fit: func() ([]Row, error) {
				return p.fitLocation(loc, obs, id)
			},
		})
	}
	return units
}

// fitLocation fits the padded seasonal spline for one location-year. The
// baseline curve enters as an offset, so the spline models the departure
// from normal rather than the seasonal shape itself.
func (p *Predictor) fitLocation(loc models.Location, obs []models.Observation, unitID string) ([]Row, error) {
	padded := window.PaddedSeason(obs, p.cfg.Year, p.cfg.Pad)

	samples := make([]fitter.Sample, 0, len(padded))
	for _, o := range padded {
		b, ok := p.base[baseKey{loc.ID, window.WrapDay(o.DayOfYear)}]
		if !ok {
			continue
		}
		samples = append(samples, fitter.Sample{
			ID:     loc.ID,
			Day:    float64(o.RelDay),
			Value:  o.Value,
			Offset: b.NormMean,
		})
	}
	if len(samples) == 0 {
		return nil, models.InsufficientData("no observations with baseline coverage for location %d", loc.ID)
	}

	// Domain follows the padding actually present: a first or last coverage
	// year simply has a shorter axis on the missing side.
	dayMin, dayMax := 1.0, float64(cycleDays)
	if window.HasPriorPadding(padded) {
		dayMin = float64(1 - p.cfg.Pad)
	}
	if window.HasNextPadding(padded) {
		dayMax = float64(cycleDays + p.cfg.Pad)
	}

	knots := p.cfg.Knots
	if p.cfg.edge() && p.cfg.EdgeKnots > 0 {
		knots = p.cfg.EdgeKnots
	}

	targets := make([]fitter.Target, 0, cycleDays)
	for d := 1; d <= cycleDays; d++ {
		b, ok := p.base[baseKey{loc.ID, d}]
		if !ok {
			continue
		}
		targets = append(targets, fitter.Target{ID: int64(d), Day: float64(d), Offset: b.NormMean})
	}

	start := time.Now()
	results, err := fitter.Fit(samples, targets, fitter.Spec{
		Kind:    fitter.SeasonalPadded,
		Knots:   knots,
		DayMin:  dayMin,
		DayMax:  dayMax,
		Lambda:  p.cfg.Lambda,
		MinObs:  p.cfg.MinObs,
		Draws:   p.cfg.Draws,
		Seed:    fitter.UnitSeed(p.cfg.Seed, unitID),
		Threads: p.cfg.Threads,
	})
	if err != nil {
		return nil, err
	}
	metrics.FitDuration.WithLabelValues("seasonal_padded").Observe(time.Since(start).Seconds())

	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = Row{
			Rec: models.YearRecord{
				LocationID: loc.ID,
				Year:       p.cfg.Year,
				DayOfYear:  int(r.TargetID),
				YearMean:   r.Mean,
				YearSE:     r.SE,
			},
			Draws: r.Draws,
		}
	}
	return rows, nil
}

func (p *Predictor) dayUnits() []runner.Unit[Row] {
	units := make([]runner.Unit[Row], 0, cycleDays)
	for d := 1; d <= cycleDays; d++ {
		d := d
		id := fmt.Sprintf("y%d:doy:%03d", p.cfg.Year, d)
		units = append(units, runner.Unit[Row]{
			ID: id,
			Fit: func() ([]Row, error) {
				return p.fitDay(d, id)
			},
		})
	}
	return units
}

// fitDay fits one spatial surface over the trailing window ending at the
// target date. The trailing selection is calendar-date based, so reaching
// into late December of the prior year needs no day-of-year arithmetic.
func (p *Predictor) fitDay(day int, unitID string) ([]Row, error) {
	target := time.Date(p.cfg.Year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day-1)
	sel := window.Trailing(p.obs, target, p.cfg.TrailingDays)

	samples := make([]fitter.Sample, 0, len(sel))
	for _, o := range sel {
		b, ok := p.base[baseKey{o.LocationID, window.WrapDay(o.DayOfYear)}]
		if !ok {
			continue
		}
		samples = append(samples, fitter.Sample{
			ID:     o.LocationID,
			X:      o.X,
			Y:      o.Y,
			Value:  o.Value,
			Offset: b.NormMean,
		})
	}

	targets := make([]fitter.Target, 0, len(p.locs))
	for _, l := range p.locs {
		b, ok := p.base[baseKey{l.ID, day}]
		if !ok {
			continue
		}
		targets = append(targets, fitter.Target{ID: l.ID, X: l.X, Y: l.Y, Offset: b.NormMean})
	}
	if len(targets) == 0 {
		return nil, models.InsufficientData("no baseline coverage on day %d", day)
	}

	centers := p.cfg.Centers
	if p.cfg.edge() && p.cfg.EdgeCenters > 0 {
		centers = p.cfg.EdgeCenters
	}

	start := time.Now()
	results, err := fitter.Fit(samples, targets, fitter.Spec{
		Kind:        fitter.SpatialOffset,
		Centers:     centers,
		Lambda:      p.cfg.Lambda,
		MinObs:      p.cfg.MinObs,
		MinFraction: p.cfg.MinFraction,
		TotalUnits:  len(p.locs),
		Draws:       p.cfg.Draws,
		Seed:        fitter.UnitSeed(p.cfg.Seed, unitID),
		Threads:     p.cfg.Threads,
	})
	if err != nil {
		return nil, err
	}
	metrics.FitDuration.WithLabelValues("spatial").Observe(time.Since(start).Seconds())

	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = Row{
			Rec: models.YearRecord{
				LocationID: r.TargetID,
				Year:       p.cfg.Year,
				DayOfYear:  day,
				YearMean:   r.Mean,
				YearSE:     r.SE,
			},
			Draws: r.Draws,
		}
	}
	return rows, nil
}
