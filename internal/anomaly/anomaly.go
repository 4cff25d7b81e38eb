// Package anomaly joins the baseline and year-specific tables into the
// per-location, per-day anomaly signal. No fitting happens here, only a keyed
// join plus closed-form error propagation.
package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kye/vegsense/internal/metrics"
	"github.com/kye/vegsense/internal/models"
)

// JoinStats reports join completeness. Dropped keys are part of the output
// contract, not incidental logging.
type JoinStats struct {
	Matched         int
	DroppedBaseline int // baseline keys with no year-specific counterpart
	DroppedYear     int // year-specific keys with no baseline counterpart
}

type key struct {
	loc int64
	doy int
}

// Join emits one anomaly record for every (location, day) key present in
// both tables. The error propagation assumes independent errors:
//
//	anomaly    = year_mean - norm_mean
//	anomaly_se = sqrt(year_se^2 + norm_se^2)
//	z          = anomaly / anomaly_se
//	p          = 2 * Phi(-|z|)
func Join(base []models.BaselineRecord, year []models.YearRecord) ([]models.AnomalyRecord, JoinStats) {
	idx := make(map[key]models.BaselineRecord, len(base))
	for _, b := range base {
		idx[key{b.LocationID, b.DayOfYear}] = b
	}

	var stats JoinStats
	matched := make(map[key]bool, len(year))
	out := make([]models.AnomalyRecord, 0, len(year))
	for _, y := range year {
		k := key{y.LocationID, y.DayOfYear}
		b, ok := idx[k]
		if !ok {
			stats.DroppedYear++
			continue
		}
		matched[k] = true
		stats.Matched++

		a := y.YearMean - b.NormMean
		se := math.Sqrt(y.YearSE*y.YearSE + b.NormSE*b.NormSE)
		var z, p float64
		if se > 0 {
			z = a / se
			p = 2 * distuv.UnitNormal.CDF(-math.Abs(z))
		} else {
			// Degenerate zero-uncertainty inputs only arise in synthetic data.
			z = 0
			p = 1
		}
		out = append(out, models.AnomalyRecord{
			LocationID: y.LocationID,
			Year:       y.Year,
			DayOfYear:  y.DayOfYear,
			Anomaly:    a,
			AnomalySE:  se,
			ZScore:     z,
			PValue:     p,
		})
	}
	stats.DroppedBaseline = len(idx) - len(matched)

	metrics.JoinDropped.WithLabelValues("baseline").Add(float64(stats.DroppedBaseline))
	metrics.JoinDropped.WithLabelValues("year").Add(float64(stats.DroppedYear))
	return out, stats
}
