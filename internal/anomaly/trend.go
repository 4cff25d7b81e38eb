package anomaly

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kye/vegsense/internal/models"
)

// Change-rate anomalies. Unlike the level anomaly, rates at lag k depend on
// the joint distribution of predictions at two days, so analytic standard
// errors are not enough: the computation runs over posterior draws, where a
// draw index identifies one coherent curve across all days of the same fit.
// That coherence only exists when both days came out of a single fit, which
// is the location partition. Under the doy partition every day is its own
// fit, the draws are independent across days, and lag differencing loses the
// within-curve correlation.

// TrendConfig parameterizes the change-rate computation.
type TrendConfig struct {
	Year int
	Lags []int // candidate lags in days, e.g. 5, 10, 15
}

// ChangeRates computes, for one location, the year-specific rate of change
// at each lag, the baseline rate over the same day pair, and their
// difference, flagged significant when the 95% interval of the differenced
// draws excludes zero. baseDraws and yearDraws map day-of-year to that
// day's prediction draws.
func ChangeRates(locID int64, baseDraws, yearDraws map[int][]float64, cfg TrendConfig) []models.TrendRecord {
	days := make([]int, 0, len(yearDraws))
	for d := range yearDraws {
		days = append(days, d)
	}
	sort.Ints(days)

	var out []models.TrendRecord
	for _, d := range days {
		for _, lag := range cfg.Lags {
			prev := d - lag
			if prev < 1 {
				continue // rates never cross into the prior year's fit
			}
			yNow, yPrev := yearDraws[d], yearDraws[prev]
			bNow, bPrev := baseDraws[d], baseDraws[prev]
			n := minLen(yNow, yPrev, bNow, bPrev)
			if n < 2 {
				continue
			}

			diffs := make([]float64, n)
			var yRateSum, bRateSum float64
			for r := 0; r < n; r++ {
				yRate := (yNow[r] - yPrev[r]) / float64(lag)
				bRate := (bNow[r] - bPrev[r]) / float64(lag)
				yRateSum += yRate
				bRateSum += bRate
				diffs[r] = yRate - bRate
			}
			sort.Float64s(diffs)
			lower := stat.Quantile(0.025, stat.Empirical, diffs, nil)
			upper := stat.Quantile(0.975, stat.Empirical, diffs, nil)

			out = append(out, models.TrendRecord{
				LocationID:   locID,
				Year:         cfg.Year,
				DayOfYear:    d,
				Lag:          lag,
				BaselineRate: bRateSum / float64(n),
				YearRate:     yRateSum / float64(n),
				RateDiff:     (yRateSum - bRateSum) / float64(n),
				Lower:        lower,
				Upper:        upper,
				Significant:  lower > 0 || upper < 0,
			})
		}
	}
	return out
}

func minLen(slices ...[]float64) int {
	n := -1
	for _, s := range slices {
		if n < 0 || len(s) < n {
			n = len(s)
		}
	}
	if n < 0 {
		return 0
	}
	return n
}
