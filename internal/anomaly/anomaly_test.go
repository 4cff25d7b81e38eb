package anomaly

import (
	"math"
	"testing"

	"github.com/kye/vegsense/internal/models"
)

func TestJoin_Arithmetic(t *testing.T) {
	base := []models.BaselineRecord{
		{LocationID: 1, DayOfYear: 100, NormMean: 0.40, NormSE: 0.02},
	}
	year := []models.YearRecord{
		{LocationID: 1, Year: 2023, DayOfYear: 100, YearMean: 0.30, YearSE: 0.03},
	}

	recs, stats := Join(base, year)
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if stats.Matched != 1 || stats.DroppedBaseline != 0 || stats.DroppedYear != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	r := recs[0]
	if math.Abs(r.Anomaly-(-0.10)) > 1e-12 {
		t.Errorf("Anomaly = %v, want -0.10", r.Anomaly)
	}
	wantSE := math.Sqrt(0.02*0.02 + 0.03*0.03) // 0.0360555...
	if math.Abs(r.AnomalySE-wantSE) > 1e-12 {
		t.Errorf("AnomalySE = %v, want %v", r.AnomalySE, wantSE)
	}
	if math.Abs(r.ZScore-(-2.7735)) > 1e-3 {
		t.Errorf("ZScore = %v, want about -2.7735", r.ZScore)
	}
	if math.Abs(r.PValue-0.00555) > 1e-4 {
		t.Errorf("PValue = %v, want about 0.00555", r.PValue)
	}
}

func TestJoin_DropCounting(t *testing.T) {
	base := []models.BaselineRecord{
		{LocationID: 1, DayOfYear: 5, NormMean: 0.4, NormSE: 0.02},
		{LocationID: 1, DayOfYear: 6, NormMean: 0.4, NormSE: 0.02},
	}
	year := []models.YearRecord{
		{LocationID: 1, Year: 2023, DayOfYear: 5, YearMean: 0.3, YearSE: 0.03},
		{LocationID: 1, Year: 2023, DayOfYear: 7, YearMean: 0.3, YearSE: 0.03},
	}

	recs, stats := Join(base, year)
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if recs[0].DayOfYear != 5 {
		t.Errorf("matched day = %d, want 5", recs[0].DayOfYear)
	}
	if stats.DroppedBaseline != 1 {
		t.Errorf("DroppedBaseline = %d, want 1", stats.DroppedBaseline)
	}
	if stats.DroppedYear != 1 {
		t.Errorf("DroppedYear = %d, want 1", stats.DroppedYear)
	}
}

func TestJoin_EmptySidesProduceNothing(t *testing.T) {
	recs, stats := Join(nil, []models.YearRecord{{LocationID: 1, Year: 2023, DayOfYear: 1}})
	if len(recs) != 0 || stats.DroppedYear != 1 {
		t.Errorf("recs=%d stats=%+v", len(recs), stats)
	}
}

func constDraws(n int, fn func(r int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = fn(i)
	}
	return out
}

func TestChangeRates_SignificantDecline(t *testing.T) {
	// Baseline rises at 0.01/day, the year falls at 0.01/day. At lag 10 the
	// differenced rate is exactly -0.02 in every draw, so the interval
	// excludes zero.
	baseDraws := make(map[int][]float64)
	yearDraws := make(map[int][]float64)
	for d := 1; d <= 60; d++ {
		d := d
		baseDraws[d] = constDraws(50, func(r int) float64 { return 0.4 + 0.01*float64(d) + 1e-4*float64(r) })
		yearDraws[d] = constDraws(50, func(r int) float64 { return 0.4 - 0.01*float64(d) + 1e-4*float64(r) })
	}

	recs := ChangeRates(7, baseDraws, yearDraws, TrendConfig{Year: 2023, Lags: []int{10}})
	if len(recs) != 50 { // days 11..60
		t.Fatalf("len(recs) = %d, want 50", len(recs))
	}
	for _, r := range recs {
		if r.LocationID != 7 || r.Lag != 10 {
			t.Fatalf("record key = %+v", r)
		}
		if math.Abs(r.RateDiff-(-0.02)) > 1e-9 {
			t.Errorf("day %d: RateDiff = %v, want -0.02", r.DayOfYear, r.RateDiff)
		}
		if !r.Significant {
			t.Errorf("day %d: expected significant decline", r.DayOfYear)
		}
		if r.Upper >= 0 {
			t.Errorf("day %d: Upper = %v, want < 0", r.DayOfYear, r.Upper)
		}
	}
}

func TestChangeRates_NoSignalIsNotSignificant(t *testing.T) {
	// Year draws scatter symmetrically around the baseline rate.
	baseDraws := make(map[int][]float64)
	yearDraws := make(map[int][]float64)
	for d := 1; d <= 30; d++ {
		d := d
		baseDraws[d] = constDraws(100, func(r int) float64 { return 0.01 * float64(d) })
		yearDraws[d] = constDraws(100, func(r int) float64 {
			sign := 1.0
			if r%2 == 0 {
				sign = -1
			}
			return 0.01*float64(d) + sign*0.005*float64(d%3)
		})
	}

	recs := ChangeRates(1, baseDraws, yearDraws, TrendConfig{Year: 2023, Lags: []int{5}})
	for _, r := range recs {
		if r.Significant {
			t.Errorf("day %d lag %d: unexpectedly significant (%v, %v)", r.DayOfYear, r.Lag, r.Lower, r.Upper)
		}
	}
}

func TestChangeRates_LagNeverCrossesYearStart(t *testing.T) {
	baseDraws := map[int][]float64{3: {1, 1}, 8: {1, 1}}
	yearDraws := map[int][]float64{3: {1, 1}, 8: {1, 1}}
	recs := ChangeRates(1, baseDraws, yearDraws, TrendConfig{Year: 2023, Lags: []int{5}})
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1 (only day 8 has a valid lag-5 pair)", len(recs))
	}
	if recs[0].DayOfYear != 8 {
		t.Errorf("day = %d, want 8", recs[0].DayOfYear)
	}
}
