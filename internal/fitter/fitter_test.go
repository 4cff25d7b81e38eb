package fitter

import (
	"errors"
	"math"
	"testing"

	"github.com/kye/vegsense/internal/models"
)

// seasonalSamples builds a seasonal signal sampled every few days across the
// cycle, repeated as if pooled over several years, with small deterministic
// jitter so fitted uncertainty is nonzero.
func seasonalSamples(step, repeats int) []Sample {
	var out []Sample
	for r := 0; r < repeats; r++ {
		for d := 1; d <= 365; d += step {
			jitter := 0.01 * math.Sin(float64((d*7+r*13)%97))
			out = append(out, Sample{
				ID:    1,
				Day:   float64(d),
				Value: 0.5 + 0.2*math.Sin(2*math.Pi*float64(d)/365) + jitter,
			})
		}
	}
	return out
}

func dayTargets() []Target {
	targets := make([]Target, 365)
	for d := 1; d <= 365; d++ {
		targets[d-1] = Target{ID: int64(d), Day: float64(d)}
	}
	return targets
}

func TestFit_SeasonalCyclic_RecoversCurve(t *testing.T) {
	samples := seasonalSamples(5, 3)
	results, err := Fit(samples, dayTargets(), Spec{Kind: SeasonalCyclic, Harmonics: 4, MinObs: 10})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(results) != 365 {
		t.Fatalf("len(results) = %d, want 365", len(results))
	}

	for _, r := range results {
		want := 0.5 + 0.2*math.Sin(2*math.Pi*float64(r.TargetID)/365)
		if math.Abs(r.Mean-want) > 0.02 {
			t.Fatalf("day %d: mean = %.4f, want %.4f", r.TargetID, r.Mean, want)
		}
		if r.SE < 0 || math.IsNaN(r.SE) {
			t.Fatalf("day %d: bad SE %v", r.TargetID, r.SE)
		}
		if r.Lower > r.Mean || r.Upper < r.Mean {
			t.Fatalf("day %d: interval does not bracket mean", r.TargetID)
		}
	}
}

func TestFit_SeasonalCyclic_BoundaryContinuity(t *testing.T) {
	samples := seasonalSamples(5, 3)
	results, err := Fit(samples, dayTargets(), Spec{Kind: SeasonalCyclic, Harmonics: 4, MinObs: 10})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// Day 365 and day 1 are adjacent on the cycle: a cyclic fit cannot jump
	// across the year boundary.
	gap := math.Abs(results[364].Mean - results[0].Mean)
	if gap > 0.02 {
		t.Errorf("boundary gap = %.4f, want < 0.02", gap)
	}
}

func TestFit_Deterministic(t *testing.T) {
	samples := seasonalSamples(7, 2)
	spec := Spec{Kind: SeasonalCyclic, Harmonics: 3, MinObs: 10, Draws: 20, Seed: 42}

	a, err := Fit(samples, dayTargets(), spec)
	if err != nil {
		t.Fatalf("first Fit: %v", err)
	}
	b, err := Fit(samples, dayTargets(), spec)
	if err != nil {
		t.Fatalf("second Fit: %v", err)
	}

	for i := range a {
		if a[i].Mean != b[i].Mean || a[i].SE != b[i].SE {
			t.Fatalf("target %d: refit diverged: (%v,%v) vs (%v,%v)", a[i].TargetID, a[i].Mean, a[i].SE, b[i].Mean, b[i].SE)
		}
		for r := range a[i].Draws {
			if a[i].Draws[r] != b[i].Draws[r] {
				t.Fatalf("target %d draw %d: %v vs %v", a[i].TargetID, r, a[i].Draws[r], b[i].Draws[r])
			}
		}
	}
}

func TestFit_DrawsDependOnSeed(t *testing.T) {
	samples := seasonalSamples(7, 2)
	a, err := Fit(samples, dayTargets()[:1], Spec{Kind: SeasonalCyclic, MinObs: 10, Draws: 10, Seed: 1})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	b, err := Fit(samples, dayTargets()[:1], Spec{Kind: SeasonalCyclic, MinObs: 10, Draws: 10, Seed: 2})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	same := true
	for r := range a[0].Draws {
		if a[0].Draws[r] != b[0].Draws[r] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical draws")
	}
}

func TestFit_InsufficientData(t *testing.T) {
	samples := seasonalSamples(60, 1) // 7 samples
	_, err := Fit(samples, dayTargets(), Spec{Kind: SeasonalCyclic, MinObs: 30})
	var fe *models.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *models.FitError", err)
	}
	if fe.Kind != models.FailInsufficientData {
		t.Errorf("kind = %s, want %s", fe.Kind, models.FailInsufficientData)
	}
}

func TestFit_SpatialCoverageGate(t *testing.T) {
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, Sample{ID: int64(i), X: float64(i), Y: float64(i % 3), Value: 0.5})
	}
	_, err := Fit(samples, nil, Spec{
		Kind:        SpatialOffset,
		MinObs:      5,
		MinFraction: 0.25,
		TotalUnits:  100, // 10 of 100 locations covered: below the gate
	})
	var fe *models.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *models.FitError", err)
	}
	if fe.Kind != models.FailInsufficientData {
		t.Errorf("kind = %s, want %s", fe.Kind, models.FailInsufficientData)
	}
}

func TestFit_ConvergenceFailure_DegenerateSpatial(t *testing.T) {
	// Every sample at the same point: the design is rank-deficient and the
	// penalized normal equations are not positive definite.
	var samples []Sample
	for i := 0; i < 40; i++ {
		samples = append(samples, Sample{ID: 1, X: 2, Y: 3, Value: 0.5})
	}
	_, err := Fit(samples, []Target{{ID: 1, X: 2, Y: 3}}, Spec{Kind: SpatialOffset, MinObs: 10})
	var fe *models.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *models.FitError", err)
	}
	if fe.Kind != models.FailConvergence {
		t.Errorf("kind = %s, want %s", fe.Kind, models.FailConvergence)
	}
}

func TestFit_SpatialOffset_RecoversSurfacePlusOffset(t *testing.T) {
	// Value = offset + planar departure; the fit models only the departure.
	var samples []Sample
	for xi := 0; xi < 8; xi++ {
		for yi := 0; yi < 8; yi++ {
			x, y := float64(xi), float64(yi)
			samples = append(samples, Sample{
				ID:     int64(xi*8 + yi),
				X:      x,
				Y:      y,
				Offset: 0.4,
				Value:  0.4 + 0.01*x - 0.02*y,
			})
		}
	}
	targets := []Target{
		{ID: 9, X: 1, Y: 1, Offset: 0.4},
		{ID: 36, X: 4, Y: 4, Offset: 0.4},
	}
	results, err := Fit(samples, targets, Spec{Kind: SpatialOffset, Centers: 9, MinObs: 20})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for _, r := range results {
		x := float64(r.TargetID / 8)
		y := float64(r.TargetID % 8)
		want := 0.4 + 0.01*x - 0.02*y
		if math.Abs(r.Mean-want) > 0.01 {
			t.Errorf("target %d: mean = %.4f, want %.4f", r.TargetID, r.Mean, want)
		}
	}
}

func TestFit_SeasonalPadded_AsymmetricPadding(t *testing.T) {
	// First coverage year: samples exist on [1, 365+30] only. The padded
	// model must fit over that asymmetric domain without error.
	var samples []Sample
	for d := 1; d <= 395; d += 4 {
		jitter := 0.01 * math.Sin(float64((d*11)%89))
		samples = append(samples, Sample{
			ID:    1,
			Day:   float64(d),
			Value: 0.5 + 0.2*math.Sin(2*math.Pi*float64(d)/365) + jitter,
		})
	}
	results, err := Fit(samples, dayTargets(), Spec{
		Kind:   SeasonalPadded,
		Knots:  10,
		DayMin: 1,
		DayMax: 395,
		MinObs: 10,
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(results) != 365 {
		t.Fatalf("len(results) = %d, want 365", len(results))
	}
	for _, r := range results {
		want := 0.5 + 0.2*math.Sin(2*math.Pi*float64(r.TargetID)/365)
		if math.Abs(r.Mean-want) > 0.03 {
			t.Errorf("day %d: mean = %.4f, want %.4f", r.TargetID, r.Mean, want)
		}
	}
}

func TestFit_ThreadsMatchSingleThreaded(t *testing.T) {
	samples := seasonalSamples(5, 2)
	one, err := Fit(samples, dayTargets(), Spec{Kind: SeasonalCyclic, MinObs: 10, Threads: 1})
	if err != nil {
		t.Fatalf("Fit threads=1: %v", err)
	}
	four, err := Fit(samples, dayTargets(), Spec{Kind: SeasonalCyclic, MinObs: 10, Threads: 4})
	if err != nil {
		t.Fatalf("Fit threads=4: %v", err)
	}
	for i := range one {
		if one[i].Mean != four[i].Mean || one[i].SE != four[i].SE {
			t.Fatalf("target %d: parallel prediction diverged", one[i].TargetID)
		}
	}
}

func TestBsplineRow_PartitionOfUnity(t *testing.T) {
	// Both domain endpoints included: the right endpoint historically seeded
	// two degree-0 intervals and summed to 2.
	for _, nseg := range []int{7, 8, 10, 12} {
		for _, x := range []float64{1, 50.5, 182, 300, 364, 365} {
			row := bsplineRow(x, 1, 365, nseg)
			if len(row) != bsplineBasisSize(nseg) {
				t.Fatalf("nseg=%d: basis size = %d, want %d", nseg, len(row), bsplineBasisSize(nseg))
			}
			sum := 0.0
			for _, v := range row {
				sum += v
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("nseg=%d x=%v: basis sum = %v, want 1", nseg, x, sum)
			}
		}
	}
}

func TestFit_SeasonalPadded_AccurateAtDomainEnd(t *testing.T) {
	// No forward padding: the domain ends exactly at day 365, so the last
	// targets are evaluated at the domain boundary.
	var samples []Sample
	for d := 1; d <= 365; d += 4 {
		jitter := 0.01 * math.Sin(float64((d*11)%89))
		samples = append(samples, Sample{
			ID:    1,
			Day:   float64(d),
			Value: 0.5 + 0.2*math.Sin(2*math.Pi*float64(d)/365) + jitter,
		})
	}
	samples = append(samples, Sample{ID: 1, Day: 365, Value: 0.5 + 0.2*math.Sin(2*math.Pi) + 0.01})

	results, err := Fit(samples, dayTargets(), Spec{
		Kind:   SeasonalPadded,
		Knots:  8,
		DayMin: 1,
		DayMax: 365,
		MinObs: 10,
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for _, r := range results {
		want := 0.5 + 0.2*math.Sin(2*math.Pi*float64(r.TargetID)/365)
		if math.Abs(r.Mean-want) > 0.03 {
			t.Errorf("day %d: mean = %.4f, want %.4f", r.TargetID, r.Mean, want)
		}
	}
}
