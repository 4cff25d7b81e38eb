// Package fitter fits smooth regression models to irregularly sampled
// vegetation-index observations and predicts with uncertainty on a target
// grid. A fit is a pure function of (sample, spec): no state survives
// between calls, and a fixed seed makes posterior draws reproducible.
package fitter

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kye/vegsense/internal/models"
)

type Kind int

const (
	// SeasonalCyclic is a smooth periodic function of day-of-year. Used for
	// the multi-year pooled baseline, where day 365 must join day 1 without a
	// discontinuity in value or slope.
	SeasonalCyclic Kind = iota

	// SeasonalPadded is a non-cyclic smooth function over an extended day
	// axis (possibly <1 or >365) used for single-year fits with edge padding
	// borrowed from adjacent years.
	SeasonalPadded

	// SpatialOffset is a smooth surface over (x,y) with the baseline
	// prediction entering as a fixed offset, used for per-day cross-location
	// fits.
	SpatialOffset
)

// Sample is one observation prepared for a fitting call. Day is float so the
// padded model can place borrowed observations at negative or >365 positions.
// Offset is only meaningful for SpatialOffset fits.
type Sample struct {
	ID     int64
	X, Y   float64
	Day    float64
	Value  float64
	Offset float64
}

// Target is one requested prediction point.
type Target struct {
	ID     int64
	X, Y   float64
	Day    float64
	Offset float64
}

// Spec selects and parameterizes the model. Flexibility knobs (Harmonics,
// Knots, Centers) are per-call so edge years can fit with fewer degrees of
// freedom than interior years.
type Spec struct {
	Kind Kind

	Harmonics int     // SeasonalCyclic basis order
	Knots     int     // SeasonalPadded spline segments
	Centers   int     // SpatialOffset radial basis size
	DayMin    float64 // SeasonalPadded domain; defaults to [1,365]
	DayMax    float64

	Lambda float64 // smoothing penalty; <= 0 selects by GCV

	MinObs      int     // refuse to fit below this sample count
	MinFraction float64 // SpatialOffset: required fraction of locations with data
	TotalUnits  int     // SpatialOffset: denominator for MinFraction

	Draws   int   // > 0: attach posterior prediction draws to each result
	Seed    int64 // draw reproducibility
	Threads int   // internal parallelism cap for the prediction pass
}

var z95 = distuv.UnitNormal.Quantile(0.975)

// Fit fits the model described by spec to the sample and predicts at every
// target. On failure it returns a *models.FitError of kind InsufficientData
// or ConvergenceFailure and no results.
func Fit(samples []Sample, targets []Target, spec Spec) ([]models.FitResult, error) {
	if len(samples) < spec.MinObs {
		return nil, models.InsufficientData("%d observations, need %d", len(samples), spec.MinObs)
	}
	if spec.Kind == SpatialOffset && spec.MinFraction > 0 && spec.TotalUnits > 0 {
		frac := float64(distinctIDs(samples)) / float64(spec.TotalUnits)
		if frac < spec.MinFraction {
			return nil, models.InsufficientData("coverage %.3f of locations, need %.3f", frac, spec.MinFraction)
		}
	}

	rowFn, pen, err := design(samples, spec)
	if err != nil {
		return nil, err
	}

	p := pen.SymmetricDim()
	B := mat.NewDense(len(samples), p, nil)
	y := mat.NewVecDense(len(samples), nil)
	for i, s := range samples {
		B.SetRow(i, rowFn(s.X, s.Y, s.Day))
		y.SetVec(i, s.Value-s.Offset)
	}

	sol, err := solveGCV(B, y, pen, spec.Lambda)
	if err != nil {
		return nil, err
	}

	var betaDraws []*mat.VecDense
	if spec.Draws > 0 {
		rng := rand.New(rand.NewSource(spec.Seed))
		betaDraws, err = sol.drawBetas(spec.Draws, rng)
		if err != nil {
			return nil, err
		}
	}

	results := make([]models.FitResult, len(targets))
	var firstErr error
	var mu sync.Mutex
	parallelFor(len(targets), spec.Threads, func(i int) {
		t := targets[i]
		row := rowFn(t.X, t.Y, t.Day)
		mean := dot(row, sol.beta) + t.Offset
		v, perr := sol.predictVar(row)
		if perr != nil || math.IsNaN(mean) || v < 0 {
			mu.Lock()
			if firstErr == nil {
				if perr == nil {
					perr = models.ConvergenceFailure("non-finite prediction at target %d", t.ID)
				}
				firstErr = perr
			}
			mu.Unlock()
			return
		}
		se := math.Sqrt(v)
		res := models.FitResult{
			TargetID: t.ID,
			Mean:     mean,
			Lower:    mean - z95*se,
			Upper:    mean + z95*se,
			SE:       se,
		}
		if betaDraws != nil {
			d := make([]float64, len(betaDraws))
			for r, b := range betaDraws {
				d[r] = dot(row, b) + t.Offset
			}
			res.Draws = d
		}
		results[i] = res
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// design returns the basis row function and penalty for the spec's model.
func design(samples []Sample, spec Spec) (func(x, y, day float64) []float64, *mat.SymDense, error) {
	switch spec.Kind {
	case SeasonalCyclic:
		h := spec.Harmonics
		if h <= 0 {
			h = 4
		}
		return func(_, _, day float64) []float64 {
			return harmonicRow(day, h)
		}, harmonicPenalty(h), nil

	case SeasonalPadded:
		k := spec.Knots
		if k <= 0 {
			k = 10
		}
		a, b := spec.DayMin, spec.DayMax
		if a == 0 && b == 0 {
			a, b = 1, seasonalCycle
		}
		return func(_, _, day float64) []float64 {
			return bsplineRow(day, a, b, k)
		}, secondDiffPenalty(bsplineBasisSize(k)), nil

	case SpatialOffset:
		c := spec.Centers
		if c <= 0 {
			c = 16
		}
		cx, cy, bw := chooseCenters(samples, c)
		if len(cx) == 0 {
			return nil, nil, models.InsufficientData("no spatial spread in sample")
		}
		return func(x, y, _ float64) []float64 {
			return rbfRow(x, y, cx, cy, bw)
		}, rbfPenalty(len(cx)), nil
	}
	return nil, nil, models.ConvergenceFailure("unknown model kind %d", spec.Kind)
}

// chooseCenters places radial centers on a deterministic stride over the
// distinct sample locations and derives a bandwidth from their extent.
func chooseCenters(samples []Sample, want int) (cx, cy []float64, bandwidth float64) {
	type pt struct{ x, y float64 }
	seen := make(map[int64]bool)
	var pts []pt
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		pts = append(pts, pt{s.X, s.Y})
		minX = math.Min(minX, s.X)
		maxX = math.Max(maxX, s.X)
		minY = math.Min(minY, s.Y)
		maxY = math.Max(maxY, s.Y)
	}
	if len(pts) == 0 {
		return nil, nil, 0
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].x != pts[j].x {
			return pts[i].x < pts[j].x
		}
		return pts[i].y < pts[j].y
	})
	if want > len(pts) {
		want = len(pts)
	}
	step := len(pts) / want
	if step < 1 {
		step = 1
	}
	for i := 0; i < len(pts) && len(cx) < want; i += step {
		cx = append(cx, pts[i].x)
		cy = append(cy, pts[i].y)
	}
	diag := math.Hypot(maxX-minX, maxY-minY)
	bandwidth = diag / math.Sqrt(float64(len(cx)))
	if bandwidth <= 0 {
		bandwidth = 1
	}
	return cx, cy, bandwidth
}

// UnitSeed derives a per-work-unit RNG seed from the run seed and unit id,
// so posterior draws are reproducible regardless of worker scheduling order.
func UnitSeed(seed int64, unitID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(unitID))
	return seed ^ int64(h.Sum64())
}

func distinctIDs(samples []Sample) int {
	seen := make(map[int64]bool, len(samples))
	for _, s := range samples {
		seen[s.ID] = true
	}
	return len(seen)
}

func dot(row []float64, v *mat.VecDense) float64 {
	var sum float64
	for i, r := range row {
		sum += r * v.AtVec(i)
	}
	return sum
}

// parallelFor runs fn over [0,n) on up to threads goroutines. threads <= 1
// stays on the calling goroutine, which is what pipeline workers use to keep
// n_workers x internal_threads from oversubscribing the machine.
func parallelFor(n, threads int, fn func(i int)) {
	if threads <= 1 || n < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if threads > n {
		threads = n
	}
	var wg sync.WaitGroup
	chunk := (n + threads - 1) / threads
	for w := 0; w < threads; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
