package fitter

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const seasonalCycle = 365.0

// harmonicRow evaluates the cyclic seasonal basis at a day: an intercept
// plus sin/cos pairs up to the given order. The basis is periodic with
// period 365, so value and slope match at day 1 and day 365 by construction.
func harmonicRow(day float64, harmonics int) []float64 {
	row := make([]float64, 1+2*harmonics)
	row[0] = 1
	for k := 1; k <= harmonics; k++ {
		w := 2 * math.Pi * float64(k) * day / seasonalCycle
		row[2*k-1] = math.Sin(w)
		row[2*k] = math.Cos(w)
	}
	return row
}

// harmonicPenalty penalizes curvature: harmonic k contributes k^4 to the
// integrated squared second derivative, the intercept is unpenalized.
func harmonicPenalty(harmonics int) *mat.SymDense {
	p := 1 + 2*harmonics
	pen := mat.NewSymDense(p, nil)
	for k := 1; k <= harmonics; k++ {
		w := math.Pow(float64(k), 4)
		pen.SetSym(2*k-1, 2*k-1, w)
		pen.SetSym(2*k, 2*k, w)
	}
	return pen
}

// bsplineRow evaluates the cubic B-spline basis on [a,b] with nseg equal
// segments at x via Cox-de Boor recursion. Returns nseg+3 basis values.
// Used for the non-cyclic padded-seasonal model, where x may lie outside
// [1,365] on the extended day axis.
func bsplineRow(x, a, b float64, nseg int) []float64 {
	const degree = 3
	h := (b - a) / float64(nseg)
	knots := make([]float64, nseg+2*degree+1)
	for i := range knots {
		knots[i] = a + float64(i-degree)*h
	}

	// Seed exactly one degree-0 interval. x == b clamps into the last
	// interior interval so the endpoint row still sums to one.
	cur := make([]float64, len(knots)-1)
	j := int(math.Floor((x - a) / h))
	if j < 0 {
		j = 0
	}
	if j > nseg-1 {
		j = nseg - 1
	}
	cur[degree+j] = 1
	for d := 1; d <= degree; d++ {
		next := make([]float64, len(knots)-1-d)
		for i := range next {
			var v float64
			if den := knots[i+d] - knots[i]; den > 0 {
				v += (x - knots[i]) / den * cur[i]
			}
			if den := knots[i+d+1] - knots[i+1]; den > 0 {
				v += (knots[i+d+1] - x) / den * cur[i+1]
			}
			next[i] = v
		}
		cur = next
	}
	return cur
}

func bsplineBasisSize(nseg int) int { return nseg + 3 }

// secondDiffPenalty builds the P-spline roughness penalty D2'D2 where D2 is
// the second-difference operator over p coefficients.
func secondDiffPenalty(p int) *mat.SymDense {
	pen := mat.NewSymDense(p, nil)
	for i := 0; i+2 < p; i++ {
		// row of D2: [1, -2, 1] at columns i, i+1, i+2
		idx := []int{i, i + 1, i + 2}
		coef := []float64{1, -2, 1}
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				pen.SetSym(idx[a], idx[b], pen.At(idx[a], idx[b])+coef[a]*coef[b])
			}
		}
	}
	return pen
}

// rbfRow evaluates the spatial basis at (x,y): intercept, linear terms, and
// Gaussian radial bumps at the given centers.
func rbfRow(x, y float64, cx, cy []float64, bandwidth float64) []float64 {
	row := make([]float64, 3+len(cx))
	row[0] = 1
	row[1] = x
	row[2] = y
	inv := 1 / (2 * bandwidth * bandwidth)
	for i := range cx {
		dx := x - cx[i]
		dy := y - cy[i]
		row[3+i] = math.Exp(-(dx*dx + dy*dy) * inv)
	}
	return row
}

// rbfPenalty ridges the radial coefficients and leaves the plane unpenalized.
func rbfPenalty(centers int) *mat.SymDense {
	p := 3 + centers
	pen := mat.NewSymDense(p, nil)
	for i := 3; i < p; i++ {
		pen.SetSym(i, i, 1)
	}
	return pen
}
