// Package slopecal fits the quadratic slope-correction curve from an
// operator-entered table of step wedge readings.
package slopecal

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// minEntries is the fewest table rows a fit will accept. Below
	// this a quadratic is under-constrained in practice.
	minEntries = 5

	// zeroDensityLimit is the largest density the first row may carry
	// and still count as the zero reference.
	zeroDensityLimit = 0.001
)

var (
	// ErrInsufficientData indicates fewer than the minimum number of
	// usable table rows.
	ErrInsufficientData = errors.New("not enough slope calibration entries")

	// ErrZeroReference indicates the table does not begin with the
	// zero reference row.
	ErrZeroReference = errors.New("first entry must be the zero reference")
)

// Entry is one step of the calibration wedge: its known density and the
// raw transmission reading measured through it.
type Entry struct {
	Density float64
	Reading float64
}

// Fit computes the slope-correction coefficients (b0, b1, b2) from a
// wedge table. Rows count only up to the first row with a missing or
// unusable reading; the first row must be the zero reference
// (density between 0 and 0.001). Each row maps to log-domain coordinates
//
//	x = log10(reading)
//	y = x                                for the zero row
//	y = log10(zeroReading / 10^density)  for the rest
//
// and a degree-2 polynomial y = b0 + b1*x + b2*x^2 is fitted by least
// squares, solving the normal equations with an LU decomposition.
func Fit(entries []Entry) (b0, b1, b2 float64, err error) {
	valid := entries
	for i, e := range entries {
		if math.IsNaN(e.Density) || math.IsNaN(e.Reading) || e.Reading <= 0 {
			valid = entries[:i]
			break
		}
	}
	if len(valid) < minEntries {
		return 0, 0, 0, ErrInsufficientData
	}
	if valid[0].Density < 0 || valid[0].Density > zeroDensityLimit {
		return 0, 0, 0, ErrZeroReference
	}

	zeroReading := valid[0].Reading

	// Power sums for the 3x3 normal equations.
	var sx [5]float64
	var sy [3]float64
	for i, e := range valid {
		x := math.Log10(e.Reading)
		y := x
		if i > 0 {
			y = math.Log10(zeroReading / math.Pow(10, e.Density))
		}

		x2 := x * x
		sx[0]++
		sx[1] += x
		sx[2] += x2
		sx[3] += x2 * x
		sx[4] += x2 * x2
		sy[0] += y
		sy[1] += y * x
		sy[2] += y * x2
	}

	a := mat.NewDense(3, 3, []float64{
		sx[0], sx[1], sx[2],
		sx[1], sx[2], sx[3],
		sx[2], sx[3], sx[4],
	})
	rhs := mat.NewVecDense(3, []float64{sy[0], sy[1], sy[2]})

	var sol mat.VecDense
	if err := sol.SolveVec(a, rhs); err != nil {
		return 0, 0, 0, fmt.Errorf("slope fit failed: %w", err)
	}
	return sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), nil
}
