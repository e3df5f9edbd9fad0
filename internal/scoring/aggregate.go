// Package scoring converts committed physical and financial state into
// security ratios and year-relative aggregate scores.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerateReference rejects references whose utopia does not lie above
// the dystopia; the interpolation is undefined there.
var ErrDegenerateReference = errors.New("degenerate score reference")

const (
	// ReferenceStartYear and ReferenceEndYear anchor the reference trajectories.
	ReferenceStartYear = 1940
	ReferenceEndYear   = 2010

	// MaxScore is the score at or above the utopia trajectory.
	MaxScore = 1000.0
)

// Reference defines the dystopia and utopia trajectories of one aggregate
// score. Totals are reached at ReferenceEndYear growing at Growth per year.
type Reference struct {
	Dystopia float64 `yaml:"dystopia" json:"dystopia"`
	Utopia   float64 `yaml:"utopia" json:"utopia"`
	Growth   float64 `yaml:"growth" json:"growth"`
}

// Validate fails fast on references that cannot be interpolated.
func (r Reference) Validate() error {
	if r.Utopia <= r.Dystopia {
		return fmt.Errorf("%w: utopia %v must exceed dystopia %v", ErrDegenerateReference, r.Utopia, r.Dystopia)
	}
	if r.Growth <= -1 {
		return fmt.Errorf("%w: growth %v", ErrDegenerateReference, r.Growth)
	}
	return nil
}

// fraction is the share of the reference total accumulated by year.
func (r Reference) fraction(year int) float64 {
	span := float64(ReferenceEndYear - ReferenceStartYear)
	elapsed := float64(year - ReferenceStartYear)
	if r.Growth == 0 {
		return elapsed / span
	}
	return (math.Pow(1+r.Growth, elapsed) - 1) / (math.Pow(1+r.Growth, span) - 1)
}

// Bounds returns the dystopia and utopia values at year.
func (r Reference) Bounds(year int) (lo, hi float64) {
	f := r.fraction(year)
	return r.Dystopia * f, r.Utopia * f
}

// Aggregate scores cumulative value v at year in [0, 1000]. The score is
// non-decreasing in v, 0 at the dystopia trajectory and 1000 at the utopia.
func (r Reference) Aggregate(v float64, year int) (float64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	lo, hi := r.Bounds(year)
	if hi <= lo {
		// Both trajectories coincide at the start year.
		if v >= hi {
			return MaxScore, nil
		}
		return 0, nil
	}
	return MaxScore * clamp01((v-lo)/(hi-lo)), nil
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(x, 1))
}
