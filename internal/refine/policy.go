package refine

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateRow reports a pseudo-label row whose mass collapsed to zero
// after projection. Renormalizing such a row would divide by zero, so the
// condition is surfaced instead of guessed around.
var ErrDegenerateRow = errors.New("refine: pseudo-label row sums to zero")

const rowSumEps = 1e-12

// Policy selects the projection applied to pseudo-labels after the
// meta-gradient update.
type Policy int

const (
	// PolicyClampNorm clamps entries to [0,1] and renormalizes each row.
	PolicyClampNorm Policy = iota
	// PolicyReLUNorm zeroes negative entries and renormalizes each row.
	PolicyReLUNorm
	// PolicyReLU zeroes negative entries; rows are left unnormalized.
	PolicyReLU
	// PolicyNone applies no projection at all.
	PolicyNone
)

// ParsePolicy maps the configuration value 0-3 onto a Policy.
func ParsePolicy(n int) (Policy, error) {
	if n < 0 || n > int(PolicyNone) {
		return 0, fmt.Errorf("refine: unknown projection policy %d", n)
	}
	return Policy(n), nil
}

func (p Policy) String() string {
	switch p {
	case PolicyClampNorm:
		return "clamp+norm"
	case PolicyReLUNorm:
		return "relu+norm"
	case PolicyReLU:
		return "relu"
	case PolicyNone:
		return "none"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Renormalizes reports whether the policy constrains rows to sum to one.
func (p Policy) Renormalizes() bool {
	return p == PolicyClampNorm || p == PolicyReLUNorm
}

// Project applies the policy to the target in place. Rows whose mass is zero
// after clipping yield ErrDegenerateRow for every policy that clips.
func (p Policy) Project(target *mat.Dense) error {
	if p == PolicyNone {
		return nil
	}
	r, c := target.Dims()
	for i := 0; i < r; i++ {
		row := target.RawRowView(i)
		sum := 0.0
		for j := 0; j < c; j++ {
			v := row[j]
			if v < 0 {
				v = 0
			}
			if p == PolicyClampNorm && v > 1 {
				v = 1
			}
			row[j] = v
			sum += v
		}
		if sum <= rowSumEps {
			return fmt.Errorf("%w (row %d)", ErrDegenerateRow, i)
		}
		if p.Renormalizes() {
			inv := 1.0 / sum
			for j := 0; j < c; j++ {
				row[j] *= inv
			}
		}
	}
	return nil
}
