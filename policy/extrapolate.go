package policy

import (
	"math"

	"github.com/gogpu/vrs/rate"
)

// AxisFactor scales a half-rate error estimate to the quarter-rate estimate
// along the same axis.
const AxisFactor = 2.13

// Estimates is a tile's error estimate for every class coarser than 1x1,
// indexed by estimateIndex.
type Estimates [6]float64

// estimateClass maps estimate slots to rate classes.
var estimateClass = [6]rate.Class{
	rate.Rate2x1,
	rate.Rate1x2,
	rate.Rate2x2,
	rate.Rate4x2,
	rate.Rate2x4,
	rate.Rate4x4,
}

// For returns the estimate for c. 1x1 has no error.
func (e *Estimates) For(c rate.Class) float64 {
	for i, k := range estimateClass {
		if k == c {
			return e[i]
		}
	}
	return 0
}

// Extrapolate expands k predicted errors to six class estimates.
//
//   - 1: one isotropic value, duplicated to both axes.
//   - 2: half-rate error along x and y; quarter rates are AxisFactor times
//     the half rate, never below the other axis.
//   - 4: half and quarter rates per axis.
//   - 6: already per class.
//
// Combined classes take the worse of their axes. Extrapolate panics if
// len(v) is not one of these.
func Extrapolate(v []float64) Estimates {
	var e2 [2]float64
	var e4 [4]float64
	switch len(v) {
	case 6:
		return Estimates(v)
	case 4:
		copy(e4[:], v)
	case 1:
		e2 = [2]float64{v[0], v[0]}
		e4 = widen(e2)
	case 2:
		copy(e2[:], v)
		e4 = widen(e2)
	default:
		panic("policy: unsupported estimate count")
	}
	return Estimates{
		e4[0], e4[1], math.Max(e4[0], e4[1]),
		e4[2], e4[3], math.Max(e4[2], e4[3]),
	}
}

func widen(e [2]float64) [4]float64 {
	return [4]float64{
		e[0], e[1],
		math.Max(e[0]*AxisFactor, e[1]),
		math.Max(e[0], e[1]*AxisFactor),
	}
}
