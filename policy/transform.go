package policy

import (
	"fmt"
	"math"

	"github.com/gogpu/vrs/infer"
)

// Inverse maps a network output value back to perceptual error.
type Inverse func(metric float64) float64

// NewInverse returns the inverse of t.
//
// Linear models were trained against clamp(e*factor+offset, 0, 1), so the
// inverse is (m-offset)/factor. Logit models were trained against a sigmoid
// rescaled to span [0, 1] over e in [0, 1]:
//
//	low   = sigmoid(-mid*growth)
//	scale = sigmoid((1-mid)*growth) - low
//	m     = (sigmoid((e-mid)*growth) - low) / scale
//
// whose inverse is log(p/(1-p))/growth + mid with p = m*scale + low. Output at
// either end of the logit range maps to -Inf or +Inf.
func NewInverse(t infer.Transform) (Inverse, error) {
	switch t.Kind {
	case infer.TransformLinear:
		if t.Factor == 0 {
			return nil, fmt.Errorf("%w: linear factor is zero", ErrTransform)
		}
		factor, off := float64(t.Factor), float64(t.Offset)
		return func(m float64) float64 { return (m - off) / factor }, nil

	case infer.TransformLogit:
		if t.Growth == 0 {
			return nil, fmt.Errorf("%w: logit growth is zero", ErrTransform)
		}
		growth, mid := float64(t.Growth), float64(t.Mid)
		low := sigmoid(-mid * growth)
		scale := sigmoid((1-mid)*growth) - low
		return func(m float64) float64 {
			p := m*scale + low
			switch {
			case p <= 0:
				return math.Inf(-1)
			case p >= 1:
				return math.Inf(1)
			}
			return math.Log(p/(1-p))/growth + mid
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrTransform, t.Kind)
}

// Forward applies t to a perceptual error, the encoding the network was
// trained to produce. Used to build reference predictions.
func Forward(t infer.Transform, e float64) float64 {
	switch t.Kind {
	case infer.TransformLogit:
		growth, mid := float64(t.Growth), float64(t.Mid)
		low := sigmoid(-mid * growth)
		scale := sigmoid((1-mid)*growth) - low
		return (sigmoid((e-mid)*growth) - low) / scale
	default:
		return math.Min(math.Max(e*float64(t.Factor)+float64(t.Offset), 0), 1)
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
