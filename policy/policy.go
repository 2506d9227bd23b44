// Package policy chooses a shading rate per tile from predicted perceptual
// error and an error budget.
//
// For every tile with valid history the policy inverts the model's metric
// encoding, extrapolates the per-axis predictions to an estimate for each
// rate class, and picks the coarsest class whose estimate does not exceed
// the budget. Tiles without history always get the finest class.
package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/rate"
)

var (
	// ErrTransform indicates an unusable metric transform.
	ErrTransform = errors.New("policy: invalid transform")

	// ErrInvalidBudget indicates a NaN or negative error budget.
	ErrInvalidBudget = errors.New("policy: invalid error budget")

	// ErrPredictions indicates predictions that do not match the tile count.
	ErrPredictions = errors.New("policy: malformed predictions")
)

// scanOrder is every class coarser than 1x1, coarsest first.
var scanOrder = []rate.Class{
	rate.Rate4x4,
	rate.Rate2x4,
	rate.Rate4x2,
	rate.Rate2x2,
	rate.Rate1x2,
	rate.Rate2x1,
}

// Predictions holds the model metric per tile, channel-major:
// Values[c*Tiles + t] is channel c of tile t.
type Predictions struct {
	Values   []float32
	Channels int
	Tiles    int
}

// Validate checks the layout of p.
func (p Predictions) Validate() error {
	switch p.Channels {
	case 1, 2, 4, 6:
	default:
		return fmt.Errorf("%w: %d channels, want 1, 2, 4 or 6", ErrPredictions, p.Channels)
	}
	if p.Tiles < 0 || len(p.Values) != p.Channels*p.Tiles {
		return fmt.Errorf("%w: %d values for %d tiles x %d channels", ErrPredictions, len(p.Values), p.Tiles, p.Channels)
	}
	return nil
}

// Policy is a stateless rate selector. It is safe for concurrent use.
type Policy struct {
	transform infer.Transform
	inverse   Inverse
}

// New returns a policy for metrics encoded with t.
func New(t infer.Transform) (*Policy, error) {
	inv, err := NewInverse(t)
	if err != nil {
		return nil, err
	}
	return &Policy{transform: t, inverse: inv}, nil
}

// Transform returns the metric encoding the policy inverts.
func (p *Policy) Transform() infer.Transform { return p.transform }

// Estimates returns the class estimates of tile t.
func (p *Policy) Estimates(pred Predictions, t int) Estimates {
	var buf [6]float64
	v := buf[:pred.Channels]
	for c := range v {
		e := p.inverse(float64(pred.Values[c*pred.Tiles+t]))
		if math.IsNaN(e) {
			e = math.Inf(1)
		}
		v[c] = e
	}
	return Extrapolate(v)
}

// Select writes one class per tile to dst.
//
// A tile whose valid entry is false gets the finest class. A nil valid
// trusts every prediction. Otherwise the coarsest class with an estimate
// at most budget wins, falling back to the finest. NaN predictions never
// qualify, nor do infinite ones.
func (p *Policy) Select(pred Predictions, valid []bool, budget float64, dst []rate.Class) error {
	if math.IsNaN(budget) || budget < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, budget)
	}
	if err := pred.Validate(); err != nil {
		return err
	}
	if len(dst) != pred.Tiles {
		return fmt.Errorf("%w: %d destination tiles, %d predicted", ErrPredictions, len(dst), pred.Tiles)
	}
	if valid != nil && len(valid) != pred.Tiles {
		return fmt.Errorf("%w: %d validity entries, %d predicted", ErrPredictions, len(valid), pred.Tiles)
	}

	for t := range dst {
		if valid != nil && !valid[t] {
			dst[t] = rate.Finest
			continue
		}
		dst[t] = p.choose(p.Estimates(pred, t), budget)
	}
	return nil
}

func (p *Policy) choose(e Estimates, budget float64) rate.Class {
	for _, c := range scanOrder {
		// +Inf (and NaN, mapped to +Inf) never qualifies, even for an
		// unbounded budget.
		if v := e.For(c); !math.IsInf(v, 1) && v <= budget {
			return c
		}
	}
	return rate.Finest
}

// Finest fills dst with the finest class.
func Finest(dst []rate.Class) {
	for i := range dst {
		dst[i] = rate.Finest
	}
}
