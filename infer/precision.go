package infer

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// Precision selects the numeric format a backend computes in.
//
// Reduced formats trade accuracy for throughput. Predicted metrics are
// approximate by contract, so the error budget already absorbs the
// difference. Every backend rounds the input, the weights and the output
// of each layer to the format, so the CPU and GPU plans agree on what a
// reduced-precision run computes.
type Precision int

const (
	// PrecisionFP32 computes in IEEE single precision.
	PrecisionFP32 Precision = iota

	// PrecisionFP16 rounds weights and activations to IEEE half precision.
	PrecisionFP16

	// PrecisionTF32 keeps the float32 exponent range with a 10-bit mantissa.
	PrecisionTF32
)

// String returns the precision name.
func (p Precision) String() string {
	switch p {
	case PrecisionFP32:
		return "FP32"
	case PrecisionFP16:
		return "FP16"
	case PrecisionTF32:
		return "TF32"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision converts "fp32", "fp16" or "tf32" to a Precision.
func ParsePrecision(s string) (Precision, error) {
	for _, p := range []Precision{PrecisionFP32, PrecisionFP16, PrecisionTF32} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PrecisionFP32, fmt.Errorf("infer: unknown precision %q", s)
}

// Round returns v rounded to the storage format of p.
func (p Precision) Round(v float32) float32 {
	switch p {
	case PrecisionFP16:
		// Nearest even; overflow goes to Inf and tiny values to subnormals or zero.
		return float16.Fromfloat32(v).Float32()
	case PrecisionTF32:
		return roundMantissa(v, 10)
	default:
		return v
	}
}

// RoundSlice rounds every element of s in place.
func (p Precision) RoundSlice(s []float32) {
	if p == PrecisionFP32 {
		return
	}
	for i, v := range s {
		s[i] = p.Round(v)
	}
}

// roundMantissa rounds v to the given number of explicit mantissa bits,
// nearest-even. Inf and NaN pass through.
func roundMantissa(v float32, bits uint) float32 {
	b := math.Float32bits(v)
	if b&0x7f800000 == 0x7f800000 {
		return v
	}
	drop := 23 - bits
	lsb := (b >> drop) & 1
	b += (1 << (drop - 1)) - 1 + lsb
	b &^= (1 << drop) - 1
	return math.Float32frombits(b)
}
