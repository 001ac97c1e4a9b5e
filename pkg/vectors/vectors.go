// Package vectors defines the 13-dimension confidence vector submitted by
// agents and its validation rules.
//
// A VectorSet is a fixed, fully-typed record: every dimension must be present
// and within [0,1] at the boundary. Out-of-range input is rejected, never
// clamped, because silent clamping hides exactly the calibration error this
// system exists to measure.
package vectors

import (
	"errors"
	"fmt"
	"math"
)

// Dimension names one axis of the confidence vector.
type Dimension string

// The 13 confidence dimensions.
const (
	Engagement  Dimension = "engagement"
	Know        Dimension = "know"
	Do          Dimension = "do"
	Context     Dimension = "context"
	Clarity     Dimension = "clarity"
	Coherence   Dimension = "coherence"
	Signal      Dimension = "signal"
	Density     Dimension = "density"
	State       Dimension = "state"
	Change      Dimension = "change"
	Completion  Dimension = "completion"
	Impact      Dimension = "impact"
	Uncertainty Dimension = "uncertainty"
)

// Count is the number of dimensions in a VectorSet.
const Count = 13

// All returns every dimension in canonical order.
func All() []Dimension {
	return []Dimension{
		Engagement, Know, Do, Context, Clarity, Coherence, Signal,
		Density, State, Change, Completion, Impact, Uncertainty,
	}
}

// inverted marks dimensions where lower is better. Polarity is a fixed
// property of the dimension, not configurable per call.
var inverted = map[Dimension]bool{
	Uncertainty: true,
	Density:     true,
	Change:      true,
	Impact:      true,
}

// Inverted reports whether lower values are better for the dimension.
func Inverted(d Dimension) bool {
	return inverted[d]
}

// Valid reports whether d is one of the 13 known dimensions.
func Valid(d Dimension) bool {
	for _, dim := range All() {
		if dim == d {
			return true
		}
	}
	return false
}

// Validation errors.
var (
	ErrInvalidVector    = errors.New("invalid vector")
	ErrUnknownDimension = errors.New("unknown dimension")
	ErrMissingDimension = errors.New("missing dimension")
)

// VectorSet is one full self-report: exactly 13 named dimensions, each a
// float in [0.0, 1.0].
type VectorSet struct {
	Engagement  float64 `json:"engagement"`
	Know        float64 `json:"know"`
	Do          float64 `json:"do"`
	Context     float64 `json:"context"`
	Clarity     float64 `json:"clarity"`
	Coherence   float64 `json:"coherence"`
	Signal      float64 `json:"signal"`
	Density     float64 `json:"density"`
	State       float64 `json:"state"`
	Change      float64 `json:"change"`
	Completion  float64 `json:"completion"`
	Impact      float64 `json:"impact"`
	Uncertainty float64 `json:"uncertainty"`
}

// Uniform returns a VectorSet with every dimension set to v.
// Intended for tests and for building fixtures; v is not validated here.
func Uniform(v float64) VectorSet {
	vs := VectorSet{}
	for _, d := range All() {
		vs.Set(d, v)
	}
	return vs
}

// Get returns the value for a dimension. Unknown dimensions return 0;
// callers should validate dimensions at the boundary.
func (v VectorSet) Get(d Dimension) float64 {
	switch d {
	case Engagement:
		return v.Engagement
	case Know:
		return v.Know
	case Do:
		return v.Do
	case Context:
		return v.Context
	case Clarity:
		return v.Clarity
	case Coherence:
		return v.Coherence
	case Signal:
		return v.Signal
	case Density:
		return v.Density
	case State:
		return v.State
	case Change:
		return v.Change
	case Completion:
		return v.Completion
	case Impact:
		return v.Impact
	case Uncertainty:
		return v.Uncertainty
	}
	return 0
}

// Set assigns the value for a dimension. Unknown dimensions are ignored.
func (v *VectorSet) Set(d Dimension, val float64) {
	switch d {
	case Engagement:
		v.Engagement = val
	case Know:
		v.Know = val
	case Do:
		v.Do = val
	case Context:
		v.Context = val
	case Clarity:
		v.Clarity = val
	case Coherence:
		v.Coherence = val
	case Signal:
		v.Signal = val
	case Density:
		v.Density = val
	case State:
		v.State = val
	case Change:
		v.Change = val
	case Completion:
		v.Completion = val
	case Impact:
		v.Impact = val
	case Uncertainty:
		v.Uncertainty = val
	}
}

// Validate checks that every dimension is a real number in [0,1].
//
// Returns ErrInvalidVector wrapping the offending dimension. Values are never
// adjusted: a 1.0000001 is a caller error, not something to round away.
func (v VectorSet) Validate() error {
	for _, d := range All() {
		val := v.Get(d)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: dimension %q is not a finite number", ErrInvalidVector, d)
		}
		if val < 0.0 || val > 1.0 {
			return fmt.Errorf("%w: dimension %q value %v outside [0,1]", ErrInvalidVector, d, val)
		}
	}
	return nil
}

// FromMap builds a VectorSet from a loosely-typed payload, rejecting unknown
// keys and missing dimensions. This is the only entry point for dynamic
// input; everything past the boundary works with the fixed record.
func FromMap(m map[string]float64) (VectorSet, error) {
	var vs VectorSet
	for key := range m {
		if !Valid(Dimension(key)) {
			return VectorSet{}, fmt.Errorf("%w: %q", ErrUnknownDimension, key)
		}
	}
	for _, d := range All() {
		val, ok := m[string(d)]
		if !ok {
			return VectorSet{}, fmt.Errorf("%w: %q", ErrMissingDimension, d)
		}
		vs.Set(d, val)
	}
	if err := vs.Validate(); err != nil {
		return VectorSet{}, err
	}
	return vs, nil
}

// ToMap returns the vector as a dimension->value map.
func (v VectorSet) ToMap() map[string]float64 {
	m := make(map[string]float64, Count)
	for _, d := range All() {
		m[string(d)] = v.Get(d)
	}
	return m
}

// Delta returns v - base elementwise. The result is a signed displacement,
// not a confidence vector, so it is not range-checked.
func (v VectorSet) Delta(base VectorSet) VectorSet {
	var out VectorSet
	for _, d := range All() {
		out.Set(d, v.Get(d)-base.Get(d))
	}
	return out
}

// Clamp returns a copy with every dimension forced into [0,1].
//
// Clamping is legitimate only after arithmetic the engine itself performed
// (prior adjustment); submitted vectors go through Validate instead.
func (v VectorSet) Clamp() VectorSet {
	var out VectorSet
	for _, d := range All() {
		out.Set(d, clamp01(v.Get(d)))
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
