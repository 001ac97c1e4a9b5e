// Package gate decides whether an agent may move from investigation to
// action, based on its bias-corrected confidence vector.
//
// The evaluator itself is a pure function of corrected vectors and
// thresholds: identical input always yields the identical decision. Anything
// situational, including the observer/controller enforcement toggle and any
// override authority, lives in the policy collaborator, never in the
// evaluator.
package gate

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Decision is the gate's verdict.
type Decision string

const (
	// Proceed: the readiness predicate held.
	Proceed Decision = "proceed"

	// Investigate: the agent is not ready to act.
	Investigate Decision = "investigate"

	// ProceedWithCaution: the predicate failed, but only barely. This
	// middle verdict exists to keep agents hovering at the boundary from
	// oscillating between investigate loops.
	ProceedWithCaution Decision = "proceed_with_caution"
)

// Thresholds parameterize the readiness predicate.
type Thresholds struct {
	// KnowMin is the minimum corrected `know` required to proceed.
	KnowMin float64 `koanf:"know_min" json:"know_min"`

	// UncertaintyMax is the maximum corrected `uncertainty` allowed.
	UncertaintyMax float64 `koanf:"uncertainty_max" json:"uncertainty_max"`

	// CautionMargin widens the boundary: when every failing threshold is
	// missed by less than this margin, the verdict softens to
	// proceed_with_caution.
	CautionMargin float64 `koanf:"caution_margin" json:"caution_margin"`
}

// DefaultThresholds returns the standard gate parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		KnowMin:        0.70,
		UncertaintyMax: 0.35,
		CautionMargin:  0.05,
	}
}

// Validate checks threshold sanity.
func (t Thresholds) Validate() error {
	if t.KnowMin < 0 || t.KnowMin > 1 {
		return fmt.Errorf("know_min %v outside [0,1]", t.KnowMin)
	}
	if t.UncertaintyMax < 0 || t.UncertaintyMax > 1 {
		return fmt.Errorf("uncertainty_max %v outside [0,1]", t.UncertaintyMax)
	}
	if t.CautionMargin < 0 || t.CautionMargin > 0.5 {
		return fmt.Errorf("caution_margin %v outside [0,0.5]", t.CautionMargin)
	}
	return nil
}

// Evaluate applies the readiness predicate to a corrected vector.
//
// proceed            know >= KnowMin AND uncertainty <= UncertaintyMax
// proceed_with_caution  predicate failed, every miss < CautionMargin
// investigate        otherwise
func Evaluate(t Thresholds, corrected vectors.VectorSet) Decision {
	knowOK := corrected.Know >= t.KnowMin
	uncertaintyOK := corrected.Uncertainty <= t.UncertaintyMax

	if knowOK && uncertaintyOK {
		return Proceed
	}

	knowNear := knowOK || corrected.Know > t.KnowMin-t.CautionMargin
	uncertaintyNear := uncertaintyOK || corrected.Uncertainty < t.UncertaintyMax+t.CautionMargin
	if knowNear && uncertaintyNear {
		return ProceedWithCaution
	}

	return Investigate
}

// Outcome records one gate check: the computed decision, what policy made of
// it, and whether the caller is blocked. Both decisions are kept so later
// audits can see whether policy disagreed with measurement.
type Outcome struct {
	Computed   Decision   `json:"computed"`
	Final      Decision   `json:"final"`
	Overridden bool       `json:"overridden"`
	Reason     string     `json:"override_reason,omitempty"`
	Blocked    bool       `json:"blocked"`
	Thresholds Thresholds `json:"thresholds"`
}

// Assess runs the pure evaluation and then hands the result to policy.
func Assess(ctx context.Context, t Thresholds, p Policy, corrected vectors.VectorSet) Outcome {
	computed := Evaluate(t, corrected)
	review := p.Review(ctx, computed, corrected)

	return Outcome{
		Computed:   computed,
		Final:      review.Final,
		Overridden: review.Overridden,
		Reason:     review.Reason,
		Blocked:    review.Blocked,
		Thresholds: t,
	}
}
