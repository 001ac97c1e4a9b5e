package gate

import (
	"context"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Mode is the gate-enforcement toggle. It is read by the policy
// collaborator, never by the evaluator, which keeps Evaluate pure.
type Mode string

const (
	// Observer computes and records decisions but never blocks the caller.
	Observer Mode = "observer"

	// Controller surfaces an `investigate` final decision as a hard block.
	Controller Mode = "controller"
)

// Review is a policy collaborator's response to a computed decision.
type Review struct {
	// Final is the decision after policy. Equal to the computed decision
	// unless Overridden is set.
	Final Decision

	// Overridden marks that policy replaced the computed decision. The
	// computed decision is still recorded alongside, never discarded.
	Overridden bool

	// Reason explains an override.
	Reason string

	// Blocked tells the caller it may not act on this check.
	Blocked bool
}

// Policy is the external override collaborator. Compliance/profile-driven
// implementations live outside this engine; only the contract is defined
// here.
type Policy interface {
	Review(ctx context.Context, computed Decision, corrected vectors.VectorSet) Review
}

// StaticPolicy is the built-in policy: no overrides, enforcement driven
// purely by the configured mode.
type StaticPolicy struct {
	Mode Mode
}

// Review implements Policy.
func (p StaticPolicy) Review(ctx context.Context, computed Decision, corrected vectors.VectorSet) Review {
	return Review{
		Final:   computed,
		Blocked: p.Mode == Controller && computed == Investigate,
	}
}
