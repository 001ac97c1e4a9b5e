// Package evidence gathers objective and semi-objective signals used to
// ground an agent's self-reported confidence after a measurement window
// closes.
//
// Evidence comes from pluggable sources (test runs, version-control diff
// stats, goal-completion ratios). Sources can block on external processes,
// so every collection call is timeout-bounded; a source that fails or times
// out degrades its dimensions to ungroundable rather than failing the pass.
package evidence

import (
	"errors"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Tier classifies how trustworthy an evidence value is.
type Tier string

const (
	// TierObjective marks evidence computed from machine-checkable facts
	// (test exit codes, diff stats).
	TierObjective Tier = "objective"

	// TierSemiObjective marks evidence derived from structured but
	// human-originated input (goal-completion ratios).
	TierSemiObjective Tier = "semi_objective"

	// TierUngroundable marks dimensions with no defined evidence source.
	TierUngroundable Tier = "ungroundable"
)

// Sentinel errors for source failures.
var (
	ErrEvidenceTimeout     = errors.New("evidence source timed out")
	ErrEvidenceUnavailable = errors.New("evidence source unavailable")
)

// Item is one signal for one dimension.
type Item struct {
	// Source names the producing source (e.g. "tests", "vcs-diff").
	Source string `json:"source"`

	// Tier is the quality tier of the value.
	Tier Tier `json:"quality_tier"`

	// Dimension is the vector dimension this item informs.
	Dimension vectors.Dimension `json:"dimension"`

	// Value is the evidence reading on the same [0,1] scale as the vector.
	Value float64 `json:"value"`
}

// ungroundable lists dimensions with no defined evidence source. They are
// permanently excluded from grounding coverage and score.
var ungroundable = map[vectors.Dimension]bool{
	vectors.Engagement: true,
	vectors.Coherence:  true,
	vectors.Density:    true,
	vectors.Context:    true,
	vectors.Clarity:    true,
	vectors.Signal:     true,
}

// Groundable reports whether the dimension has a defined evidence source.
func Groundable(d vectors.Dimension) bool {
	return !ungroundable[d]
}
