package evidence

import (
	"context"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// GoalSource reports a caller-supplied goal-completion ratio.
//
// The ratio is semi-objective: goals are declared by the agent but checked
// off against a concrete list, so it sits a tier below test results. It
// grounds `completion` directly and `know` as a weaker proxy (an agent that
// finished every stated goal at least knew what the goals were).
type GoalSource struct {
	// Completed and Total describe the goal list for the transaction.
	// Total == 0 means no goal list was provided.
	Completed int
	Total     int
}

// Name implements Source.
func (s *GoalSource) Name() string { return "goals" }

// Dimensions implements Source.
func (s *GoalSource) Dimensions() []vectors.Dimension {
	return []vectors.Dimension{vectors.Completion, vectors.Know}
}

// Collect implements Source.
func (s *GoalSource) Collect(ctx context.Context) ([]Item, error) {
	if s.Total <= 0 {
		return nil, ErrEvidenceUnavailable
	}
	ratio := float64(s.Completed) / float64(s.Total)
	if ratio > 1.0 {
		ratio = 1.0
	}
	return []Item{
		{Source: s.Name(), Tier: TierSemiObjective, Dimension: vectors.Completion, Value: ratio},
		{Source: s.Name(), Tier: TierSemiObjective, Dimension: vectors.Know, Value: ratio},
	}, nil
}
