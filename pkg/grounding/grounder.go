// Package grounding reconciles an agent's final self-report against
// collected evidence, producing a calibration score and per-dimension gaps.
//
// Grounding is deliberately honest about its own blind spots: dimensions
// without evidence are excluded from coverage and score, and a pass that
// grounded nothing reports an undefined score rather than a misleading
// perfect or zero one.
package grounding

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Result is the outcome of grounding one transaction.
type Result struct {
	TransactionID string `json:"transaction_id"`

	// EvidenceCount is the total number of evidence items gathered.
	EvidenceCount int `json:"evidence_count"`

	// GroundedCoverage is the fraction of the 13 dimensions with at least
	// one evidence item.
	GroundedCoverage float64 `json:"grounded_coverage"`

	// CalibrationScore is the agreement between self-report and evidence
	// (1.0 = perfect). Nil when zero dimensions were grounded: no
	// evidence is not the same as perfect calibration.
	CalibrationScore *float64 `json:"calibration_score"`

	// PerDimensionGap maps each grounded dimension to
	// |self_reported - evidence_value|.
	PerDimensionGap map[vectors.Dimension]float64 `json:"per_dimension_gap"`

	// EvidenceValues maps each grounded dimension to its consolidated
	// evidence reading, consumed by the learning prior.
	EvidenceValues map[vectors.Dimension]float64 `json:"evidence_values"`

	// DegradedDimensions lists dimensions whose sources failed or timed
	// out during this pass. Degradation is a caveat, not a failure.
	DegradedDimensions []vectors.Dimension `json:"degraded_dimensions,omitempty"`
}

// Grounder grounds self-reports through an evidence collector.
type Grounder struct {
	collector *evidence.Collector
	logger    *zap.Logger
}

// NewGrounder creates a grounder. A nil logger falls back to a no-op logger.
func NewGrounder(collector *evidence.Collector, logger *zap.Logger) *Grounder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grounder{collector: collector, logger: logger}
}

// Ground collects evidence and scores the self-report against it. Extra
// sources supplement the collector's registered ones for this pass only,
// carrying evidence the caller holds at that moment (goal progress at
// close).
//
// Multiple items for the same dimension are consolidated by mean before the
// gap is taken. Ground never fails: the worst case is a result with zero
// coverage and an undefined score.
func (g *Grounder) Ground(ctx context.Context, transactionID string, self vectors.VectorSet, extra ...evidence.Source) *Result {
	byDim, degraded := g.collector.CollectWith(ctx, extra...)

	result := &Result{
		TransactionID:      transactionID,
		PerDimensionGap:    make(map[vectors.Dimension]float64),
		EvidenceValues:     make(map[vectors.Dimension]float64),
		DegradedDimensions: degraded,
	}

	gapSum := 0.0
	grounded := 0
	for _, d := range vectors.All() {
		items := byDim[d]
		if len(items) == 0 {
			continue
		}

		value := meanValue(items)
		gap := math.Abs(self.Get(d) - value)

		result.EvidenceCount += len(items)
		result.EvidenceValues[d] = value
		result.PerDimensionGap[d] = gap
		gapSum += gap
		grounded++
	}

	result.GroundedCoverage = float64(grounded) / float64(vectors.Count)
	if grounded > 0 {
		score := clamp01(1.0 - gapSum/float64(grounded))
		result.CalibrationScore = &score
	}

	g.logger.Info("Grounding complete",
		zap.String("transaction_id", transactionID),
		zap.Int("evidence_count", result.EvidenceCount),
		zap.Float64("coverage", result.GroundedCoverage),
		zap.Int("degraded", len(degraded)))

	return result
}

func meanValue(items []evidence.Item) float64 {
	sum := 0.0
	for _, item := range items {
		sum += item.Value
	}
	return sum / float64(len(items))
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
