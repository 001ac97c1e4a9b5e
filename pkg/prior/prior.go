// Package prior computes per-dimension bias corrections from an agent's
// grounded history and applies them to fresh self-reports.
//
// The correction for a dimension is derived from the mean signed gap between
// what the agent reported and what evidence later showed, across all closed
// grounded transactions. Applying it at baseline/gate time pulls habitual
// over- or under-estimators back toward their own track record before any
// gating decision is made.
package prior

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Direction classifies historical bias for a dimension.
type Direction string

const (
	Overestimate   Direction = "overestimate"
	Underestimate  Direction = "underestimate"
	WellCalibrated Direction = "well_calibrated"
)

// DefaultTolerance is the mean-bias magnitude under which a dimension counts
// as well calibrated.
const DefaultTolerance = 0.05

// Record is the persisted prior for one dimension. There is exactly one per
// dimension, overwritten (not appended) on each recompute.
//
// GapSum carries the running sum of signed gaps (self-reported minus
// evidence), so the mean over all history is recoverable without rereading
// every closed transaction.
type Record struct {
	Dimension   vectors.Dimension `json:"dimension"`
	Adjustment  float64           `json:"adjustment"`
	Direction   Direction         `json:"direction"`
	SampleCount int               `json:"sample_count"`
	GapSum      float64           `json:"gap_sum"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store persists prior records.
type Store interface {
	// Load returns the record for a dimension, or nil when no grounded
	// history exists yet.
	Load(ctx context.Context, d vectors.Dimension) (*Record, error)

	// Save overwrites the record for its dimension. The sync status
	// reports per-backend persistence outcome.
	Save(ctx context.Context, rec *Record) (dualstore.SyncStatus, error)
}

// Calculator derives and applies corrections.
type Calculator struct {
	store     Store
	tolerance float64
	logger    *zap.Logger
}

// NewCalculator creates a calculator over a prior store. A nil logger falls
// back to a no-op logger.
func NewCalculator(store Store, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		store:     store,
		tolerance: DefaultTolerance,
		logger:    logger,
	}
}

// ComputeAdjustment returns the current correction for one dimension.
// Dimensions with zero grounded samples return a zero adjustment.
func (c *Calculator) ComputeAdjustment(ctx context.Context, d vectors.Dimension) (Record, error) {
	rec, err := c.store.Load(ctx, d)
	if err != nil {
		return Record{}, fmt.Errorf("loading prior for %q: %w", d, err)
	}
	if rec == nil || rec.SampleCount == 0 {
		return Record{Dimension: d, Direction: WellCalibrated}, nil
	}
	return *rec, nil
}

// Apply corrects a raw self-report elementwise: corrected = raw + adjustment,
// re-clamped to [0,1]. It returns the corrected vector together with the
// records that were applied, for inclusion in caller-facing summaries.
//
// Clamping here is legitimate (unlike at the validation boundary) because the
// overshoot is produced by the engine's own arithmetic, not by the agent.
func (c *Calculator) Apply(ctx context.Context, raw vectors.VectorSet) (vectors.VectorSet, []Record, error) {
	corrected := raw
	records := make([]Record, 0, vectors.Count)

	for _, d := range vectors.All() {
		rec, err := c.ComputeAdjustment(ctx, d)
		if err != nil {
			return vectors.VectorSet{}, nil, err
		}
		records = append(records, rec)
		corrected.Set(d, raw.Get(d)+rec.Adjustment)
	}

	return corrected.Clamp(), records, nil
}

// Observe folds one closed transaction's grounded gaps into the priors.
//
// For each grounded dimension the running aggregate gains one sample of
// (self-reported - evidence), and the derived adjustment and direction are
// recomputed and overwritten. Ungrounded dimensions are untouched.
func (c *Calculator) Observe(ctx context.Context, self vectors.VectorSet, evidence map[vectors.Dimension]float64) (dualstore.SyncStatus, error) {
	status := dualstore.SyncStatus{FastOK: true, PortableOK: true}

	for _, d := range vectors.All() {
		ev, ok := evidence[d]
		if !ok {
			continue
		}

		rec, err := c.store.Load(ctx, d)
		if err != nil {
			return status, fmt.Errorf("loading prior for %q: %w", d, err)
		}
		if rec == nil {
			rec = &Record{Dimension: d}
		}

		rec.GapSum += self.Get(d) - ev
		rec.SampleCount++
		rec.UpdatedAt = time.Now().UTC()
		c.recompute(rec)

		saveStatus, err := c.store.Save(ctx, rec)
		if err != nil {
			return status, fmt.Errorf("saving prior for %q: %w", d, err)
		}
		status = status.Merge(saveStatus)

		c.logger.Debug("Prior updated",
			zap.String("dimension", string(d)),
			zap.Float64("adjustment", rec.Adjustment),
			zap.String("direction", string(rec.Direction)),
			zap.Int("samples", rec.SampleCount))
	}

	return status, nil
}

// recompute derives adjustment and direction from the aggregate.
//
// Mean bias b = mean(self - evidence); the adjustment is -b so that
// raw + adjustment moves future reports toward historical evidence.
func (c *Calculator) recompute(rec *Record) {
	bias := rec.GapSum / float64(rec.SampleCount)
	rec.Adjustment = -bias

	switch {
	case bias > c.tolerance:
		rec.Direction = Overestimate
	case bias < -c.tolerance:
		rec.Direction = Underestimate
	default:
		rec.Direction = WellCalibrated
	}
}
