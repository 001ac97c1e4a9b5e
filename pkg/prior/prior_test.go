package prior

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

func TestComputeAdjustment_NoHistory(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)

	rec, err := calc.ComputeAdjustment(context.Background(), vectors.Know)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Adjustment)
	assert.Equal(t, WellCalibrated, rec.Direction)
	assert.Equal(t, 0, rec.SampleCount)
}

func TestApply_NoHistoryLeavesVectorsUnchanged(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)

	raw := vectors.Uniform(0.5)
	raw.Know = 0.50
	raw.Uncertainty = 0.60

	corrected, records, err := calc.Apply(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, raw, corrected)
	assert.Len(t, records, vectors.Count)
}

func TestObserve_OverestimateCorrectsDownward(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	// Agent habitually reports know=0.9 when evidence says 0.6.
	self := vectors.Uniform(0.5)
	self.Know = 0.9
	evidence := map[vectors.Dimension]float64{vectors.Know: 0.6}

	for i := 0; i < 3; i++ {
		_, err := calc.Observe(ctx, self, evidence)
		require.NoError(t, err)
	}

	rec, err := calc.ComputeAdjustment(ctx, vectors.Know)
	require.NoError(t, err)
	assert.Equal(t, Overestimate, rec.Direction)
	assert.Equal(t, 3, rec.SampleCount)
	assert.InDelta(t, -0.3, rec.Adjustment, 1e-9)

	// Applying the prior pulls a fresh 0.9 report toward evidence.
	corrected, _, err := calc.Apply(ctx, self)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, corrected.Know, 1e-9)
}

func TestObserve_UnderestimateCorrectsUpward(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	self := vectors.Uniform(0.5)
	self.Do = 0.3
	_, err := calc.Observe(ctx, self, map[vectors.Dimension]float64{vectors.Do: 0.8})
	require.NoError(t, err)

	rec, err := calc.ComputeAdjustment(ctx, vectors.Do)
	require.NoError(t, err)
	assert.Equal(t, Underestimate, rec.Direction)
	assert.InDelta(t, 0.5, rec.Adjustment, 1e-9)
}

func TestObserve_SmallBiasIsWellCalibrated(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	self := vectors.Uniform(0.5)
	self.State = 0.52
	_, err := calc.Observe(ctx, self, map[vectors.Dimension]float64{vectors.State: 0.50})
	require.NoError(t, err)

	rec, err := calc.ComputeAdjustment(ctx, vectors.State)
	require.NoError(t, err)
	assert.Equal(t, WellCalibrated, rec.Direction)
	assert.Equal(t, 1, rec.SampleCount)
}

func TestObserve_UntouchedDimensionsKeepZeroAdjustment(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	_, err := calc.Observe(ctx, vectors.Uniform(0.9), map[vectors.Dimension]float64{vectors.Know: 0.5})
	require.NoError(t, err)

	rec, err := calc.ComputeAdjustment(ctx, vectors.Completion)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Adjustment)
	assert.Equal(t, 0, rec.SampleCount)
}

func TestApply_ReclampsAfterAdjustment(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	// Build a large upward correction for `do`.
	self := vectors.Uniform(0.5)
	self.Do = 0.0
	_, err := calc.Observe(ctx, self, map[vectors.Dimension]float64{vectors.Do: 1.0})
	require.NoError(t, err)

	raw := vectors.Uniform(0.5)
	raw.Do = 0.8
	corrected, _, err := calc.Apply(ctx, raw)
	require.NoError(t, err)
	// 0.8 + 1.0 clamps to the top of the range.
	assert.Equal(t, 1.0, corrected.Do)
}

func TestObserve_RunningMeanMatchesFullHistory(t *testing.T) {
	calc := NewCalculator(NewMemStore(), nil)
	ctx := context.Background()

	gaps := []struct{ self, evidence float64 }{
		{0.9, 0.6}, {0.8, 0.7}, {0.7, 0.7}, {0.6, 0.9},
	}
	sum := 0.0
	for _, g := range gaps {
		self := vectors.Uniform(0.5)
		self.Know = g.self
		_, err := calc.Observe(ctx, self, map[vectors.Dimension]float64{vectors.Know: g.evidence})
		require.NoError(t, err)
		sum += g.self - g.evidence
	}

	rec, err := calc.ComputeAdjustment(ctx, vectors.Know)
	require.NoError(t, err)
	assert.Equal(t, len(gaps), rec.SampleCount)
	assert.InDelta(t, -(sum / float64(len(gaps))), rec.Adjustment, 1e-9)
}
