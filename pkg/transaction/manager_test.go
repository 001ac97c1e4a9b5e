package transaction

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
	"github.com/fyrsmithlabs/epistemd/pkg/grounding"
	"github.com/fyrsmithlabs/epistemd/pkg/prior"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

type memBackend struct {
	name string

	mu      sync.RWMutex
	records map[string][]byte

	failPut bool
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, records: make(map[string][]byte)}
}

func (m *memBackend) Name() string { return m.name }

func (m *memBackend) Put(ctx context.Context, key string, value []byte) error {
	if m.failPut {
		return errors.New("put failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = append([]byte(nil), value...)
	return nil
}

func (m *memBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, dualstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memBackend) Close() error { return nil }

type stubSource struct {
	name  string
	dims  []vectors.Dimension
	items []evidence.Item
	err   error
}

func (s *stubSource) Name() string                    { return s.name }
func (s *stubSource) Dimensions() []vectors.Dimension { return s.dims }
func (s *stubSource) Collect(ctx context.Context) ([]evidence.Item, error) {
	return s.items, s.err
}

type fixedHasher struct{ hash string }

func (h fixedHasher) Hash(ctx context.Context) (string, error) { return h.hash, nil }

type env struct {
	manager  *Manager
	fast     *memBackend
	portable *memBackend
	priors   *prior.MemStore
}

func newEnv(t *testing.T, sources ...evidence.Source) *env {
	t.Helper()
	fast := newMemBackend("fast")
	portable := newMemBackend("portable")
	store := dualstore.New(fast, portable, nil, dualstore.WithRetryBudget(0))
	priorStore := prior.NewMemStore()
	calc := prior.NewCalculator(priorStore, nil)
	grounder := grounding.NewGrounder(evidence.NewCollector(sources, time.Second, nil), nil)

	m, err := NewManager(store, calc, grounder, gate.DefaultThresholds(),
		gate.StaticPolicy{Mode: gate.Observer}, nil,
		WithWorktreeHasher(fixedHasher{hash: "abc123"}))
	require.NoError(t, err)
	return &env{manager: m, fast: fast, portable: portable, priors: priorStore}
}

func mustOpen(t *testing.T, e *env, session string, raw vectors.VectorSet) *OpenResult {
	t.Helper()
	res, err := e.manager.Open(context.Background(), session, raw, "task")
	require.NoError(t, err)
	return res
}

func TestOpen_CreatesBaselineCheckpoint(t *testing.T) {
	e := newEnv(t)
	raw := vectors.Uniform(0.5)

	res := mustOpen(t, e, "session-1", raw)

	assert.False(t, res.Resumed)
	assert.True(t, res.Sync.FullySynced())
	require.Len(t, res.Transaction.Checkpoints, 1)
	cp := res.Transaction.Checkpoints[0]
	assert.Equal(t, PhaseBaseline, cp.Phase)
	assert.Equal(t, raw, cp.Raw)
	assert.Equal(t, "abc123", cp.ContentHash)
	assert.Equal(t, StatusOpen, res.Transaction.Status)
	assert.Nil(t, res.Transaction.ClosedAt)
}

func TestOpen_SecondOpenResumesSameTransaction(t *testing.T) {
	e := newEnv(t)

	first := mustOpen(t, e, "session-1", vectors.Uniform(0.5))
	second := mustOpen(t, e, "session-1", vectors.Uniform(0.9))

	assert.True(t, second.Resumed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	// Resume returns the window unchanged: still one checkpoint, with the
	// original baseline vectors.
	require.Len(t, second.Transaction.Checkpoints, 1)
	assert.Equal(t, vectors.Uniform(0.5), second.Transaction.Checkpoints[0].Raw)
}

func TestOpen_DistinctSessionsGetDistinctTransactions(t *testing.T) {
	e := newEnv(t)

	a := mustOpen(t, e, "session-a", vectors.Uniform(0.5))
	b := mustOpen(t, e, "session-b", vectors.Uniform(0.5))

	assert.NotEqual(t, a.Transaction.ID, b.Transaction.ID)
}

func TestOpen_RecoveryAcrossRestart(t *testing.T) {
	e := newEnv(t)
	first := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	// A new manager over the same backends stands in for a restarted
	// process: nothing survives in memory, only the stores.
	store := dualstore.New(e.fast, e.portable, nil, dualstore.WithRetryBudget(0))
	calc := prior.NewCalculator(e.priors, nil)
	grounder := grounding.NewGrounder(evidence.NewCollector(nil, time.Second, nil), nil)
	rebuilt, err := NewManager(store, calc, grounder, gate.DefaultThresholds(), nil, nil)
	require.NoError(t, err)

	res, err := rebuilt.Open(context.Background(), "session-1", vectors.Uniform(0.7), "task")
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, first.Transaction.ID, res.Transaction.ID)
}

func TestOpen_RejectsInvalidVectors(t *testing.T) {
	e := newEnv(t)
	raw := vectors.Uniform(0.5)
	raw.Know = 1.5

	_, err := e.manager.Open(context.Background(), "session-1", raw, "task")
	assert.ErrorIs(t, err, vectors.ErrInvalidVector)
}

func TestOpen_RequiresSession(t *testing.T) {
	e := newEnv(t)

	_, err := e.manager.Open(context.Background(), "", vectors.Uniform(0.5), "task")
	assert.ErrorIs(t, err, ErrSessionRequired)
}

func TestGate_RecordsCheckpointAndOutcome(t *testing.T) {
	e := newEnv(t)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	raw := vectors.Uniform(0.8)
	raw.Uncertainty = 0.2
	res, err := e.manager.Gate(context.Background(), opened.Transaction.ID, raw, "refactor parser")
	require.NoError(t, err)

	assert.Equal(t, gate.Proceed, res.Outcome.Final)
	assert.False(t, res.Outcome.Blocked)

	txn, err := e.manager.Get(context.Background(), opened.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, txn.Checkpoints, 2)
	cp := txn.Checkpoints[1]
	assert.Equal(t, PhaseGate, cp.Phase)
	assert.Equal(t, "refactor parser", cp.Reasoning)
	require.NotNil(t, cp.Gate)
	assert.Equal(t, gate.Proceed, cp.Gate.Final)
}

func TestGate_WithoutOpenTransaction(t *testing.T) {
	e := newEnv(t)

	_, err := e.manager.Gate(context.Background(), "no-such-id", vectors.Uniform(0.5), "act")
	assert.ErrorIs(t, err, ErrNoOpenTransaction)
}

func TestClose_ComputesDeltaAgainstBaseline(t *testing.T) {
	e := newEnv(t)
	baseline := vectors.Uniform(0.4)
	opened := mustOpen(t, e, "session-1", baseline)

	final := vectors.Uniform(0.4)
	final.Know = 0.7
	final.Uncertainty = 0.1
	report, err := e.manager.Close(context.Background(), opened.Transaction.ID, final, "done")
	require.NoError(t, err)

	// No priors recorded yet, so corrected == raw on both ends and the
	// delta is exactly final - baseline per dimension.
	assert.InDelta(t, 0.3, report.Delta.Know, 1e-9)
	assert.InDelta(t, -0.3, report.Delta.Uncertainty, 1e-9)
	assert.InDelta(t, 0.0, report.Delta.Do, 1e-9)

	assert.Equal(t, StatusClosed, report.Transaction.Status)
	require.NotNil(t, report.Transaction.ClosedAt)
	last := report.Transaction.Checkpoints[len(report.Transaction.Checkpoints)-1]
	assert.Equal(t, PhaseFinal, last.Phase)
}

func TestClose_SecondCloseFails(t *testing.T) {
	e := newEnv(t)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))
	ctx := context.Background()

	_, err := e.manager.Close(ctx, opened.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)

	_, err = e.manager.Close(ctx, opened.Transaction.ID, vectors.Uniform(0.6), "again")
	assert.ErrorIs(t, err, ErrNoOpenTransaction)
}

func TestClose_ZeroEvidenceStillSucceeds(t *testing.T) {
	e := newEnv(t) // no sources
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	report, err := e.manager.Close(context.Background(), opened.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)

	require.NotNil(t, report.Calibration)
	assert.Nil(t, report.Calibration.CalibrationScore)
	assert.Zero(t, report.Calibration.EvidenceCount)
}

func TestClose_FeedsGroundedDimensionsIntoPriors(t *testing.T) {
	src := &stubSource{
		name: "tests",
		dims: []vectors.Dimension{vectors.Do},
		items: []evidence.Item{
			{Source: "tests", Dimension: vectors.Do, Value: 0.5},
		},
	}
	e := newEnv(t, src)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	final := vectors.Uniform(0.5)
	final.Do = 0.9
	_, err := e.manager.Close(context.Background(), opened.Transaction.ID, final, "done")
	require.NoError(t, err)

	rec, err := e.priors.Load(context.Background(), vectors.Do)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.SampleCount)
	// Self-report 0.9 against evidence 0.5: overestimation corrected down.
	assert.InDelta(t, -0.4, rec.Adjustment, 1e-9)
	assert.Equal(t, prior.Overestimate, rec.Direction)
}

func TestClose_ClosedTransactionSurvivesReopen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := mustOpen(t, e, "session-1", vectors.Uniform(0.5))
	_, err := e.manager.Close(ctx, first.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)

	second := mustOpen(t, e, "session-1", vectors.Uniform(0.4))
	require.False(t, second.Resumed)
	require.NotEqual(t, first.Transaction.ID, second.Transaction.ID)

	// The closed window stays queryable under its own id after the
	// session moves on to a new one.
	old, err := e.manager.Get(ctx, first.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, old.ID)
	assert.Equal(t, StatusClosed, old.Status)
	assert.Equal(t, PhaseFinal, old.Checkpoints[len(old.Checkpoints)-1].Phase)

	current, err := e.manager.Get(ctx, second.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Transaction.ID, current.ID)
	assert.Equal(t, StatusOpen, current.Status)
}

func TestArchive_OldTransactionLeavesCurrentIntact(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := mustOpen(t, e, "session-1", vectors.Uniform(0.5))
	_, err := e.manager.Close(ctx, first.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)
	second := mustOpen(t, e, "session-1", vectors.Uniform(0.4))

	require.NoError(t, e.manager.Archive(ctx, first.Transaction.ID))

	_, err = e.manager.Get(ctx, first.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	// The newer window and its session marker are untouched: it resolves
	// by id and still accepts gate checkpoints.
	current, err := e.manager.Get(ctx, second.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, current.Status)
	_, err = e.manager.Gate(ctx, second.Transaction.ID, vectors.Uniform(0.8), "act")
	require.NoError(t, err)
}

func TestClose_GoalProgressGroundsCompletion(t *testing.T) {
	e := newEnv(t) // no registered sources
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	report, err := e.manager.Close(context.Background(), opened.Transaction.ID,
		vectors.Uniform(0.5), "done",
		&evidence.GoalSource{Completed: 3, Total: 4})
	require.NoError(t, err)

	require.NotNil(t, report.Calibration)
	assert.InDelta(t, 0.75, report.Calibration.EvidenceValues[vectors.Completion], 1e-9)
	assert.InDelta(t, 0.75, report.Calibration.EvidenceValues[vectors.Know], 1e-9)

	rec, err := e.priors.Load(context.Background(), vectors.Completion)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.SampleCount)
}

func TestClose_UnpersistableCalibrationDegradesSync(t *testing.T) {
	src := &stubSource{
		name: "tests",
		dims: []vectors.Dimension{vectors.Do},
		items: []evidence.Item{
			{Source: "tests", Dimension: vectors.Do, Value: math.NaN()},
		},
	}
	e := newEnv(t, src)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	// A NaN reading cannot be encoded, so the calibration record is
	// dropped; the close still succeeds and the status says degraded.
	report, err := e.manager.Close(context.Background(), opened.Transaction.ID,
		vectors.Uniform(0.5), "done")
	require.NoError(t, err)
	assert.False(t, report.Sync.FullySynced())
	assert.NotEmpty(t, report.Sync.FastErr)
}

func TestClose_PartialStorageFailureStillSucceeds(t *testing.T) {
	e := newEnv(t)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))

	e.portable.failPut = true
	report, err := e.manager.Close(context.Background(), opened.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)

	assert.True(t, report.Sync.FastOK)
	assert.False(t, report.Sync.PortableOK)
	assert.False(t, report.Sync.FullySynced())

	// The fast backend holds the closed record.
	txn, err := e.manager.Get(context.Background(), opened.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, txn.Status)
}

func TestOpen_BothBackendsFailing(t *testing.T) {
	e := newEnv(t)
	e.fast.failPut = true
	e.portable.failPut = true

	_, err := e.manager.Open(context.Background(), "session-1", vectors.Uniform(0.5), "task")
	assert.ErrorIs(t, err, ErrNotPersisted)
}

func TestArchive(t *testing.T) {
	e := newEnv(t)
	opened := mustOpen(t, e, "session-1", vectors.Uniform(0.5))
	ctx := context.Background()

	err := e.manager.Archive(ctx, opened.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionOpen)

	_, err = e.manager.Close(ctx, opened.Transaction.ID, vectors.Uniform(0.6), "done")
	require.NoError(t, err)

	require.NoError(t, e.manager.Archive(ctx, opened.Transaction.ID))
	_, err = e.manager.Get(ctx, opened.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	assert.ErrorIs(t, e.manager.Archive(ctx, opened.Transaction.ID), ErrTransactionNotFound)
}

func TestCheckpointTimestampsMonotonic(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), // clock stepped back
		time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
	}
	idx := 0
	clock := func() time.Time {
		t := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return t
	}

	fast := newMemBackend("fast")
	portable := newMemBackend("portable")
	store := dualstore.New(fast, portable, nil, dualstore.WithRetryBudget(0))
	calc := prior.NewCalculator(prior.NewMemStore(), nil)
	grounder := grounding.NewGrounder(evidence.NewCollector(nil, time.Second, nil), nil)
	m, err := NewManager(store, calc, grounder, gate.DefaultThresholds(), nil, nil, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	opened, err := m.Open(ctx, "session-1", vectors.Uniform(0.5), "task")
	require.NoError(t, err)
	_, err = m.Gate(ctx, opened.Transaction.ID, vectors.Uniform(0.5), "act")
	require.NoError(t, err)
	report, err := m.Close(ctx, opened.Transaction.ID, vectors.Uniform(0.5), "done")
	require.NoError(t, err)

	cps := report.Transaction.Checkpoints
	require.Len(t, cps, 3)
	for i := 1; i < len(cps); i++ {
		assert.False(t, cps[i].Timestamp.Before(cps[i-1].Timestamp),
			"checkpoint %d is older than checkpoint %d", i, i-1)
	}
}

func TestGet_UnknownID(t *testing.T) {
	e := newEnv(t)

	_, err := e.manager.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
