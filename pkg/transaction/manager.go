package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
	"github.com/fyrsmithlabs/epistemd/pkg/grounding"
	"github.com/fyrsmithlabs/epistemd/pkg/prior"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Manager drives the transaction lifecycle. Every durable effect goes
// through the dual store, so a manager rebuilt after a process restart
// recovers open windows from the session identity alone.
type Manager struct {
	store      *dualstore.Store
	priors     *prior.Calculator
	grounder   *grounding.Grounder
	thresholds gate.Thresholds
	policy     gate.Policy
	hasher     evidence.WorktreeHasher
	prefer     dualstore.Preference
	logger     *zap.Logger
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorktreeHasher records a content hash on every checkpoint. Without
// one, checkpoints carry no hash.
func WithWorktreeHasher(h evidence.WorktreeHasher) ManagerOption {
	return func(m *Manager) { m.hasher = h }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithReadPreference selects which backend reads consult first. The default
// is the fast backend.
func WithReadPreference(p dualstore.Preference) ManagerOption {
	return func(m *Manager) { m.prefer = p }
}

// NewManager creates a transaction manager. A nil logger falls back to a
// no-op logger.
func NewManager(store *dualstore.Store, priors *prior.Calculator, grounder *grounding.Grounder, thresholds gate.Thresholds, policy gate.Policy, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if priors == nil {
		return nil, errors.New("prior calculator is required")
	}
	if grounder == nil {
		return nil, errors.New("grounder is required")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	if policy == nil {
		policy = gate.StaticPolicy{Mode: gate.Observer}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:      store,
		priors:     priors,
		grounder:   grounder,
		thresholds: thresholds,
		policy:     policy,
		prefer:     dualstore.PreferFast,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a measurement window for the session, or resumes the one
// already open. Resume returns the existing transaction unchanged: two
// opens for the same session yield the same transaction id.
func (m *Manager) Open(ctx context.Context, sessionID string, raw vectors.VectorSet, taskDescription string) (*OpenResult, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	if existing, err := m.loadBySession(ctx, sessionID); err != nil {
		return nil, err
	} else if existing != nil && existing.Open() {
		baseline := existing.Baseline()
		if baseline == nil {
			return nil, fmt.Errorf("transaction %s has no baseline checkpoint", existing.ID)
		}
		m.logger.Info("resuming open transaction",
			zap.String("transaction_id", existing.ID),
			zap.String("session_id", sessionID))
		return &OpenResult{
			Transaction: existing,
			Resumed:     true,
			Corrected:   baseline.Corrected,
			Sync:        dualstore.SyncStatus{FastOK: true, PortableOK: true},
		}, nil
	}

	corrected, records, err := m.priors.Apply(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("applying priors: %w", err)
	}

	now := m.now().UTC()
	txn := &Transaction{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Status:    StatusOpen,
		OpenedAt:  now,
	}
	txn.appendCheckpoint(Checkpoint{
		Phase:       PhaseBaseline,
		Raw:         raw,
		Corrected:   corrected,
		Reasoning:   taskDescription,
		Timestamp:   now,
		ContentHash: m.contentHash(ctx),
	})

	sync, err := m.persist(ctx, txn)
	if err != nil {
		return nil, err
	}
	m.logger.Info("opened transaction",
		zap.String("transaction_id", txn.ID),
		zap.String("session_id", sessionID))
	return &OpenResult{
		Transaction: txn,
		Corrected:   corrected,
		Priors:      records,
		Sync:        sync,
	}, nil
}

// Gate records a pre-action checkpoint and evaluates the gate against the
// bias-corrected vectors. It requires an open transaction.
func (m *Manager) Gate(ctx context.Context, transactionID string, raw vectors.VectorSet, actionDescription string) (*GateResult, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	txn, err := m.loadOpen(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	corrected, _, err := m.priors.Apply(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("applying priors: %w", err)
	}
	outcome := gate.Assess(ctx, m.thresholds, m.policy, corrected)

	txn.appendCheckpoint(Checkpoint{
		Phase:       PhaseGate,
		Raw:         raw,
		Corrected:   corrected,
		Reasoning:   actionDescription,
		Timestamp:   m.now().UTC(),
		ContentHash: m.contentHash(ctx),
		Gate:        &outcome,
	})

	sync, err := m.persist(ctx, txn)
	if err != nil {
		return nil, err
	}
	m.logger.Info("gate evaluated",
		zap.String("transaction_id", txn.ID),
		zap.String("decision", string(outcome.Final)),
		zap.Bool("blocked", outcome.Blocked))
	return &GateResult{
		TransactionID: txn.ID,
		Outcome:       outcome,
		Corrected:     corrected,
		Sync:          sync,
	}, nil
}

// Close ends the window: it records the final checkpoint, computes the
// delta against the baseline, grounds the final self-report against
// collected evidence, and feeds the grounded dimensions into the learning
// prior. Extra evidence sources join the grounding pass for this close
// only; goal progress reported by the caller arrives this way. Close
// succeeds even when no evidence could be gathered; the calibration score
// is simply absent. A second close on the same transaction fails with
// ErrNoOpenTransaction.
func (m *Manager) Close(ctx context.Context, transactionID string, raw vectors.VectorSet, summary string, extra ...evidence.Source) (*CloseReport, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	txn, err := m.loadOpen(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	baseline := txn.Baseline()
	if baseline == nil {
		return nil, fmt.Errorf("transaction %s has no baseline checkpoint", txn.ID)
	}

	corrected, _, err := m.priors.Apply(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("applying priors: %w", err)
	}

	calibration := m.grounder.Ground(ctx, txn.ID, raw, extra...)
	sync := dualstore.SyncStatus{FastOK: true, PortableOK: true}
	if len(calibration.EvidenceValues) > 0 {
		priorSync, err := m.priors.Observe(ctx, raw, calibration.EvidenceValues)
		if err != nil {
			// Degraded prior persistence must not block the close.
			m.logger.Warn("prior update not persisted",
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
		sync = sync.Merge(priorSync)
	}

	if payload, err := json.Marshal(calibration); err != nil {
		m.logger.Warn("calibration record not persisted",
			zap.String("transaction_id", txn.ID),
			zap.Error(err))
		sync = sync.Merge(dualstore.SyncStatus{
			FastErr:     err.Error(),
			PortableErr: err.Error(),
		})
	} else {
		sync = sync.Merge(m.store.Write(ctx, calibrationKey(txn.ID), payload))
	}

	now := m.now().UTC()
	txn.Status = StatusClosed
	txn.ClosedAt = &now
	txn.appendCheckpoint(Checkpoint{
		Phase:       PhaseFinal,
		Raw:         raw,
		Corrected:   corrected,
		Reasoning:   summary,
		Timestamp:   now,
		ContentHash: m.contentHash(ctx),
	})

	txnSync, err := m.persist(ctx, txn)
	if err != nil {
		return nil, err
	}
	sync = sync.Merge(txnSync)

	m.logger.Info("closed transaction",
		zap.String("transaction_id", txn.ID),
		zap.Int("evidence_count", calibration.EvidenceCount),
		zap.Float64("grounded_coverage", calibration.GroundedCoverage))
	return &CloseReport{
		Transaction: txn,
		Delta:       corrected.Delta(baseline.Corrected),
		Calibration: calibration,
		Sync:        sync,
	}, nil
}

// Get returns a transaction by id, open or closed.
func (m *Manager) Get(ctx context.Context, transactionID string) (*Transaction, error) {
	txn, err := m.loadByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

// Archive removes a closed transaction and its calibration record from
// both backends. Closed records are otherwise retained indefinitely.
func (m *Manager) Archive(ctx context.Context, transactionID string) error {
	txn, err := m.loadByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn == nil {
		return ErrTransactionNotFound
	}
	if txn.Open() {
		return ErrTransactionOpen
	}
	errs := []error{
		m.store.Delete(ctx, calibrationKey(txn.ID)),
		m.store.Delete(ctx, idKey(txn.ID)),
	}
	// The marker only comes along when it still points at this window;
	// the session may have opened a newer one since.
	if data, err := m.store.Read(ctx, sessionKey(txn.SessionID), m.prefer); err == nil {
		var marker sessionMarker
		if json.Unmarshal(data, &marker) == nil && marker.TransactionID == txn.ID {
			errs = append(errs, m.store.Delete(ctx, sessionKey(txn.SessionID)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("archiving transaction %s: %w", txn.ID, err)
	}
	m.logger.Info("archived transaction", zap.String("transaction_id", txn.ID))
	return nil
}

// loadOpen resolves a transaction id and requires the window to be open.
func (m *Manager) loadOpen(ctx context.Context, transactionID string) (*Transaction, error) {
	txn, err := m.loadByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil || !txn.Open() {
		return nil, ErrNoOpenTransaction
	}
	return txn, nil
}

// loadBySession resolves the session marker to that session's most recent
// transaction, open or closed.
func (m *Manager) loadBySession(ctx context.Context, sessionID string) (*Transaction, error) {
	data, err := m.store.Read(ctx, sessionKey(sessionID), m.prefer)
	if errors.Is(err, dualstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session marker: %w", err)
	}
	var marker sessionMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("decoding session marker: %w", err)
	}
	return m.loadByID(ctx, marker.TransactionID)
}

func (m *Manager) loadByID(ctx context.Context, transactionID string) (*Transaction, error) {
	if transactionID == "" {
		return nil, nil
	}
	data, err := m.store.Read(ctx, idKey(transactionID), m.prefer)
	if errors.Is(err, dualstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	var txn Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	if txn.ID != transactionID {
		return nil, fmt.Errorf("transaction record %s holds id %s", transactionID, txn.ID)
	}
	return &txn, nil
}

// persist writes the full transaction under its id key and refreshes the
// session marker to point at it. The operation succeeds as long as at least
// one backend acknowledged the record; the merged status reports any
// degradation to the caller.
func (m *Manager) persist(ctx context.Context, txn *Transaction) (dualstore.SyncStatus, error) {
	payload, err := json.Marshal(txn)
	if err != nil {
		return dualstore.SyncStatus{}, fmt.Errorf("encoding transaction: %w", err)
	}
	sync := m.store.Write(ctx, idKey(txn.ID), payload)
	if !sync.AnyOK() {
		return sync, fmt.Errorf("persisting transaction %s: %w", txn.ID, ErrNotPersisted)
	}

	marker, err := json.Marshal(sessionMarker{TransactionID: txn.ID})
	if err != nil {
		return sync, fmt.Errorf("encoding session marker: %w", err)
	}
	return sync.Merge(m.store.Write(ctx, sessionKey(txn.SessionID), marker)), nil
}

// contentHash snapshots the work-tree if a hasher is configured. Hashing
// failures degrade to an empty hash rather than failing the checkpoint.
func (m *Manager) contentHash(ctx context.Context) string {
	if m.hasher == nil {
		return ""
	}
	hash, err := m.hasher.Hash(ctx)
	if err != nil {
		m.logger.Warn("worktree hash unavailable", zap.Error(err))
		return ""
	}
	return hash
}
