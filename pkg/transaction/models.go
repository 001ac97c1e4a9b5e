// Package transaction owns the epistemic measurement window: the open/gate/
// close lifecycle, checkpointing, and restart recovery over the dual store.
package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
	"github.com/fyrsmithlabs/epistemd/pkg/grounding"
	"github.com/fyrsmithlabs/epistemd/pkg/prior"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Status of a transaction.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Phase of a checkpoint within a transaction.
type Phase string

const (
	PhaseBaseline Phase = "baseline"
	PhaseGate     Phase = "gate"
	PhaseFinal    Phase = "final"
)

// Lifecycle errors.
var (
	// ErrNoOpenTransaction covers both "never opened" and "already
	// closed": gate and close require an open window.
	ErrNoOpenTransaction = errors.New("no open transaction")

	// ErrTransactionNotFound is returned by queries against unknown ids.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionOpen is returned when archival is attempted on a
	// window that is still open.
	ErrTransactionOpen = errors.New("transaction still open")

	// ErrSessionRequired is returned when open is called without a
	// session identifier.
	ErrSessionRequired = errors.New("session_id is required")

	// ErrNotPersisted is returned when neither backend acknowledged the
	// write that an operation depends on.
	ErrNotPersisted = errors.New("record not persisted to any backend")
)

// Checkpoint is one measurement event inside a transaction.
type Checkpoint struct {
	Phase       Phase             `json:"phase"`
	Raw         vectors.VectorSet `json:"raw_vectors"`
	Corrected   vectors.VectorSet `json:"corrected_vectors"`
	Reasoning   string            `json:"reasoning"`
	Timestamp   time.Time         `json:"timestamp"`
	ContentHash string            `json:"content_hash,omitempty"`

	// Gate carries the outcome for gate-phase checkpoints, including any
	// policy override alongside the computed decision.
	Gate *gate.Outcome `json:"gate,omitempty"`
}

// Transaction is one measurement window for one session.
type Transaction struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Status      Status       `json:"status"`
	OpenedAt    time.Time    `json:"opened_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Open reports whether the window is still open.
func (t *Transaction) Open() bool {
	return t.Status == StatusOpen
}

// Baseline returns the baseline checkpoint, or nil if none exists (which
// would indicate a corrupted record: every transaction is created with one).
func (t *Transaction) Baseline() *Checkpoint {
	for i := range t.Checkpoints {
		if t.Checkpoints[i].Phase == PhaseBaseline {
			return &t.Checkpoints[i]
		}
	}
	return nil
}

// appendCheckpoint adds a checkpoint, enforcing the monotonic timestamp
// invariant: a clock that stepped backwards is clamped forward to the last
// checkpoint's timestamp rather than breaking ordering.
func (t *Transaction) appendCheckpoint(cp Checkpoint) {
	if n := len(t.Checkpoints); n > 0 {
		if last := t.Checkpoints[n-1].Timestamp; cp.Timestamp.Before(last) {
			cp.Timestamp = last
		}
	}
	t.Checkpoints = append(t.Checkpoints, cp)
}

// sessionKey derives the durable marker key for a session. The derivation is
// deterministic so a freshly started process can locate the open window
// purely from the session identity, never from an in-memory handle.
func sessionKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return "txn/session/" + hex.EncodeToString(sum[:])[:16]
}

// idKey holds the full transaction record. One record per transaction, so
// closed windows stay queryable after the session moves on.
func idKey(transactionID string) string {
	return "txn/id/" + transactionID
}

// calibrationKey stores the grounded calibration result for a transaction.
func calibrationKey(transactionID string) string {
	return "calibration/" + transactionID
}

// sessionMarker is the record behind sessionKey: it points at the session's
// most recent transaction. Whether that window is open is a property of the
// transaction record itself, never of the marker.
type sessionMarker struct {
	TransactionID string `json:"transaction_id"`
}

// OpenResult is returned by Manager.Open.
type OpenResult struct {
	Transaction *Transaction         `json:"transaction"`
	Resumed     bool                 `json:"resumed"`
	Corrected   vectors.VectorSet    `json:"corrected_vectors"`
	Priors      []prior.Record       `json:"learning_prior_summary"`
	Sync        dualstore.SyncStatus `json:"sync_status"`
}

// GateResult is returned by Manager.Gate.
type GateResult struct {
	TransactionID string               `json:"transaction_id"`
	Outcome       gate.Outcome         `json:"outcome"`
	Corrected     vectors.VectorSet    `json:"corrected_vectors"`
	Sync          dualstore.SyncStatus `json:"sync_status"`
}

// CloseReport is returned by Manager.Close.
type CloseReport struct {
	Transaction *Transaction         `json:"transaction"`
	Delta       vectors.VectorSet    `json:"delta"`
	Calibration *grounding.Result    `json:"calibration"`
	Sync        dualstore.SyncStatus `json:"sync_status"`
}
