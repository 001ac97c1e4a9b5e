// Package dualstore provides write-through persistence across two opaque
// key-value backends with different tradeoffs: a fast indexed store and a
// portable store that travels with the work tree.
//
// Writes go to both backends independently; a failure in one never rolls
// back the other. Partial success is a first-class return value (SyncStatus),
// not a log line, so callers and tests can assert on it. Reads fall back
// from the preferred backend to the other and self-heal drift by re-writing
// the backend that missed.
package dualstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Backend.Get and Store.Read when a key has no
// record in the consulted backend(s).
var ErrNotFound = errors.New("record not found")

// Backend is one opaque key-value store. Implementations must be safe for
// concurrent use; external synchronization across processes is the
// reconciliation tool's job, not the backend's.
type Backend interface {
	// Name identifies the backend in logs and sync status.
	Name() string

	// Put stores value under key, overwriting any existing record.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Preference selects which backend a read consults first.
type Preference string

const (
	// PreferFast reads the indexed backend first. Use when recency
	// matters: the fast backend acknowledges writes first.
	PreferFast Preference = "fast"

	// PreferPortable reads the portable backend first.
	PreferPortable Preference = "portable"
)

// SyncStatus reports the per-backend outcome of one write.
type SyncStatus struct {
	FastOK     bool   `json:"fast_store_ok"`
	PortableOK bool   `json:"portable_store_ok"`
	FastErr    string `json:"fast_store_error,omitempty"`
	PortableErr string `json:"portable_store_error,omitempty"`
}

// FullySynced reports whether both backends acknowledged the write.
func (s SyncStatus) FullySynced() bool {
	return s.FastOK && s.PortableOK
}

// AnyOK reports whether at least one backend acknowledged the write.
func (s SyncStatus) AnyOK() bool {
	return s.FastOK || s.PortableOK
}

// Merge folds another status into this one, keeping the worst outcome per
// backend. Used by callers that issue several writes in one operation.
func (s SyncStatus) Merge(other SyncStatus) SyncStatus {
	merged := SyncStatus{
		FastOK:     s.FastOK && other.FastOK,
		PortableOK: s.PortableOK && other.PortableOK,
	}
	merged.FastErr = firstNonEmpty(s.FastErr, other.FastErr)
	merged.PortableErr = firstNonEmpty(s.PortableErr, other.PortableErr)
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Store coordinates the two backends.
type Store struct {
	fast     Backend
	portable Backend
	logger   *zap.Logger

	// maxRetryElapsed bounds the per-backend retry budget on writes.
	maxRetryElapsed time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetryBudget bounds the exponential-backoff retry window applied to
// each backend write. Zero disables retries entirely.
func WithRetryBudget(d time.Duration) Option {
	return func(s *Store) { s.maxRetryElapsed = d }
}

// New creates a Store over a fast indexed backend and a portable backend.
// A nil logger falls back to a no-op logger.
func New(fast, portable Backend, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		fast:            fast,
		portable:        portable,
		logger:          logger,
		maxRetryElapsed: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write stores the record in both backends independently.
//
// Each backend write is retried with bounded exponential backoff. The
// returned SyncStatus reports both outcomes; a partial failure is reported,
// never escalated to an error, because the caller's operation has still
// durably persisted somewhere.
func (s *Store) Write(ctx context.Context, key string, value []byte) SyncStatus {
	status := SyncStatus{FastOK: true, PortableOK: true}

	if err := s.putWithRetry(ctx, s.fast, key, value); err != nil {
		status.FastOK = false
		status.FastErr = err.Error()
		s.logger.Warn("Fast backend write failed",
			zap.String("backend", s.fast.Name()),
			zap.String("key", key),
			zap.Error(err))
	}
	if err := s.putWithRetry(ctx, s.portable, key, value); err != nil {
		status.PortableOK = false
		status.PortableErr = err.Error()
		s.logger.Warn("Portable backend write failed",
			zap.String("backend", s.portable.Name()),
			zap.String("key", key),
			zap.Error(err))
	}

	return status
}

// Read returns the record for key, trying the preferred backend first and
// falling back to the other on miss or error.
//
// A successful fallback read re-writes the record to the backend that
// missed, healing drift without a separate migration step. The self-heal is
// best effort: its failure does not fail the read.
func (s *Store) Read(ctx context.Context, key string, prefer Preference) ([]byte, error) {
	primary, secondary := s.fast, s.portable
	if prefer == PreferPortable {
		primary, secondary = s.portable, s.fast
	}

	value, primaryErr := primary.Get(ctx, key)
	if primaryErr == nil {
		return value, nil
	}

	value, secondaryErr := secondary.Get(ctx, key)
	if secondaryErr != nil {
		if errors.Is(primaryErr, ErrNotFound) && errors.Is(secondaryErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("both backends failed: %s: %v; %s: %v",
			primary.Name(), primaryErr, secondary.Name(), secondaryErr)
	}

	if err := primary.Put(ctx, key, value); err != nil {
		s.logger.Warn("Self-heal write failed",
			zap.String("backend", primary.Name()),
			zap.String("key", key),
			zap.Error(err))
	} else {
		s.logger.Info("Self-healed missing record",
			zap.String("backend", primary.Name()),
			zap.String("key", key))
	}

	return value, nil
}

// Delete removes the key from both backends. Errors are combined; a missing
// key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	var errs []error
	if err := s.fast.Delete(ctx, key); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", s.fast.Name(), err))
	}
	if err := s.portable.Delete(ctx, key); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", s.portable.Name(), err))
	}
	return errors.Join(errs...)
}

// List returns the union of keys with the prefix across both backends.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fastKeys, err := s.fast.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.fast.Name(), err)
	}
	portableKeys, err := s.portable.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.portable.Name(), err)
	}

	seen := make(map[string]bool, len(fastKeys))
	union := make([]string, 0, len(fastKeys))
	for _, k := range fastKeys {
		seen[k] = true
		union = append(union, k)
	}
	for _, k := range portableKeys {
		if !seen[k] {
			union = append(union, k)
		}
	}
	return union, nil
}

// Close closes both backends.
func (s *Store) Close() error {
	return errors.Join(s.fast.Close(), s.portable.Close())
}

// putWithRetry writes to one backend under the store's retry budget.
func (s *Store) putWithRetry(ctx context.Context, b Backend, key string, value []byte) error {
	if s.maxRetryElapsed <= 0 {
		return b.Put(ctx, key, value)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = s.maxRetryElapsed

	return backoff.Retry(func() error {
		return b.Put(ctx, key, value)
	}, backoff.WithContext(policy, ctx))
}

// contentHash returns the SHA-256 of a record, used by reconciliation to
// detect divergence.
func contentHash(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// equalContent reports whether two records carry identical bytes.
func equalContent(a, b []byte) bool {
	return bytes.Equal(a, b)
}
