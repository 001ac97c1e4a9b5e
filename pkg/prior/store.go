package prior

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// keyFor maps a dimension to its dualstore key.
func keyFor(d vectors.Dimension) string {
	return "prior/" + string(d)
}

// DualStore is the production Store: one record per dimension persisted
// through the dual store, read preferring the fast backend.
type DualStore struct {
	store *dualstore.Store
}

// NewDualStore wraps a dualstore.Store as a prior Store.
func NewDualStore(store *dualstore.Store) *DualStore {
	return &DualStore{store: store}
}

// Load implements Store.
func (s *DualStore) Load(ctx context.Context, d vectors.Dimension) (*Record, error) {
	raw, err := s.store.Read(ctx, keyFor(d), dualstore.PreferFast)
	if errors.Is(err, dualstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding prior record %q: %w", keyFor(d), err)
	}
	return &rec, nil
}

// Save implements Store. A write that lands in neither backend is an error;
// a partial write is reported through the sync status.
func (s *DualStore) Save(ctx context.Context, rec *Record) (dualstore.SyncStatus, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return dualstore.SyncStatus{}, fmt.Errorf("encoding prior record: %w", err)
	}

	status := s.store.Write(ctx, keyFor(rec.Dimension), raw)
	if !status.AnyOK() {
		return status, fmt.Errorf("prior record %q not persisted to any backend", keyFor(rec.Dimension))
	}
	return status, nil
}

// MemStore is an in-memory Store for tests and for callers that do not need
// durability.
type MemStore struct {
	mu      sync.RWMutex
	records map[vectors.Dimension]Record
}

// NewMemStore creates an empty in-memory prior store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[vectors.Dimension]Record)}
}

// Load implements Store.
func (s *MemStore) Load(ctx context.Context, d vectors.Dimension) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[d]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save implements Store.
func (s *MemStore) Save(ctx context.Context, rec *Record) (dualstore.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Dimension] = *rec
	return dualstore.SyncStatus{FastOK: true, PortableOK: true}, nil
}
