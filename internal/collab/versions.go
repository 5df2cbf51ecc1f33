package collab

import "sync"

// VersionStore keeps the last server-confirmed snapshot of every row the
// session has seen. It is the reference for conflict detection: optimistic
// values never enter it.
type VersionStore struct {
	mu    sync.RWMutex
	bases map[string]Row
}

// NewVersionStore constructs an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{bases: make(map[string]Row)}
}

// Observe records an authoritative row. Older versions than the one already
// held are ignored.
func (s *VersionStore) Observe(row Row) {
	if row.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bases[row.ID]; ok && existing.Version > row.Version {
		return
	}
	s.bases[row.ID] = row
}

// Base returns the last authoritative snapshot of a row.
func (s *VersionStore) Base(rowID string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.bases[rowID]
	return row, ok
}

// Known returns the last authoritative version of a row.
func (s *VersionStore) Known(rowID string) (int64, bool) {
	row, ok := s.Base(rowID)
	return row.Version, ok
}

// Forget drops the snapshot of a deleted row.
func (s *VersionStore) Forget(rowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bases, rowID)
}
