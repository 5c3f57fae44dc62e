package persister

import "context"

// MemoryStore is the reference Persister, backed by in-process maps. It
// provides no durability whatsoever and exists for tests and as executable
// documentation of the contract's accounting semantics.
type MemoryStore struct {
	changes    map[string][]byte
	document   []byte
	syncStates map[string][]byte
	sizes      StoredSizes
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changes:    make(map[string][]byte),
		syncStates: make(map[string][]byte),
	}
}

var _ Persister = &MemoryStore{}

// GetChanges returns all stored changes.
func (s *MemoryStore) GetChanges(context.Context) ([][]byte, error) {
	var out = make([][]byte, 0, len(s.changes))
	for _, data := range s.changes {
		out = append(out, append([]byte(nil), data...))
	}
	return out, nil
}

// InsertChanges upserts records into the change map.
func (s *MemoryStore) InsertChanges(_ context.Context, records []ChangeRecord) error {
	for _, r := range records {
		var key = string(AppendChangeKey(nil, "", r.Actor, r.Seq))
		if old, ok := s.changes[key]; ok {
			s.sizes.Changes -= uint64(len(old))
		}
		s.changes[key] = append([]byte(nil), r.Data...)
		s.sizes.Changes += uint64(len(r.Data))
	}
	return nil
}

// RemoveChanges deletes changes from the map. Absent IDs are skipped.
func (s *MemoryStore) RemoveChanges(_ context.Context, ids []ChangeID) error {
	for _, id := range ids {
		var key = string(AppendChangeKey(nil, "", id.Actor, id.Seq))
		if old, ok := s.changes[key]; ok {
			s.sizes.Changes -= uint64(len(old))
			delete(s.changes, key)
		}
	}
	return nil
}

// GetDocument returns the stored snapshot, or nil if none is set.
func (s *MemoryStore) GetDocument(context.Context) ([]byte, error) {
	if len(s.document) == 0 {
		return nil, nil
	}
	return append([]byte(nil), s.document...), nil
}

// SetDocument replaces the stored snapshot.
func (s *MemoryStore) SetDocument(_ context.Context, data []byte) error {
	s.document = append([]byte(nil), data...)
	s.sizes.Document = uint64(len(data))
	return nil
}

// GetSyncState returns the peer's sync state, or nil.
func (s *MemoryStore) GetSyncState(_ context.Context, peerID []byte) ([]byte, error) {
	var state, ok = s.syncStates[string(peerID)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

// SetSyncState upserts the peer's sync state.
func (s *MemoryStore) SetSyncState(_ context.Context, peerID, state []byte) error {
	if old, ok := s.syncStates[string(peerID)]; ok {
		s.sizes.SyncStates -= uint64(len(old))
	}
	s.syncStates[string(peerID)] = append([]byte(nil), state...)
	s.sizes.SyncStates += uint64(len(state))
	return nil
}

// RemoveSyncStates deletes sync states of the given peers.
func (s *MemoryStore) RemoveSyncStates(_ context.Context, peerIDs [][]byte) error {
	for _, id := range peerIDs {
		if old, ok := s.syncStates[string(id)]; ok {
			s.sizes.SyncStates -= uint64(len(old))
			delete(s.syncStates, string(id))
		}
	}
	return nil
}

// GetPeerIDs enumerates peers having a stored sync state.
func (s *MemoryStore) GetPeerIDs(context.Context) ([][]byte, error) {
	var out = make([][]byte, 0, len(s.syncStates))
	for id := range s.syncStates {
		out = append(out, []byte(id))
	}
	return out, nil
}

// Sizes returns current stored sizes.
func (s *MemoryStore) Sizes() StoredSizes { return s.sizes }

// Flush is a no-op; a MemoryStore has no durable medium.
func (s *MemoryStore) Flush(context.Context) (int64, error) { return 0, nil }
