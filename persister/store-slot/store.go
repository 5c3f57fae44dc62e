// Package store_slot implements the persister.Persister contract over a
// severely constrained medium: a Slots store offering only whole-value reads
// and writes of named slots, with no scanning (the shape of browser
// localStorage, or of any flat item store). The entire changes map and
// sync-states map are each kept as one JSON blob in a single slot, fully
// decoded into memory at construction and re-serialized and rewritten whole
// on every mutation. That rewrite cost is a deliberate trade-off for this
// medium and is not a pattern other backends share.
package store_slot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"go.inkwell.dev/core/persister"
)

// Slots is a minimal named-slot medium: whole-value get, set and delete of a
// slot by flat string name. No enumeration of names is available.
type Slots interface {
	// GetItem returns the slot's value and whether the slot exists.
	GetItem(ctx context.Context, name string) ([]byte, bool, error)
	// SetItem replaces the slot's value.
	SetItem(ctx context.Context, name string, value []byte) error
	// DelItem removes the slot. Removing an absent slot is not an error.
	DelItem(ctx context.Context, name string) error
}

// Store is a Persister over a Slots medium, scoped to a namespace which
// prefixes its three slot names.
type Store struct {
	slots Slots

	changesSlot string
	docSlot     string
	syncSlot    string

	changes    map[string][]byte // Keyed by hex(actor)-seq.
	syncStates map[string][]byte // Keyed by hex(peer).
	sizes      persister.StoredSizes
}

var _ persister.Persister = &Store{}

// NewStore returns a Store over slots scoped to namespace, decoding any
// previously stored region blobs and seeding size accounting from them.
func NewStore(ctx context.Context, slots Slots, namespace string) (*Store, error) {
	var s = &Store{
		slots:       slots,
		changesSlot: namespace + "/changes",
		docSlot:     namespace + "/doc",
		syncSlot:    namespace + "/sync",
		changes:     make(map[string][]byte),
		syncStates:  make(map[string][]byte),
	}

	for _, r := range []struct {
		slot string
		into *map[string][]byte
		size *uint64
	}{
		{s.changesSlot, &s.changes, &s.sizes.Changes},
		{s.syncSlot, &s.syncStates, &s.sizes.SyncStates},
	} {
		var blob, ok, err = slots.GetItem(ctx, r.slot)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading slot %s", r.slot)
		} else if !ok || len(blob) == 0 {
			continue
		}
		if err = json.Unmarshal(blob, r.into); err != nil {
			return nil, errors.WithMessagef(err, "decoding slot %s", r.slot)
		}
		for _, data := range *r.into {
			*r.size += uint64(len(data))
		}
	}

	var doc, err = s.GetDocument(ctx)
	if err != nil {
		return nil, err
	}
	s.sizes.Document = uint64(len(doc))
	return s, nil
}

func changeKey(actor []byte, seq uint64) string {
	return hex.EncodeToString(actor) + "-" + strconv.FormatUint(seq, 10)
}

func (s *Store) writeChanges(ctx context.Context) error {
	var blob, err = json.Marshal(s.changes)
	if err != nil {
		return errors.WithMessage(err, "encoding changes blob")
	}
	return errors.WithMessagef(s.slots.SetItem(ctx, s.changesSlot, blob), "writing slot %s", s.changesSlot)
}

func (s *Store) writeSyncStates(ctx context.Context) error {
	var blob, err = json.Marshal(s.syncStates)
	if err != nil {
		return errors.WithMessage(err, "encoding sync-states blob")
	}
	return errors.WithMessagef(s.slots.SetItem(ctx, s.syncSlot, blob), "writing slot %s", s.syncSlot)
}

// GetChanges returns all changes of the decoded in-memory map.
func (s *Store) GetChanges(context.Context) ([][]byte, error) {
	var out = make([][]byte, 0, len(s.changes))
	for _, data := range s.changes {
		out = append(out, append([]byte(nil), data...))
	}
	return out, nil
}

// InsertChanges upserts records and rewrites the changes blob.
func (s *Store) InsertChanges(ctx context.Context, records []persister.ChangeRecord) error {
	for _, r := range records {
		var key = changeKey(r.Actor, r.Seq)
		if old, ok := s.changes[key]; ok {
			s.sizes.Changes -= uint64(len(old))
		}
		s.changes[key] = append([]byte(nil), r.Data...)
		s.sizes.Changes += uint64(len(r.Data))
	}
	return s.writeChanges(ctx)
}

// RemoveChanges deletes changes and, if any existed, rewrites the blob.
func (s *Store) RemoveChanges(ctx context.Context, ids []persister.ChangeID) error {
	var removed bool
	for _, id := range ids {
		var key = changeKey(id.Actor, id.Seq)
		if old, ok := s.changes[key]; ok {
			s.sizes.Changes -= uint64(len(old))
			delete(s.changes, key)
			removed = true
		}
	}
	if !removed {
		return nil // Don't rewrite the whole blob for a no-op.
	}
	return s.writeChanges(ctx)
}

// GetDocument reads the document slot.
func (s *Store) GetDocument(ctx context.Context) ([]byte, error) {
	var data, ok, err = s.slots.GetItem(ctx, s.docSlot)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading slot %s", s.docSlot)
	} else if !ok || len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// SetDocument writes the document slot.
func (s *Store) SetDocument(ctx context.Context, data []byte) error {
	if err := s.slots.SetItem(ctx, s.docSlot, data); err != nil {
		return errors.WithMessagef(err, "writing slot %s", s.docSlot)
	}
	s.sizes.Document = uint64(len(data))
	return nil
}

// GetSyncState returns the peer's sync state from the decoded map.
func (s *Store) GetSyncState(_ context.Context, peerID []byte) ([]byte, error) {
	var state, ok = s.syncStates[hex.EncodeToString(peerID)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

// SetSyncState upserts the peer's sync state and rewrites the blob.
func (s *Store) SetSyncState(ctx context.Context, peerID, state []byte) error {
	var key = hex.EncodeToString(peerID)
	if old, ok := s.syncStates[key]; ok {
		s.sizes.SyncStates -= uint64(len(old))
	}
	s.syncStates[key] = append([]byte(nil), state...)
	s.sizes.SyncStates += uint64(len(state))
	return s.writeSyncStates(ctx)
}

// RemoveSyncStates deletes peers' sync states and, if any existed, rewrites
// the blob.
func (s *Store) RemoveSyncStates(ctx context.Context, peerIDs [][]byte) error {
	var removed bool
	for _, id := range peerIDs {
		var key = hex.EncodeToString(id)
		if old, ok := s.syncStates[key]; ok {
			s.sizes.SyncStates -= uint64(len(old))
			delete(s.syncStates, key)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return s.writeSyncStates(ctx)
}

// GetPeerIDs enumerates peers of the decoded sync-states map.
func (s *Store) GetPeerIDs(context.Context) ([][]byte, error) {
	var out = make([][]byte, 0, len(s.syncStates))
	for key := range s.syncStates {
		var id, err = hex.DecodeString(key)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding peer key %q", key)
		}
		out = append(out, id)
	}
	return out, nil
}

// Sizes returns current stored sizes.
func (s *Store) Sizes() persister.StoredSizes { return s.sizes }

// Flush is a no-op: every mutation already rewrote its region's slot.
func (s *Store) Flush(context.Context) (int64, error) { return 0, nil }
