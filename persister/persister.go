// Package persister defines the storage contract shared by all durability
// backends of a replicated CRDT document: an unordered log of immutable
// change records keyed by (actor, sequence number), at most one compacted
// document snapshot, and a sync-state cursor per peer of the gossip protocol.
//
// A Persister does not interpret any of the blobs it stores. Change bytes,
// snapshot bytes and sync-state bytes are produced and consumed by the CRDT
// engine; the persister's only format is its key naming scheme (see keys.go),
// which lets multiple logical documents share one physical store under
// distinct namespaces.
package persister

import "context"

// StoredSizes are the aggregate byte sizes of the three stored regions.
// They're maintained incrementally by every mutating operation, and recomputed
// by scanning at construction so that restarts self-heal the counters. Callers
// typically consult Changes to decide when a compaction is worthwhile.
type StoredSizes struct {
	// Changes is the total length of all stored change records.
	Changes uint64
	// Document is the length of the stored snapshot, or zero if none is set.
	Document uint64
	// SyncStates is the total length of all stored peer sync states.
	SyncStates uint64
}

// ChangeID is the storage identity of a change record. Actor names the writer
// instance which produced the change, and Seq is its per-actor sequence
// number (beginning at 1). Content is never part of the identity.
type ChangeID struct {
	Actor []byte
	Seq   uint64
}

// ChangeRecord is a change record to be inserted: its identity plus the
// opaque encoded change.
type ChangeRecord struct {
	Actor []byte
	Seq   uint64
	Data  []byte
}

// ID returns the ChangeID of the record.
func (r ChangeRecord) ID() ChangeID { return ChangeID{Actor: r.Actor, Seq: r.Seq} }

// Persister is a durable store for the change log, document snapshot and
// per-peer sync states of one logical document.
//
// Implementations are not required to be safe for concurrent use by multiple
// goroutines: a Persister has a single writer (its Document). When several
// namespace-scoped Persisters multiplex one physical store, the shared handle
// serializes individual physical operations internally, and nothing more.
//
// Physical I/O errors propagate to the caller unmodified beyond added
// context; no implementation retries internally. A read of an absent key
// returns nil with no error, never an error.
type Persister interface {
	// GetChanges returns every stored change. Order is unspecified; the CRDT
	// engine reassembles causal order from its own dependency graph.
	GetChanges(ctx context.Context) ([][]byte, error)
	// InsertChanges upserts each record at its (actor, seq) key. Inserting
	// over an existing key replaces its bytes and adjusts size accounting by
	// the length delta. Duplicate inserts are not an error.
	InsertChanges(ctx context.Context, records []ChangeRecord) error
	// RemoveChanges deletes changes by ID. Removing an absent key is a no-op.
	RemoveChanges(ctx context.Context, ids []ChangeID) error

	// GetDocument returns the stored snapshot, or nil if none has been set.
	// A zero-length stored value reads as nil: media which can materialize an
	// empty value (an empty file, say) must not report it as a document.
	GetDocument(ctx context.Context) ([]byte, error)
	// SetDocument replaces the singleton snapshot. Document size accounting
	// is replaced rather than accumulated.
	SetDocument(ctx context.Context, data []byte) error

	// GetSyncState returns the sync state stored for the peer, or nil.
	GetSyncState(ctx context.Context, peerID []byte) ([]byte, error)
	// SetSyncState upserts the sync state stored for the peer.
	SetSyncState(ctx context.Context, peerID, state []byte) error
	// RemoveSyncStates deletes sync states of the given peers. Absent peers
	// are skipped without error.
	RemoveSyncStates(ctx context.Context, peerIDs [][]byte) error
	// GetPeerIDs enumerates peers having a stored sync state, for use in
	// selecting pruning candidates at compaction.
	GetPeerIDs(ctx context.Context) ([][]byte, error)

	// Sizes returns the maintained running totals. It never rescans.
	Sizes() StoredSizes
	// Flush forces buffered writes to durable storage, returning the number
	// of bytes physically written. Backends without a write-back buffer
	// forward to the medium's own durability primitive and return zero.
	Flush(ctx context.Context) (int64, error)
}
