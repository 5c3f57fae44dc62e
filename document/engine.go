// Package document binds one CRDT merge engine to one Persister, pairing
// every state-changing operation on the document with the Persister calls
// which make it durable: change extraction by heads diffing, lazy-loaded
// per-peer sync states, incremental compaction, and flush/close semantics.
//
// The merge engine itself is out of scope and consumed through the Engine
// interface; the engine owns change encoding, causal ordering, conflict
// resolution, and the sync protocol's message and cursor formats.
package document

// Head is an opaque marker of one element of the document's causal frontier:
// a change without successors. The engine defines its representation.
type Head string

// Change is one atomic CRDT mutation as reported by the engine. Its
// (ActorID, Seq) pair is its storage identity; Raw is its opaque encoding.
type Change interface {
	ActorID() []byte
	Seq() uint64
	Raw() []byte
}

// SyncState is the engine's cursor for the sync protocol with one peer. The
// engine mutates it in place as messages are generated and received; Encode
// returns its durable representation.
type SyncState interface {
	Encode() []byte
}

// Engine is the CRDT merge engine bound to a Document.
type Engine interface {
	// LoadDocument restores engine state from a snapshot previously produced
	// by SaveDocument.
	LoadDocument(snapshot []byte) error
	// ApplyChanges feeds raw change encodings to the engine, which must
	// tolerate changes arriving out of causal order and changes it already
	// holds.
	ApplyChanges(raw [][]byte) error
	// Heads returns the current causal frontier.
	Heads() []Head
	// ChangesSince returns every change not reachable from heads. A nil
	// argument returns all history.
	ChangesSince(heads []Head) ([]Change, error)
	// SaveDocument returns a compacted snapshot of complete current state.
	SaveDocument() ([]byte, error)

	// NewSyncState returns the cursor for a peer never synced with.
	NewSyncState() SyncState
	// DecodeSyncState restores a cursor from its Encode representation.
	DecodeSyncState(data []byte) (SyncState, error)
	// GenerateSyncMessage produces the next outbound message for the peer
	// tracked by state, advancing state. It returns false if the protocol
	// has nothing to send, in which case state may still have advanced.
	GenerateSyncMessage(state SyncState) (msg []byte, ok bool)
	// ReceiveSyncMessage integrates an inbound message from the peer tracked
	// by state, advancing state and possibly materializing new changes.
	ReceiveSyncMessage(state SyncState, msg []byte) error
}
