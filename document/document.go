package document

import (
	"context"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.inkwell.dev/core/metrics"
	"go.inkwell.dev/core/persister"
)

// Document pairs one CRDT Engine with one Persister, guaranteeing that every
// state-changing operation is made durable in an order which leaves storage
// consistent with either the pre- or post-operation state after a crash.
//
// A Document has a single writer: callers must not invoke two mutation or
// sync methods concurrently on one instance.
type Document struct {
	engine Engine
	store  persister.Persister

	// syncStates caches cursors lazily loaded from the store, keyed by peer.
	syncStates map[string]SyncState
	// savedHeads marks the frontier through which all changes are known to
	// the store. Changes the engine produces past savedHeads belong to an
	// open transaction, persisted by the next CloseTransaction.
	savedHeads []Head
}

// Load reads the stored snapshot (if any) into engine, applies all stored
// changes, and returns the bound Document. The engine must be freshly
// constructed and empty. Changes are fed in unspecified order; the engine
// reassembles causal order itself.
func Load(ctx context.Context, engine Engine, store persister.Persister) (*Document, error) {
	var snapshot, err = store.GetDocument(ctx)
	if err != nil {
		return nil, StoreError{err}
	}
	if snapshot != nil {
		if err = engine.LoadDocument(snapshot); err != nil {
			return nil, EngineError{err}
		}
	}

	var raw [][]byte
	if raw, err = store.GetChanges(ctx); err != nil {
		return nil, StoreError{err}
	}
	// Stored changes may overlap the snapshot (a crash mid-compaction leaves
	// both); applying already-held changes is an engine no-op.
	if len(raw) != 0 {
		if err = engine.ApplyChanges(raw); err != nil {
			return nil, EngineError{err}
		}
	}

	return &Document{
		engine:     engine,
		store:      store,
		syncStates: make(map[string]SyncState),
		savedHeads: engine.Heads(),
	}, nil
}

// Engine returns the bound engine. Mutating it outside of Change or Transact
// forfeits the Document's durability pairing.
func (d *Document) Engine() Engine { return d.engine }

// Persister returns the bound Persister.
func (d *Document) Persister() persister.Persister { return d.store }

// Change applies fn to the engine and immediately persists exactly the
// changes it produced, discovered by diffing the engine's heads against the
// last persisted frontier rather than by rescanning history.
func (d *Document) Change(ctx context.Context, fn func(Engine) error) error {
	if err := fn(d.engine); err != nil {
		return err
	}
	return d.CloseTransaction(ctx)
}

// Transact applies fn to the engine without persisting its changes yet. The
// open transaction is closed by the next sync operation, Compact, Flush, or
// an explicit CloseTransaction.
func (d *Document) Transact(fn func(Engine) error) error { return fn(d.engine) }

// CloseTransaction persists any changes produced past the last persisted
// frontier and advances that frontier.
func (d *Document) CloseTransaction(ctx context.Context) error {
	var changes, err = d.engine.ChangesSince(d.savedHeads)
	if err != nil {
		return EngineError{err}
	}
	if len(changes) != 0 {
		if err = d.store.InsertChanges(ctx, records(changes)); err != nil {
			return StoreError{err}
		}
		metrics.ChangesPersistedTotal.Add(float64(len(changes)))
	}
	d.savedHeads = d.engine.Heads()
	return nil
}

// ApplyChanges persists the given changes, then applies them to the engine.
// Persisting first means a crash between the two steps re-applies them on
// the next Load, which the engine tolerates.
func (d *Document) ApplyChanges(ctx context.Context, changes []Change) error {
	if err := d.CloseTransaction(ctx); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	if err := d.store.InsertChanges(ctx, records(changes)); err != nil {
		return StoreError{err}
	}
	metrics.ChangesPersistedTotal.Add(float64(len(changes)))

	var raw = make([][]byte, len(changes))
	for i, c := range changes {
		raw[i] = c.Raw()
	}
	if err := d.engine.ApplyChanges(raw); err != nil {
		return EngineError{err}
	}
	d.savedHeads = d.engine.Heads()
	return nil
}

// GenerateSyncMessage produces the next outbound sync message for the peer,
// or ok == false if the protocol has nothing to send. The peer's updated
// cursor is persisted in either case, since the cursor can legitimately
// advance without a message being emitted.
func (d *Document) GenerateSyncMessage(ctx context.Context, peerID []byte) (msg []byte, ok bool, err error) {
	if err = d.CloseTransaction(ctx); err != nil {
		return nil, false, err
	}
	var state SyncState
	if state, err = d.loadSyncState(ctx, peerID); err != nil {
		return nil, false, err
	}

	msg, ok = d.engine.GenerateSyncMessage(state)

	if err = d.store.SetSyncState(ctx, peerID, state.Encode()); err != nil {
		return nil, false, StoreError{err}
	}
	metrics.SyncMessagesTotal.WithLabelValues(metrics.Generate).Inc()
	return msg, ok, nil
}

// ReceiveSyncMessage integrates an inbound sync message from the peer,
// persisting any changes the engine materialized from it (discovered by
// diffing heads around the receive) and then the peer's updated cursor.
func (d *Document) ReceiveSyncMessage(ctx context.Context, peerID, msg []byte) error {
	if err := d.CloseTransaction(ctx); err != nil {
		return err
	}
	var state, err = d.loadSyncState(ctx, peerID)
	if err != nil {
		return err
	}

	var heads = d.engine.Heads()
	if err = d.engine.ReceiveSyncMessage(state, msg); err != nil {
		return EngineError{err}
	}

	var changes []Change
	if changes, err = d.engine.ChangesSince(heads); err != nil {
		return EngineError{err}
	}
	if len(changes) != 0 {
		if err = d.store.InsertChanges(ctx, records(changes)); err != nil {
			return StoreError{err}
		}
		metrics.ChangesPersistedTotal.Add(float64(len(changes)))
	}
	d.savedHeads = d.engine.Heads()

	if err = d.store.SetSyncState(ctx, peerID, state.Encode()); err != nil {
		return StoreError{err}
	}
	metrics.SyncMessagesTotal.WithLabelValues(metrics.Receive).Inc()
	return nil
}

// ResetSyncState drops the peer's cached cursor and deletes its persisted
// one. Use when a peer's connection is known to be torn down and cannot be
// assumed resumable from its last cursor.
func (d *Document) ResetSyncState(ctx context.Context, peerID []byte) error {
	delete(d.syncStates, string(peerID))
	if err := d.store.RemoveSyncStates(ctx, [][]byte{peerID}); err != nil {
		return StoreError{err}
	}
	return nil
}

// loadSyncState returns the peer's cursor, lazily loading it from the store
// and caching it in memory. A peer never synced with gets a fresh cursor.
func (d *Document) loadSyncState(ctx context.Context, peerID []byte) (SyncState, error) {
	if state, ok := d.syncStates[string(peerID)]; ok {
		return state, nil
	}

	var data, err = d.store.GetSyncState(ctx, peerID)
	if err != nil {
		return nil, StoreError{err}
	}

	var state SyncState
	if data == nil {
		state = d.engine.NewSyncState()
	} else if state, err = d.engine.DecodeSyncState(data); err != nil {
		return nil, EngineError{err}
	}
	d.syncStates[string(peerID)] = state
	return state, nil
}

// Compact folds the change log into a fresh snapshot and prunes the given
// peers' sync states. The three storage steps aren't atomic, but their order
// (document, then changes, then sync states) means a crash at any point
// leaves a loadable store: at worst the old changes remain redundantly
// alongside the new snapshot, which Load tolerates.
func (d *Document) Compact(ctx context.Context, prunePeerIDs [][]byte) error {
	if err := d.CloseTransaction(ctx); err != nil {
		return err
	}

	var snapshot, err = d.engine.SaveDocument()
	if err != nil {
		return EngineError{err}
	}
	d.savedHeads = d.engine.Heads()

	var changes []Change
	if changes, err = d.engine.ChangesSince(nil); err != nil {
		return EngineError{err}
	}

	var before = d.store.Sizes().Changes

	if err = d.store.SetDocument(ctx, snapshot); err != nil {
		return StoreError{err}
	}
	var ids = make([]persister.ChangeID, len(changes))
	for i, c := range changes {
		ids[i] = persister.ChangeID{Actor: c.ActorID(), Seq: c.Seq()}
	}
	if err = d.store.RemoveChanges(ctx, ids); err != nil {
		return StoreError{err}
	}
	if err = d.store.RemoveSyncStates(ctx, prunePeerIDs); err != nil {
		return StoreError{err}
	}

	var reclaimed = before - d.store.Sizes().Changes
	metrics.CompactionsTotal.Inc()
	metrics.ReclaimedChangesBytesTotal.Add(float64(reclaimed))

	log.WithFields(log.Fields{
		"changes":   len(changes),
		"reclaimed": humanize.IBytes(reclaimed),
		"snapshot":  humanize.IBytes(uint64(len(snapshot))),
	}).Info("compacted document")
	return nil
}

// Flush closes any open transaction and flushes the store, returning the
// number of bytes physically written.
func (d *Document) Flush(ctx context.Context) (int64, error) {
	if err := d.CloseTransaction(ctx); err != nil {
		return 0, err
	}
	var n, err = d.store.Flush(ctx)
	if err != nil {
		metrics.FlushFailuresTotal.Inc()
		return n, StoreError{err}
	}
	metrics.FlushedBytesTotal.Add(float64(n))
	return n, nil
}

// Close flushes and releases the Persister for reuse by another Document.
func (d *Document) Close(ctx context.Context) (persister.Persister, error) {
	if _, err := d.Flush(ctx); err != nil {
		return nil, err
	}
	return d.store, nil
}

func records(changes []Change) []persister.ChangeRecord {
	var out = make([]persister.ChangeRecord, len(changes))
	for i, c := range changes {
		out[i] = persister.ChangeRecord{Actor: c.ActorID(), Seq: c.Seq(), Data: c.Raw()}
	}
	return out
}
