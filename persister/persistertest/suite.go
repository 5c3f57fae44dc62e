// Package persistertest provides an acceptance suite run against Persister
// implementations. Each backend package invokes Run with a factory producing
// a fresh, empty store; the suite verifies the portions of the contract which
// hold for every medium (round-trips, idempotent deletes, overwrite
// accounting, peer isolation). Durability across re-open is medium-specific
// and tested by each backend package itself.
package persistertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.inkwell.dev/core/persister"
)

// Factory returns a new, empty Persister under test.
type Factory func(t *testing.T) persister.Persister

// Run exercises the backend-independent portion of the Persister contract.
func Run(t *testing.T, factory Factory) {
	t.Run("ChangeRoundTrip", func(t *testing.T) { testChangeRoundTrip(t, factory(t)) })
	t.Run("ChangeOverwriteAccounting", func(t *testing.T) { testChangeOverwrite(t, factory(t)) })
	t.Run("IdempotentRemove", func(t *testing.T) { testIdempotentRemove(t, factory(t)) })
	t.Run("DocumentReplace", func(t *testing.T) { testDocumentReplace(t, factory(t)) })
	t.Run("EmptyDocumentIsAbsent", func(t *testing.T) { testEmptyDocument(t, factory(t)) })
	t.Run("SyncStatePeerIsolation", func(t *testing.T) { testPeerIsolation(t, factory(t)) })
	t.Run("FlushThenRead", func(t *testing.T) { testFlushThenRead(t, factory(t)) })
}

func testChangeRoundTrip(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a1"), Seq: 1, Data: []byte{1, 2, 3}},
		{Actor: []byte("a1"), Seq: 2, Data: []byte{4, 5}},
	}))

	var changes, err = p.GetChanges(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{{1, 2, 3}, {4, 5}}, changes)
	require.Equal(t, uint64(5), p.Sizes().Changes)

	require.NoError(t, p.RemoveChanges(ctx, []persister.ChangeID{
		{Actor: []byte("a1"), Seq: 1},
	}))
	require.Equal(t, uint64(2), p.Sizes().Changes)

	changes, err = p.GetChanges(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{{4, 5}}, changes)
}

func testChangeOverwrite(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("actor"), Seq: 7, Data: []byte("initial-bytes")},
	}))
	require.Equal(t, uint64(13), p.Sizes().Changes)

	// Re-insert at the same key with different lengths. Accounting must track
	// the exact delta, never double-counting.
	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("actor"), Seq: 7, Data: []byte("short")},
	}))
	require.Equal(t, uint64(5), p.Sizes().Changes)

	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("actor"), Seq: 7, Data: []byte("a-rather-longer-payload")},
	}))
	require.Equal(t, uint64(23), p.Sizes().Changes)

	var changes, err = p.GetChanges(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{[]byte("a-rather-longer-payload")}, changes)
}

func testIdempotentRemove(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("xyz")},
	}))
	require.NoError(t, p.SetSyncState(ctx, []byte("peer"), []byte("cursor")))
	var before = p.Sizes()

	// Removing keys which don't exist succeeds and leaves sizes unchanged.
	require.NoError(t, p.RemoveChanges(ctx, []persister.ChangeID{
		{Actor: []byte("a"), Seq: 99},
		{Actor: []byte("nobody"), Seq: 1},
	}))
	require.NoError(t, p.RemoveSyncStates(ctx, [][]byte{[]byte("stranger")}))
	require.Equal(t, before, p.Sizes())

	// Double-removal of a real key is also fine.
	require.NoError(t, p.RemoveChanges(ctx, []persister.ChangeID{{Actor: []byte("a"), Seq: 1}}))
	require.NoError(t, p.RemoveChanges(ctx, []persister.ChangeID{{Actor: []byte("a"), Seq: 1}}))
	require.Equal(t, uint64(0), p.Sizes().Changes)
}

func testDocumentReplace(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	var doc, err = p.GetDocument(ctx)
	require.NoError(t, err)
	require.Nil(t, doc)

	require.NoError(t, p.SetDocument(ctx, []byte{9, 9, 9}))
	require.NoError(t, p.SetDocument(ctx, []byte{1}))

	// The document slot is a singleton: size is replaced, not summed.
	require.Equal(t, uint64(1), p.Sizes().Document)

	doc, err = p.GetDocument(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, doc)
}

func testEmptyDocument(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.SetDocument(ctx, []byte{}))
	var doc, err = p.GetDocument(ctx)
	require.NoError(t, err)
	require.Nil(t, doc, "a zero-length stored value reads as no document")
	require.Equal(t, uint64(0), p.Sizes().Document)
}

func testPeerIsolation(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.SetSyncState(ctx, []byte("peer-A"), []byte("state-A")))
	require.NoError(t, p.SetSyncState(ctx, []byte("peer-B"), []byte("state-B-bytes")))

	var state, err = p.GetSyncState(ctx, []byte("peer-A"))
	require.NoError(t, err)
	require.Equal(t, []byte("state-A"), state)

	state, err = p.GetSyncState(ctx, []byte("peer-B"))
	require.NoError(t, err)
	require.Equal(t, []byte("state-B-bytes"), state)

	state, err = p.GetSyncState(ctx, []byte("peer-C"))
	require.NoError(t, err)
	require.Nil(t, state)

	var peers, errPeers = p.GetPeerIDs(ctx)
	require.NoError(t, errPeers)
	require.ElementsMatch(t, [][]byte{[]byte("peer-A"), []byte("peer-B")}, peers)

	require.Equal(t, uint64(20), p.Sizes().SyncStates)

	// Overwrite replaces the per-peer slot.
	require.NoError(t, p.SetSyncState(ctx, []byte("peer-B"), []byte(".")))
	require.Equal(t, uint64(8), p.Sizes().SyncStates)

	require.NoError(t, p.RemoveSyncStates(ctx, [][]byte{[]byte("peer-A")}))
	peers, errPeers = p.GetPeerIDs(ctx)
	require.NoError(t, errPeers)
	require.ElementsMatch(t, [][]byte{[]byte("peer-B")}, peers)
}

func testFlushThenRead(t *testing.T, p persister.Persister) {
	var ctx = context.Background()

	require.NoError(t, p.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("flushed"), Seq: 1, Data: []byte("payload")},
	}))
	require.NoError(t, p.SetDocument(ctx, []byte("snapshot")))
	require.NoError(t, p.SetSyncState(ctx, []byte("peer"), []byte("cursor")))

	var _, err = p.Flush(ctx)
	require.NoError(t, err)

	// All reads remain consistent after a flush.
	var changes, errChanges = p.GetChanges(ctx)
	require.NoError(t, errChanges)
	require.ElementsMatch(t, [][]byte{[]byte("payload")}, changes)

	var doc, errDoc = p.GetDocument(ctx)
	require.NoError(t, errDoc)
	require.Equal(t, []byte("snapshot"), doc)

	var state, errState = p.GetSyncState(ctx, []byte("peer"))
	require.NoError(t, errState)
	require.Equal(t, []byte("cursor"), state)

	require.Equal(t, persister.StoredSizes{Changes: 7, Document: 8, SyncStates: 6}, p.Sizes())
}
