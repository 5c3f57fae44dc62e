package store_fs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.inkwell.dev/core/persister"
	"go.inkwell.dev/core/persister/persistertest"
)

func TestStoreContract(t *testing.T) {
	persistertest.Run(t, func(t *testing.T) persister.Persister {
		var s, err = NewStore(afero.NewMemMapFs(), "/stores", "doc-1")
		require.NoError(t, err)
		return s
	})
}

func TestStoreContractOsFs(t *testing.T) {
	persistertest.Run(t, func(t *testing.T) persister.Persister {
		var s, err = NewStore(afero.NewOsFs(), t.TempDir(), "doc-1")
		require.NoError(t, err)
		return s
	})
}

func TestReadsConsultCacheBeforeFlush(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("unflushed")},
	}))
	require.NoError(t, s.SetDocument(ctx, []byte("snap")))
	require.NoError(t, s.SetSyncState(ctx, []byte("p"), []byte("cursor")))

	// Nothing has reached the filesystem.
	var infos, _ = afero.ReadDir(fs, filepath.Join("/stores", "d", changesDir))
	require.Empty(t, infos)

	// Yet every read observes the buffered writes.
	var changes, errGet = s.GetChanges(ctx)
	require.NoError(t, errGet)
	require.ElementsMatch(t, [][]byte{[]byte("unflushed")}, changes)

	var doc, errDoc = s.GetDocument(ctx)
	require.NoError(t, errDoc)
	require.Equal(t, []byte("snap"), doc)

	var state, errState = s.GetSyncState(ctx, []byte("p"))
	require.NoError(t, errState)
	require.Equal(t, []byte("cursor"), state)

	var peers, errPeers = s.GetPeerIDs(ctx)
	require.NoError(t, errPeers)
	require.ElementsMatch(t, [][]byte{[]byte("p")}, peers)
}

func TestFlushWritesAndReportsBytes(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("12345")},
		{Actor: []byte("a"), Seq: 2, Data: []byte("123")},
	}))
	require.NoError(t, s.SetDocument(ctx, []byte("1234")))
	require.NoError(t, s.SetSyncState(ctx, []byte("p"), []byte("12")))

	var flushed, errFlush = s.Flush(ctx)
	require.NoError(t, errFlush)
	require.Equal(t, int64(5+3+4+2), flushed)

	// A second flush has nothing to write.
	flushed, errFlush = s.Flush(ctx)
	require.NoError(t, errFlush)
	require.Zero(t, flushed)

	// Files landed where the layout says they land.
	var data, errRead = afero.ReadFile(fs, filepath.Join("/stores", "d", changesDir, changeFile([]byte("a"), 1)))
	require.NoError(t, errRead)
	require.Equal(t, []byte("12345"), data)

	data, errRead = afero.ReadFile(fs, filepath.Join("/stores", "d", docFile))
	require.NoError(t, errRead)
	require.Equal(t, []byte("1234"), data)
}

func TestFlushConcurrentMatchesFlush(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	var total int64
	for seq := uint64(1); seq <= 100; seq++ {
		var data = []byte{byte(seq), byte(seq >> 8), 0xaa}
		total += int64(len(data))
		require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
			{Actor: []byte("actor"), Seq: seq, Data: data},
		}))
	}
	require.NoError(t, s.SetDocument(ctx, []byte("doc!")))
	total += 4

	var flushed, errFlush = s.FlushConcurrent(ctx)
	require.NoError(t, errFlush)
	require.Equal(t, total, flushed)

	var changes, errGet = s.GetChanges(ctx)
	require.NoError(t, errGet)
	require.Len(t, changes, 100)
}

func TestSizesSelfHealAcrossReopen(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("11111")},
		{Actor: []byte("b"), Seq: 1, Data: []byte("222")},
	}))
	require.NoError(t, s.SetDocument(ctx, []byte("dddd")))
	require.NoError(t, s.SetSyncState(ctx, []byte("p"), []byte("ss")))
	var _, errFlush = s.Flush(ctx)
	require.NoError(t, errFlush)

	// Re-open against the same filesystem. Counters are rebuilt by scan, not
	// read from any persisted counter.
	var reopened, errOpen = NewStore(fs, "/stores", "d")
	require.NoError(t, errOpen)
	require.Equal(t, persister.StoredSizes{Changes: 8, Document: 4, SyncStates: 2}, reopened.Sizes())
}

func TestRemoveOfUnflushedChangeNeverTouchesDisk(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("transient")},
	}))
	require.NoError(t, s.RemoveChanges(ctx, []persister.ChangeID{{Actor: []byte("a"), Seq: 1}}))
	require.Zero(t, s.Sizes().Changes)

	var flushed, errFlush = s.Flush(ctx)
	require.NoError(t, errFlush)
	require.Zero(t, flushed)
}

func TestOverwriteOfFlushedChangeAccounting(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("12345")},
	}))
	var _, errFlush = s.Flush(ctx)
	require.NoError(t, errFlush)

	// Overwrite the flushed change with different bytes, then remove it
	// entirely. Accounting must net to zero.
	require.NoError(t, s.InsertChanges(ctx, []persister.ChangeRecord{
		{Actor: []byte("a"), Seq: 1, Data: []byte("1234567")},
	}))
	require.Equal(t, uint64(7), s.Sizes().Changes)

	require.NoError(t, s.RemoveChanges(ctx, []persister.ChangeID{{Actor: []byte("a"), Seq: 1}}))
	require.Zero(t, s.Sizes().Changes)

	var changes, errGet = s.GetChanges(ctx)
	require.NoError(t, errGet)
	require.Empty(t, changes)
}

func TestLoadOfAbsentStore(t *testing.T) {
	var fs = afero.NewMemMapFs()

	var s, err = Load(fs, "/stores", "nope")
	require.NoError(t, err)
	require.Nil(t, s)

	// Load didn't create the directory as a side effect.
	var exists, _ = afero.DirExists(fs, filepath.Join("/stores", "nope"))
	require.False(t, exists)

	// But an existing store loads.
	var created, errNew = NewStore(fs, "/stores", "yep")
	require.NoError(t, errNew)
	require.NotNil(t, created)

	s, err = Load(fs, "/stores", "yep")
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestEmptyDocumentFileReadsAbsent(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var s, err = NewStore(fs, "/stores", "d")
	require.NoError(t, err)

	// An empty doc file on disk, as a crash between create and write could
	// leave behind.
	require.NoError(t, afero.WriteFile(fs, s.docPath, nil, 0600))

	var doc, errDoc = s.GetDocument(ctx)
	require.NoError(t, errDoc)
	require.Nil(t, doc)
}
