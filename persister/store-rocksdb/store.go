// Package store_rocksdb implements the persister.Persister contract against
// an embedded RocksDB instance. The database's native ordered key space
// serves all three regions directly: GetChanges and GetPeerIDs are prefix
// scans, and no separate write-back cache exists because RocksDB already
// buffers writes in its memtable. Flush delegates to the engine's own
// durability flush.
//
// A DB wraps the physical handle and may be shared by any number of
// namespace-scoped Stores; it serializes individual physical operations
// behind a mutex, and nothing more, so unrelated documents contend only for
// the duration of single reads and writes.
package store_rocksdb

import (
	"context"
	"sync"

	rocks "github.com/jgraettinger/gorocksdb"
	"github.com/pkg/errors"
	"go.inkwell.dev/core/persister"
)

// DB is an exclusively-owned RocksDB handle, shareable across Stores.
type DB struct {
	db *rocks.DB
	ro *rocks.ReadOptions
	wo *rocks.WriteOptions
	fo *rocks.FlushOptions
	mu sync.Mutex
}

// Open opens (creating if needed) a RocksDB at dir.
func Open(dir string) (*DB, error) {
	var opts = rocks.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	var db, err = rocks.OpenDb(opts, dir)
	if err != nil {
		opts.Destroy()
		return nil, errors.WithMessagef(err, "opening rocksdb %s", dir)
	}
	return &DB{
		db: db,
		ro: rocks.NewDefaultReadOptions(),
		wo: rocks.NewDefaultWriteOptions(),
		fo: rocks.NewDefaultFlushOptions(),
	}, nil
}

// Close closes the database. It must not be called while any Store still
// uses the DB.
func (d *DB) Close() {
	d.db.Close() // Blocks until background compaction completes.
	d.ro.Destroy()
	d.wo.Destroy()
	d.fo.Destroy()
}

// Store is a RocksDB-backed Persister, scoped to a namespace of its DB.
type Store struct {
	db        *DB
	namespace string
	sizes     persister.StoredSizes
}

var _ persister.Persister = &Store{}

// NewStore returns a Store over db scoped to namespace, scanning the
// namespace's key ranges to seed size accounting.
func NewStore(db *DB, namespace string) (*Store, error) {
	var s = &Store{db: db, namespace: namespace}

	var err = s.scanSizes()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scanSizes() error {
	s.sizes = persister.StoredSizes{}

	var scan = func(prefix []byte, into *uint64) {
		defer s.db.mu.Unlock()
		s.db.mu.Lock()

		var it = s.db.db.NewIterator(s.db.ro)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			*into += uint64(it.Value().Size())
			it.Key().Free()
			it.Value().Free()
		}
	}
	scan(persister.AppendChangePrefix(nil, s.namespace), &s.sizes.Changes)
	scan(persister.AppendSyncPrefix(nil, s.namespace), &s.sizes.SyncStates)

	var doc, err = s.GetDocument(context.Background())
	if err != nil {
		return err
	}
	s.sizes.Document = uint64(len(doc))
	return nil
}

// GetChanges prefix-scans the namespace's change region.
func (s *Store) GetChanges(context.Context) ([][]byte, error) {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	var prefix = persister.AppendChangePrefix(nil, s.namespace)
	var it = s.db.db.NewIterator(s.db.ro)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, append([]byte(nil), it.Value().Data()...))
		it.Key().Free()
		it.Value().Free()
	}
	if err := it.Err(); err != nil {
		return nil, errors.WithMessage(err, "scanning changes")
	}
	return out, nil
}

// InsertChanges puts each record at its encoded key.
func (s *Store) InsertChanges(_ context.Context, records []persister.ChangeRecord) error {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	for _, r := range records {
		var key = persister.AppendChangeKey(nil, s.namespace, r.Actor, r.Seq)

		// Size the prior value, if any, strictly before the overwrite.
		var old, err = s.db.db.Get(s.db.ro, key)
		if err != nil {
			return errors.WithMessage(err, "sizing prior change")
		}
		if old.Exists() {
			s.sizes.Changes -= uint64(old.Size())
		}
		old.Free()

		if err = s.db.db.Put(s.db.wo, key, r.Data); err != nil {
			return errors.WithMessage(err, "putting change")
		}
		s.sizes.Changes += uint64(len(r.Data))
	}
	return nil
}

// RemoveChanges deletes changes by encoded key.
func (s *Store) RemoveChanges(_ context.Context, ids []persister.ChangeID) error {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	for _, id := range ids {
		var key = persister.AppendChangeKey(nil, s.namespace, id.Actor, id.Seq)

		var old, err = s.db.db.Get(s.db.ro, key)
		if err != nil {
			return errors.WithMessage(err, "sizing prior change")
		}
		if !old.Exists() {
			old.Free()
			continue
		}
		s.sizes.Changes -= uint64(old.Size())
		old.Free()

		if err = s.db.db.Delete(s.db.wo, key); err != nil {
			return errors.WithMessage(err, "deleting change")
		}
	}
	return nil
}

// GetDocument reads the namespace's document key.
func (s *Store) GetDocument(context.Context) ([]byte, error) {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	var val, err = s.db.db.Get(s.db.ro, persister.AppendDocumentKey(nil, s.namespace))
	if err != nil {
		return nil, errors.WithMessage(err, "getting document")
	}
	defer val.Free()

	if !val.Exists() || val.Size() == 0 {
		return nil, nil
	}
	return append([]byte(nil), val.Data()...), nil
}

// SetDocument writes the namespace's document key.
func (s *Store) SetDocument(_ context.Context, data []byte) error {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	if err := s.db.db.Put(s.db.wo, persister.AppendDocumentKey(nil, s.namespace), data); err != nil {
		return errors.WithMessage(err, "putting document")
	}
	s.sizes.Document = uint64(len(data))
	return nil
}

// GetSyncState reads the peer's sync-state key.
func (s *Store) GetSyncState(_ context.Context, peerID []byte) ([]byte, error) {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	var val, err = s.db.db.Get(s.db.ro, persister.AppendSyncKey(nil, s.namespace, peerID))
	if err != nil {
		return nil, errors.WithMessagef(err, "getting sync state of peer %x", peerID)
	}
	defer val.Free()

	if !val.Exists() || val.Size() == 0 {
		return nil, nil
	}
	return append([]byte(nil), val.Data()...), nil
}

// SetSyncState writes the peer's sync-state key.
func (s *Store) SetSyncState(_ context.Context, peerID, state []byte) error {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	var key = persister.AppendSyncKey(nil, s.namespace, peerID)

	var old, err = s.db.db.Get(s.db.ro, key)
	if err != nil {
		return errors.WithMessagef(err, "sizing prior sync state of peer %x", peerID)
	}
	if old.Exists() {
		s.sizes.SyncStates -= uint64(old.Size())
	}
	old.Free()

	if err = s.db.db.Put(s.db.wo, key, state); err != nil {
		return errors.WithMessagef(err, "putting sync state of peer %x", peerID)
	}
	s.sizes.SyncStates += uint64(len(state))
	return nil
}

// RemoveSyncStates deletes peers' sync-state keys.
func (s *Store) RemoveSyncStates(_ context.Context, peerIDs [][]byte) error {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	for _, id := range peerIDs {
		var key = persister.AppendSyncKey(nil, s.namespace, id)

		var old, err = s.db.db.Get(s.db.ro, key)
		if err != nil {
			return errors.WithMessagef(err, "sizing prior sync state of peer %x", id)
		}
		if !old.Exists() {
			old.Free()
			continue
		}
		s.sizes.SyncStates -= uint64(old.Size())
		old.Free()

		if err = s.db.db.Delete(s.db.wo, key); err != nil {
			return errors.WithMessagef(err, "deleting sync state of peer %x", id)
		}
	}
	return nil
}

// GetPeerIDs prefix-scans the namespace's sync region, decoding peer ids
// back out of scanned keys.
func (s *Store) GetPeerIDs(context.Context) ([][]byte, error) {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	var prefix = persister.AppendSyncPrefix(nil, s.namespace)
	var it = s.db.db.NewIterator(s.db.ro)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var id, err = persister.DecodeSyncKeyPeer(it.Key().Data(), s.namespace)
		it.Key().Free()
		it.Value().Free()

		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := it.Err(); err != nil {
		return nil, errors.WithMessage(err, "scanning sync states")
	}
	return out, nil
}

// Sizes returns current stored sizes of the namespace.
func (s *Store) Sizes() persister.StoredSizes { return s.sizes }

// Flush delegates to the engine's durability flush. RocksDB has no
// store-level write buffering here, so the reported byte count is zero.
func (s *Store) Flush(context.Context) (int64, error) {
	defer s.db.mu.Unlock()
	s.db.mu.Lock()

	if err := s.db.db.Flush(s.db.fo); err != nil {
		return 0, errors.WithMessage(err, "flushing rocksdb")
	}
	return 0, nil
}
