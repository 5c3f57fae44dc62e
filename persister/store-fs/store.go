// Package store_fs implements the persister.Persister contract against a
// filesystem: one file per change under a changes/ directory, a singleton
// document file, and one file per peer under a sync/ directory, all rooted at
// root/namespace. Inserts and sets are buffered by an in-memory write-back
// cache and reach disk only on Flush or FlushConcurrent; reads consult the
// cache before falling through to disk, so they're always consistent with
// unflushed writes.
//
// The store operates over an afero.Fs, which lets tests exercise it against
// an in-memory filesystem with identical semantics.
package store_fs

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.inkwell.dev/core/persister"
	"golang.org/x/sync/errgroup"
)

const (
	changesDir = "changes"
	docFile    = "doc"
	syncDir    = "sync"

	// Bound on concurrently issued writes of FlushConcurrent.
	maxConcurrentFlushes = 32
)

// Store is a filesystem-backed Persister.
type Store struct {
	fs afero.Fs

	changesPath string
	docPath     string
	syncPath    string

	cache cache
	sizes persister.StoredSizes
}

// cache buffers mutations not yet written to disk. Change and sync-state
// entries are keyed by their file name within their region directory.
type cache struct {
	changes    map[string][]byte
	document   []byte
	docDirty   bool
	syncStates map[string][]byte
}

func newCache() cache {
	return cache{
		changes:    make(map[string][]byte),
		syncStates: make(map[string][]byte),
	}
}

// drain empties the cache, handing ownership of its contents to the caller.
func (c *cache) drain() cache {
	var drained = *c
	*c = newCache()
	return drained
}

var _ persister.Persister = &Store{}

// NewStore opens (creating as needed) the store rooted at root/namespace,
// scanning existing files to seed size accounting.
func NewStore(fs afero.Fs, root, namespace string) (*Store, error) {
	var dir = filepath.Join(root, namespace)

	var s = &Store{
		fs:          fs,
		changesPath: filepath.Join(dir, changesDir),
		docPath:     filepath.Join(dir, docFile),
		syncPath:    filepath.Join(dir, syncDir),
		cache:       newCache(),
	}
	for _, d := range []string{s.changesPath, s.syncPath} {
		if err := fs.MkdirAll(d, 0700); err != nil {
			return nil, errors.WithMessagef(err, "creating directory %s", d)
		}
	}
	if err := s.scanSizes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load is as NewStore, but returns a nil Store without creating anything if
// the store directory doesn't exist.
func Load(fs afero.Fs, root, namespace string) (*Store, error) {
	var exists, err = afero.DirExists(fs, filepath.Join(root, namespace))
	if err != nil {
		return nil, errors.WithMessage(err, "probing store directory")
	} else if !exists {
		return nil, nil
	}
	return NewStore(fs, root, namespace)
}

func (s *Store) scanSizes() error {
	s.sizes = persister.StoredSizes{}

	for _, r := range []struct {
		dir  string
		into *uint64
	}{
		{s.changesPath, &s.sizes.Changes},
		{s.syncPath, &s.sizes.SyncStates},
	} {
		var infos, err = afero.ReadDir(s.fs, r.dir)
		if err != nil {
			return errors.WithMessagef(err, "scanning %s", r.dir)
		}
		for _, fi := range infos {
			if !fi.IsDir() {
				*r.into += uint64(fi.Size())
			}
		}
	}

	if fi, err := s.fs.Stat(s.docPath); err == nil {
		s.sizes.Document = uint64(fi.Size())
	} else if !os.IsNotExist(err) {
		return errors.WithMessage(err, "scanning document")
	}
	return nil
}

func changeFile(actor []byte, seq uint64) string {
	return hex.EncodeToString(actor) + "-" + strconv.FormatUint(seq, 10)
}

func peerFile(peerID []byte) string { return hex.EncodeToString(peerID) }

// GetChanges returns all changes, merging unflushed cache entries over files
// already on disk.
func (s *Store) GetChanges(context.Context) ([][]byte, error) {
	var infos, err = afero.ReadDir(s.fs, s.changesPath)
	if err != nil {
		return nil, errors.WithMessage(err, "reading changes directory")
	}

	var out [][]byte
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		} else if _, ok := s.cache.changes[fi.Name()]; ok {
			continue // Shadowed by an unflushed overwrite.
		}
		var data, err2 = afero.ReadFile(s.fs, filepath.Join(s.changesPath, fi.Name()))
		if err2 != nil {
			return nil, errors.WithMessagef(err2, "reading change %s", fi.Name())
		}
		out = append(out, data)
	}
	for _, data := range s.cache.changes {
		out = append(out, append([]byte(nil), data...))
	}
	return out, nil
}

// InsertChanges buffers records in the cache for the next flush.
func (s *Store) InsertChanges(_ context.Context, records []persister.ChangeRecord) error {
	for _, r := range records {
		var name = changeFile(r.Actor, r.Seq)

		if old, ok := s.cache.changes[name]; ok {
			s.sizes.Changes -= uint64(len(old))
		} else if fi, err := s.fs.Stat(filepath.Join(s.changesPath, name)); err == nil {
			s.sizes.Changes -= uint64(fi.Size())
		} else if !os.IsNotExist(err) {
			return errors.WithMessagef(err, "sizing change %s", name)
		}
		s.cache.changes[name] = append([]byte(nil), r.Data...)
		s.sizes.Changes += uint64(len(r.Data))
	}
	return nil
}

// RemoveChanges removes changes from the cache and from disk.
func (s *Store) RemoveChanges(_ context.Context, ids []persister.ChangeID) error {
	for _, id := range ids {
		var name = changeFile(id.Actor, id.Seq)

		var cached bool
		if old, ok := s.cache.changes[name]; ok {
			s.sizes.Changes -= uint64(len(old))
			delete(s.cache.changes, name)
			cached = true
		}
		// A previously flushed file may exist alongside a cached overwrite;
		// its length was already deducted when the overwrite was inserted.
		var path = filepath.Join(s.changesPath, name)
		if fi, err := s.fs.Stat(path); err == nil {
			if err = s.fs.Remove(path); err != nil {
				return errors.WithMessagef(err, "removing change %s", name)
			}
			if !cached {
				s.sizes.Changes -= uint64(fi.Size())
			}
		} else if !os.IsNotExist(err) {
			return errors.WithMessagef(err, "sizing change %s", name)
		}
	}
	return nil
}

// GetDocument returns the snapshot, preferring an unflushed one.
func (s *Store) GetDocument(context.Context) ([]byte, error) {
	if s.cache.docDirty {
		if len(s.cache.document) == 0 {
			return nil, nil
		}
		return append([]byte(nil), s.cache.document...), nil
	}
	var data, err = afero.ReadFile(s.fs, s.docPath)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithMessage(err, "reading document")
	} else if len(data) == 0 {
		return nil, nil // An empty file is no document.
	}
	return data, nil
}

// SetDocument buffers the snapshot for the next flush.
func (s *Store) SetDocument(_ context.Context, data []byte) error {
	s.cache.document = append([]byte(nil), data...)
	s.cache.docDirty = true
	s.sizes.Document = uint64(len(data))
	return nil
}

// GetSyncState returns the peer's sync state, preferring an unflushed one.
func (s *Store) GetSyncState(_ context.Context, peerID []byte) ([]byte, error) {
	if state, ok := s.cache.syncStates[peerFile(peerID)]; ok {
		return append([]byte(nil), state...), nil
	}
	var data, err = afero.ReadFile(s.fs, filepath.Join(s.syncPath, peerFile(peerID)))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading sync state of peer %x", peerID)
	} else if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// SetSyncState buffers the peer's sync state for the next flush.
func (s *Store) SetSyncState(_ context.Context, peerID, state []byte) error {
	var name = peerFile(peerID)

	if old, ok := s.cache.syncStates[name]; ok {
		s.sizes.SyncStates -= uint64(len(old))
	} else if fi, err := s.fs.Stat(filepath.Join(s.syncPath, name)); err == nil {
		s.sizes.SyncStates -= uint64(fi.Size())
	} else if !os.IsNotExist(err) {
		return errors.WithMessagef(err, "sizing sync state of peer %x", peerID)
	}
	s.cache.syncStates[name] = append([]byte(nil), state...)
	s.sizes.SyncStates += uint64(len(state))
	return nil
}

// RemoveSyncStates removes peers' sync states from the cache and from disk.
func (s *Store) RemoveSyncStates(_ context.Context, peerIDs [][]byte) error {
	for _, id := range peerIDs {
		var name = peerFile(id)

		var cached bool
		if old, ok := s.cache.syncStates[name]; ok {
			s.sizes.SyncStates -= uint64(len(old))
			delete(s.cache.syncStates, name)
			cached = true
		}
		var path = filepath.Join(s.syncPath, name)
		if fi, err := s.fs.Stat(path); err == nil {
			if err = s.fs.Remove(path); err != nil {
				return errors.WithMessagef(err, "removing sync state of peer %x", id)
			}
			if !cached {
				s.sizes.SyncStates -= uint64(fi.Size())
			}
		} else if !os.IsNotExist(err) {
			return errors.WithMessagef(err, "sizing sync state of peer %x", id)
		}
	}
	return nil
}

// GetPeerIDs enumerates peers across disk and the cache.
func (s *Store) GetPeerIDs(context.Context) ([][]byte, error) {
	var infos, err = afero.ReadDir(s.fs, s.syncPath)
	if err != nil {
		return nil, errors.WithMessage(err, "reading sync directory")
	}

	var names = make(map[string]struct{})
	for _, fi := range infos {
		if !fi.IsDir() {
			names[fi.Name()] = struct{}{}
		}
	}
	for name := range s.cache.syncStates {
		names[name] = struct{}{}
	}

	var out [][]byte
	for name := range names {
		var id, err2 = hex.DecodeString(name)
		if err2 != nil {
			return nil, errors.WithMessagef(err2, "decoding peer file name %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// Sizes returns current stored sizes, cached and flushed entries combined.
func (s *Store) Sizes() persister.StoredSizes { return s.sizes }

// Flush drains the cache and writes each pending entry to disk in turn,
// returning the total bytes written.
func (s *Store) Flush(context.Context) (int64, error) {
	var drained = s.cache.drain()
	var flushed int64

	if drained.docDirty {
		if err := afero.WriteFile(s.fs, s.docPath, drained.document, 0600); err != nil {
			return flushed, errors.WithMessage(err, "writing document")
		}
		flushed += int64(len(drained.document))
	}
	for name, data := range drained.changes {
		if err := afero.WriteFile(s.fs, filepath.Join(s.changesPath, name), data, 0600); err != nil {
			return flushed, errors.WithMessagef(err, "writing change %s", name)
		}
		flushed += int64(len(data))
	}
	for name, data := range drained.syncStates {
		if err := afero.WriteFile(s.fs, filepath.Join(s.syncPath, name), data, 0600); err != nil {
			return flushed, errors.WithMessagef(err, "writing sync state %s", name)
		}
		flushed += int64(len(data))
	}

	log.WithFields(log.Fields{"bytes": flushed, "path": s.docPath}).Debug("flushed store cache")
	return flushed, nil
}

// FlushConcurrent drains the cache and issues all pending writes as
// concurrent tasks, bounded by maxConcurrentFlushes, joining on their
// completion and returning the summed bytes written.
//
// The cache is drained before writes are issued: if any write fails the
// in-memory record of the remaining pending entries is gone, and only the
// subset of writes which individually completed is durable. Callers must
// treat a FlushConcurrent error as fatal to the document rather than retry.
func (s *Store) FlushConcurrent(ctx context.Context) (int64, error) {
	var drained = s.cache.drain()
	var flushed int64

	var g, _ = errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFlushes)

	if drained.docDirty {
		g.Go(func() error {
			if err := afero.WriteFile(s.fs, s.docPath, drained.document, 0600); err != nil {
				return errors.WithMessage(err, "writing document")
			}
			atomic.AddInt64(&flushed, int64(len(drained.document)))
			return nil
		})
	}
	for name, data := range drained.changes {
		name, data := name, data
		g.Go(func() error {
			if err := afero.WriteFile(s.fs, filepath.Join(s.changesPath, name), data, 0600); err != nil {
				return errors.WithMessagef(err, "writing change %s", name)
			}
			atomic.AddInt64(&flushed, int64(len(data)))
			return nil
		})
	}
	for name, data := range drained.syncStates {
		name, data := name, data
		g.Go(func() error {
			if err := afero.WriteFile(s.fs, filepath.Join(s.syncPath, name), data, 0600); err != nil {
				return errors.WithMessagef(err, "writing sync state %s", name)
			}
			atomic.AddInt64(&flushed, int64(len(data)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return atomic.LoadInt64(&flushed), err
	}
	return flushed, nil
}
