// Package store_etcd implements the persister.Persister contract against an
// external etcd cluster. Region key layout is identical to other ordered-KV
// backends; GetChanges and GetPeerIDs are served by range reads with
// clientv3.WithPrefix. Writes are durable once etcd responds, so Flush is a
// no-op, and the client is safe for concurrent use, so namespace-scoped
// Stores share it directly without further locking.
package store_etcd

import (
	"context"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.inkwell.dev/core/persister"
)

// Store is an etcd-backed Persister, scoped to a namespace of the cluster's
// key space.
type Store struct {
	client    *clientv3.Client
	namespace string
	sizes     persister.StoredSizes
}

var _ persister.Persister = &Store{}

// NewStore returns a Store over client scoped to namespace, reading the
// namespace's key ranges to seed size accounting.
func NewStore(ctx context.Context, client *clientv3.Client, namespace string) (*Store, error) {
	var s = &Store{client: client, namespace: namespace}

	for _, r := range []struct {
		prefix []byte
		into   *uint64
	}{
		{persister.AppendChangePrefix(nil, namespace), &s.sizes.Changes},
		{persister.AppendSyncPrefix(nil, namespace), &s.sizes.SyncStates},
	} {
		var resp, err = client.Get(ctx, string(r.prefix), clientv3.WithPrefix())
		if err != nil {
			return nil, errors.WithMessage(err, "scanning sizes")
		}
		for _, kv := range resp.Kvs {
			*r.into += uint64(len(kv.Value))
		}
	}

	var doc, err = s.GetDocument(ctx)
	if err != nil {
		return nil, err
	}
	s.sizes.Document = uint64(len(doc))
	return s, nil
}

// GetChanges range-reads the namespace's change region.
func (s *Store) GetChanges(ctx context.Context) ([][]byte, error) {
	var prefix = persister.AppendChangePrefix(nil, s.namespace)

	var resp, err = s.client.Get(ctx, string(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.WithMessage(err, "ranging changes")
	}
	var out = make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, kv.Value)
	}
	return out, nil
}

// InsertChanges puts each record at its encoded key, using the returned
// prior value to maintain accounting.
func (s *Store) InsertChanges(ctx context.Context, records []persister.ChangeRecord) error {
	for _, r := range records {
		var key = persister.AppendChangeKey(nil, s.namespace, r.Actor, r.Seq)

		var resp, err = s.client.Put(ctx, string(key), string(r.Data), clientv3.WithPrevKV())
		if err != nil {
			return errors.WithMessage(err, "putting change")
		}
		if resp.PrevKv != nil {
			s.sizes.Changes -= uint64(len(resp.PrevKv.Value))
		}
		s.sizes.Changes += uint64(len(r.Data))
	}
	return nil
}

// RemoveChanges deletes changes by encoded key.
func (s *Store) RemoveChanges(ctx context.Context, ids []persister.ChangeID) error {
	for _, id := range ids {
		var key = persister.AppendChangeKey(nil, s.namespace, id.Actor, id.Seq)

		var resp, err = s.client.Delete(ctx, string(key), clientv3.WithPrevKV())
		if err != nil {
			return errors.WithMessage(err, "deleting change")
		}
		for _, kv := range resp.PrevKvs {
			s.sizes.Changes -= uint64(len(kv.Value))
		}
	}
	return nil
}

// GetDocument reads the namespace's document key.
func (s *Store) GetDocument(ctx context.Context) ([]byte, error) {
	var resp, err = s.client.Get(ctx, string(persister.AppendDocumentKey(nil, s.namespace)))
	if err != nil {
		return nil, errors.WithMessage(err, "getting document")
	}
	if len(resp.Kvs) == 0 || len(resp.Kvs[0].Value) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

// SetDocument writes the namespace's document key.
func (s *Store) SetDocument(ctx context.Context, data []byte) error {
	var _, err = s.client.Put(ctx, string(persister.AppendDocumentKey(nil, s.namespace)), string(data))
	if err != nil {
		return errors.WithMessage(err, "putting document")
	}
	s.sizes.Document = uint64(len(data))
	return nil
}

// GetSyncState reads the peer's sync-state key.
func (s *Store) GetSyncState(ctx context.Context, peerID []byte) ([]byte, error) {
	var resp, err = s.client.Get(ctx, string(persister.AppendSyncKey(nil, s.namespace, peerID)))
	if err != nil {
		return nil, errors.WithMessagef(err, "getting sync state of peer %x", peerID)
	}
	if len(resp.Kvs) == 0 || len(resp.Kvs[0].Value) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

// SetSyncState writes the peer's sync-state key.
func (s *Store) SetSyncState(ctx context.Context, peerID, state []byte) error {
	var key = persister.AppendSyncKey(nil, s.namespace, peerID)

	var resp, err = s.client.Put(ctx, string(key), string(state), clientv3.WithPrevKV())
	if err != nil {
		return errors.WithMessagef(err, "putting sync state of peer %x", peerID)
	}
	if resp.PrevKv != nil {
		s.sizes.SyncStates -= uint64(len(resp.PrevKv.Value))
	}
	s.sizes.SyncStates += uint64(len(state))
	return nil
}

// RemoveSyncStates deletes peers' sync-state keys.
func (s *Store) RemoveSyncStates(ctx context.Context, peerIDs [][]byte) error {
	for _, id := range peerIDs {
		var key = persister.AppendSyncKey(nil, s.namespace, id)

		var resp, err = s.client.Delete(ctx, string(key), clientv3.WithPrevKV())
		if err != nil {
			return errors.WithMessagef(err, "deleting sync state of peer %x", id)
		}
		for _, kv := range resp.PrevKvs {
			s.sizes.SyncStates -= uint64(len(kv.Value))
		}
	}
	return nil
}

// GetPeerIDs range-reads the namespace's sync region, decoding peer ids out
// of returned keys. Values aren't needed, so only keys are fetched.
func (s *Store) GetPeerIDs(ctx context.Context) ([][]byte, error) {
	var prefix = persister.AppendSyncPrefix(nil, s.namespace)

	var resp, err = s.client.Get(ctx, string(prefix), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.WithMessage(err, "ranging sync states")
	}
	var out = make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var id, errDecode = persister.DecodeSyncKeyPeer(kv.Key, s.namespace)
		if errDecode != nil {
			return nil, errDecode
		}
		out = append(out, id)
	}
	return out, nil
}

// Sizes returns current stored sizes of the namespace.
func (s *Store) Sizes() persister.StoredSizes { return s.sizes }

// Flush is a no-op: etcd writes are durable once their response is received.
func (s *Store) Flush(context.Context) (int64, error) { return 0, nil }
