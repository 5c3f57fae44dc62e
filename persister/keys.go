package persister

import (
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
)

// Region tags order the three stored regions within a shared physical
// keyspace. Every backend keyed by ordered bytes uses these helpers, so that
// regions and namespaces cannot collide and so that an ordered medium scans
// one actor's changes in ascending sequence order.
const (
	regionChanges   = "chg"
	regionDocuments = "doc"
	regionSync      = "syn"
)

// AppendChangeKey appends the storage key of the change (actor, seq) under
// namespace to b. Keys are built from order-preserving, self-delimiting
// encodings: an actor id which is a byte-prefix of another cannot alias its
// keys, and the big-endian sequence encoding sorts numerically.
func AppendChangeKey(b []byte, namespace string, actor []byte, seq uint64) []byte {
	b = AppendChangePrefix(b, namespace)
	b = encoding.EncodeBytesAscending(b, actor)
	b = encoding.EncodeUint64Ascending(b, seq)
	return b
}

// AppendChangePrefix appends the key prefix covering all changes of the
// namespace to b.
func AppendChangePrefix(b []byte, namespace string) []byte {
	b = encoding.EncodeStringAscending(b, regionChanges)
	b = encoding.EncodeStringAscending(b, namespace)
	return b
}

// AppendDocumentKey appends the storage key of the namespace's singleton
// document snapshot to b.
func AppendDocumentKey(b []byte, namespace string) []byte {
	b = encoding.EncodeStringAscending(b, regionDocuments)
	b = encoding.EncodeStringAscending(b, namespace)
	return b
}

// AppendSyncKey appends the storage key of the peer's sync state under
// namespace to b.
func AppendSyncKey(b []byte, namespace string, peerID []byte) []byte {
	b = AppendSyncPrefix(b, namespace)
	b = encoding.EncodeBytesAscending(b, peerID)
	return b
}

// AppendSyncPrefix appends the key prefix covering all sync states of the
// namespace to b.
func AppendSyncPrefix(b []byte, namespace string) []byte {
	b = encoding.EncodeStringAscending(b, regionSync)
	b = encoding.EncodeStringAscending(b, namespace)
	return b
}

// DecodeSyncKeyPeer decodes the peer id out of a scanned sync-state key,
// which must begin with the namespace's sync prefix.
func DecodeSyncKeyPeer(key []byte, namespace string) ([]byte, error) {
	var prefix = AppendSyncPrefix(nil, namespace)
	if len(key) < len(prefix) {
		return nil, errors.Errorf("sync key %x is shorter than its expected prefix", key)
	}
	var _, peerID, err = encoding.DecodeBytesAscending(key[len(prefix):], nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding peer of sync key %x", key)
	}
	return peerID, nil
}
