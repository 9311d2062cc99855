// Package dataspace is the raw record store underneath the transaction engine.
// Records are opaque byte slices addressed by an ID, optionally bound to a unique
// name. The package offers three things the engine builds on:
//
//   - per-record mutual exclusion (Round.Lock / Round.Release), independent of
//     any transaction semantics,
//   - atomic multi-record commits: a Round buffers writes and destroys and applies
//     them with a single store.IStore Batch,
//   - name binding that is visible to other rounds before the creating round
//     commits, so concurrent creators of the same name detect the collision.
//
// Key layout in the store:
//
//	r/<id>       record content
//	rn/<id>      name bound to the record
//	n/<name>     id bound to the name (8 bytes, big endian)
//	m/next-id    id allocator high-water mark
//	l/<id>       record lock (StoreLocker only)
//
// Ids are reserved in blocks under the lock of a reserved meta record, so several
// processes sharing one replicated store never hand out the same id.
//
// Choosing a RecordLocker:
//
//	LocalLocker is the right choice as long as only one process uses the store.
//	StoreLocker is needed when several processes share a dstore; each lock and
//	unlock then costs a raft proposal.
package dataspace
