// Package lstore implements a local, single-node key-value store based on the
// store.IStore interface. It is a thin wrapper around any db.KVDB
// implementation with automatic write index management.
//
// Whether data survives a restart depends on the engine: the maple engine keeps
// everything in memory, the leveldb engine persists every batch. On creation the
// store continues counting from the engine's persisted write index.
//
// Feature Detection:
//
//	Before executing operations, the store checks if the underlying db.KVDB
//	supports the requested feature. Unsupported operations return
//	store.RetCUnsupportedOperation instead of failing silently.
//
// Usage Example:
//
//	factory := func() db.KVDB { return maple.NewMapleDB(nil) }
//	s := lstore.NewLocalStore(factory)
//	err := s.Batch([]db.Op{{Type: db.OpTSet, Key: "a", Value: []byte("1")}})
package lstore
