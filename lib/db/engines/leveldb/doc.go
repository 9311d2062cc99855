// Package leveldb implements db.KVDB on top of github.com/syndtr/goleveldb.
//
// It is the durable engine of the object store: every write is a goleveldb
// batch (Apply maps directly onto one), and the write index is persisted next
// to the data so a reopened database continues where it left off. With
// Options.InMemory the engine uses goleveldb's memory storage, which keeps the
// exact on-disk semantics for tests without touching the file system.
//
// SetIfUnset and Load are serialized by an engine mutex; all other writes rely
// on goleveldb's own write serialization.
package leveldb
