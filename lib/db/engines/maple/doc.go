// Package maple implements db.KVDB as a sharded, in-memory key-value engine.
//
// Keys are spread over a fixed number of shards by a seeded FNV-1a hash. Every
// shard is an xsync.MapOf, so single-key operations on different keys never
// contend on a shared lock.
//
// Atomic Batches:
//
//	Apply takes a database-wide lock exclusively while single-key operations
//	hold it shared. A reader therefore sees a batch either completely or not at
//	all, which is the guarantee the dataspace commit relies on.
//
// Persistence:
//
//	Save writes a binary snapshot (magic number, version, write index and a
//	stream of length-prefixed key/value records). Load parses the complete
//	snapshot before replacing the live data, so a truncated file leaves the
//	database untouched. The dstore state machine uses both for raft snapshots.
//
// Usage Example:
//
//	database := maple.NewMapleDB(nil)
//	_ = database.Set("key", []byte("value"), 1)
//	value, ok := database.Get("key")
package maple
