// Package db provides a standardized interface for key-value database implementations.
// It defines the KVDB interface that the store layer uses to talk to its storage
// engine while abstracting implementation details.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides single-key writes (Set, SetIfUnset, Delete), an atomic multi-key
//     batch (Apply), reads (Get, Has), persistence (Save, Load) and write index handling.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure reports size statistics,
//     implementation type and implementation-specific metadata.
//
// Note on Atomic Batches:
//
//	Apply is what gives the object store its atomic multi-record commit rounds. An
//	implementation must make a batch visible all at once; a concurrent Get either
//	sees the state before the batch or the state after it.
//
// Note on the Write Index:
//
//	All write operations take a write-index that serves as a logical timestamp.
//	Implementations must keep the index monotonic: attempts to set an index lower
//	than the current one are ignored.
//
// Related Packages:
//
//   - engines/maple: sharded in-memory engine with binary snapshots
//   - engines/leveldb: durable engine backed by goleveldb
//   - testing: RunKVDBTests conformance suite for implementations
package db
