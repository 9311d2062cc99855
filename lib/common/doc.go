// Package common holds what every entry point of dTSO needs: the Config of an
// object store, the dragonboat compatible logger factory and OpenStore, which
// turns a Config into a ready store.IStore.
//
// Backends:
//
//   - maple: lstore over the in-memory maple engine. Data is lost on exit.
//   - leveldb: lstore over the goleveldb engine in <DataDir>/leveldb.
//   - raft: dstore on a dragonboat node host. Every replica keeps the data in a
//     maple engine rebuilt from the raft log and snapshots in <DataDir>.
//
// Logging:
//
//	InitLoggers installs CreateLogger as dragonboat's logger factory, so the raft
//	internals and the packages of this module (store, dataspace, tso) share one
//	format:
//
//	2025/01/02 15:04:05 WARN  | tso             | txn 3f0c... grabbing stale lock ...
package common
