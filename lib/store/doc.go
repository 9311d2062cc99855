// Package store provides a high-level interface for key-value storage operations
// with unified error handling. It serves as an abstraction layer over the
// lower-level db.KVDB implementations, adding write index management and
// standardized error reporting.
//
// Key Components:
//
//   - IStore Interface: The core abstraction for single-key reads and writes plus
//     an atomic Batch. Batch is what the dataspace uses to make a commit round
//     of the object store visible in one step.
//
//   - Error System: A structured error type with typed return codes (RetCode)
//     so callers can tell unsupported operations apart from internal failures.
//
//   - DBFactory: A function type that abstracts the creation of underlying db.KVDB
//     instances.
//
// Implementations:
//
//   - Local Store (lstore): single-node store that drives a db.KVDB directly and
//     manages the write index with an atomic counter.
//
//   - Distributed Store (dstore): store built on the Dragonboat RAFT consensus
//     library. Every write, including a whole Batch, is one raft proposal.
package store
