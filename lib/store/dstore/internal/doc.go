// Package internal holds what the dstore client and the state machine exchange:
// Commands, which go through the raft log and therefore have a binary wire
// format, and Queries, which are handed to the local replica as Go values.
//
// Command format (all integers big endian):
//
//	single key (Set, SetIfUnset, Delete):
//	  1 byte type | 4 bytes key length | key | value (rest of the entry, Set types only)
//
//	batch:
//	  1 byte type | 4 bytes op count | per op:
//	  1 byte op type | 4 bytes key length | key | 4 bytes value length | value
//
// A batch is the commit of one dataspace round. The state machine applies it
// with KVDB.Apply under the index of its log entry.
//
// CommandType.ToDBFeature maps commands to the engine feature they need, so a
// replica rejects commands its engine can not apply instead of failing halfway.
package internal
