// Package dstore is the replicated store.IStore of the object store. It runs the
// records of a dataspace on a Dragonboat RAFT shard, so several processes share
// one object store and every store operation is linearizable.
//
// Components:
//
//   - storeImpl (store.go) turns IStore calls into internal.Command proposals and
//     internal.Query reads.
//   - KVStateMachine (statemachine.go) is the IConcurrentStateMachine every replica
//     runs. It applies commands to its own db.KVDB, using the raft log index as
//     write index.
//   - internal holds the command wire format and the query types.
//
// Atomic rounds:
//
//	A dataspace round commits with Batch. The whole batch is one command and so
//	one raft log entry, which every replica applies with KVDB.Apply. Either all
//	writes of a round are visible on a replica or none.
//
// Reads:
//
//	Get and Has use SyncRead, so a record read after a commit always sees it,
//	no matter which replica answers. GetDBInfo is a StaleRead of the local replica.
//
// Retries:
//
//	ErrSystemBusy is retried with a constant backoff of a tenth of the timeout,
//	up to five attempts. Every other error, including timeouts, is returned as a
//	*store.Error. Results of rejected entries carry the store.RetCode of the
//	state machine.
//
// Snapshots:
//
//	Snapshots are fuzzy and taken with KVDB.Save while updates continue; a
//	replica restores the latest snapshot with KVDB.Load and replays the log
//	entries after it.
//
// Metrics (VictoriaMetrics default set):
//
//	dstore_proposals_total, dstore_reads_total, dstore_busy_retries_total,
//	dstore_propose_seconds, dstore_applied_entries_total,
//	dstore_rejected_entries_total, dstore_applied_batch_ops_total
//
// Example:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	if err != nil { ... }
//
//	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }
//	err = nh.StartConcurrentReplica(members, false, dstore.NewStateMachineFactory(dbFactory), shardConfig)
//	if err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, shardID, 5*time.Second)
//	// wait until a linearizable read succeeds, see common.OpenStore
//
// Deploy an odd number of replicas. With 2N+1 replicas the store stays
// available as long as N+1 are up.
package dstore
