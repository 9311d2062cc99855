package dstore

import (
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/ValentinKolb/dTSO/lib/store/dstore/internal"
	"github.com/VictoriaMetrics/metrics"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"io"
	"time"
)

var (
	appliedEntriesTotal  = metrics.NewCounter("dstore_applied_entries_total")
	rejectedEntriesTotal = metrics.NewCounter("dstore_rejected_entries_total")
	appliedBatchOpsTotal = metrics.NewCounter("dstore_applied_batch_ops_total")
)

// slowUpdate is the Update duration above which a batch of entries is logged
const slowUpdate = 5 * time.Millisecond

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// KVStateMachine applies raft log entries to a db.KVDB. It is a dragonboat
// IConcurrentStateMachine: Lookup runs concurrently with Update, which the
// engines allow.
type KVStateMachine struct {
	replicaID uint64
	shardID   uint64
	database  db.KVDB
}

// NewStateMachineFactory returns the factory dragonboat calls for every replica
// it starts. Each replica gets its own engine from dbFactory.
func NewStateMachineFactory(dbFactory store.DBFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &KVStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			database:  dbFactory(),
		}
	}
}

// rejected builds the result of an entry that was not applied
func rejected(code store.RetCode, format string, args ...interface{}) sm.Result {
	rejectedEntriesTotal.Inc()
	return sm.Result{Value: uint64(code), Data: []byte(fmt.Sprintf(format, args...))}
}

// Lookup answers a read-only internal.Query
func (fsm *KVStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	var feature db.Feature
	switch q.Type {
	case internal.QueryTGet:
		feature = db.FeatureGet
	case internal.QueryTHas:
		feature = db.FeatureHas
	case internal.QueryTGetDBInfo:
		return fsm.database.GetInfo(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
	if !fsm.database.SupportsFeature(feature) {
		return nil, store.Unsupported(q.Type.String())
	}

	if q.Type == internal.QueryTHas {
		return fsm.database.Has(q.Key), nil
	}
	val, found := fsm.database.Get(q.Key)
	return internal.QueryResult{Value: val, Ok: found}, nil
}

// Update applies committed entries in log order. An entry that can not be
// decoded or applied gets an error result; the remaining entries are still applied.
func (fsm *KVStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	start := time.Now()

	for idx, e := range entries {
		cmd, res, ok := fsm.decode(e.Cmd)
		if ok {
			res = fsm.apply(&cmd, e.Index)
		}
		entries[idx].Result = res
	}

	appliedEntriesTotal.Add(len(entries))
	if elapsed := time.Since(start); elapsed > slowUpdate {
		log.Infof("replica %d: update of %d entries took %s", fsm.replicaID, len(entries), elapsed)
	}
	return entries, nil
}

// decode parses an entry and checks the engine supports it. If ok is false,
// res holds the error result of the entry.
func (fsm *KVStateMachine) decode(data []byte) (cmd internal.Command, res sm.Result, ok bool) {
	if len(data) == 0 {
		return cmd, rejected(store.RetCInvalidOperation, "empty command ignored"), false
	}
	if err := cmd.Deserialize(data); err != nil {
		return cmd, rejected(store.RetCInternalError, "failed to deserialize command: %v", err), false
	}
	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return cmd, rejected(store.RetCInvalidOperation, "unknown Command operation: %s", cmd.Type), false
	}
	if !fsm.database.SupportsFeature(feat) {
		return cmd, rejected(store.RetCUnsupportedOperation, "%s operation is not supported", cmd.Type), false
	}
	return cmd, res, true
}

// apply executes a single decoded command against the database. The raft log index
// is used as the write index, so every replica ends up with the same index.
func (fsm *KVStateMachine) apply(cmd *internal.Command, index uint64) sm.Result {
	var err error
	switch cmd.Type {
	case internal.CommandTSet:
		err = fsm.database.Set(cmd.Key, cmd.Value, index)
	case internal.CommandTSetIfUnset:
		err = fsm.database.SetIfUnset(cmd.Key, cmd.Value, index)
	case internal.CommandTDelete:
		err = fsm.database.Delete(cmd.Key, index)
	case internal.CommandTBatch:
		err = fsm.database.Apply(cmd.Ops, index)
		appliedBatchOpsTotal.Add(len(cmd.Ops))
	default:
		return rejected(store.RetCInvalidOperation, "unknown Command operation: %s", cmd.Type)
	}
	if err != nil {
		log.Warningf("%s failed at index %d: %v", cmd.Type, index, err)
		return rejected(store.RetCInternalError, "%v", err)
	}
	return sm.Result{Value: uint64(store.RetCSuccess)}
}

// PrepareSnapshot is not used, snapshots are fuzzy
func (fsm *KVStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot writes the engine content to the snapshot writer
func (fsm *KVStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureSave) {
		return fmt.Errorf("shard %d: engine does not support Save()", fsm.shardID)
	}
	return fsm.database.Save(writer)
}

// RecoverFromSnapshot replaces the engine content with the snapshot
func (fsm *KVStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureLoad) {
		return fmt.Errorf("shard %d: engine does not support Load()", fsm.shardID)
	}
	return fsm.database.Load(r)
}

func (fsm *KVStateMachine) Close() error {
	return fsm.database.Close()
}
