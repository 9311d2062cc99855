package dstore

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/ValentinKolb/dTSO/lib/store/dstore/internal"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"time"
)

// busyRetries is how often a request is retried while the shard reports ErrSystemBusy
const busyRetries = 5

var (
	log = logger.GetLogger("store")

	proposalsTotal   = metrics.NewCounter("dstore_proposals_total")
	readsTotal       = metrics.NewCounter("dstore_reads_total")
	busyRetriesTotal = metrics.NewCounter("dstore_busy_retries_total")
	proposeSeconds   = metrics.NewHistogram("dstore_propose_seconds")
)

// storeImpl is the store.IStore on top of a dragonboat shard. Every write is one
// raft proposal, so a Batch is applied atomically on every replica.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewDistributedStore creates a store whose operations are linearizable across all
// replicas of shardID. timeout bounds a single proposal or read.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) store.IStore {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// retryBusy runs op until it succeeds, fails with anything but ErrSystemBusy or
// runs out of retries. Busy shards are retried after a tenth of the timeout.
func retryBusy[R any](s *storeImpl, what string, op func(ctx context.Context) (R, error)) (R, error) {
	attempt := func() (R, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		res, err := op(ctx)
		if err != nil && !errors.Is(err, dragonboat.ErrSystemBusy) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.Retry(context.Background(), attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.timeout/10)),
		backoff.WithMaxTries(busyRetries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			busyRetriesTotal.Inc()
			log.Infof("%s: shard %d busy, retrying", what, s.shardID)
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}

// write proposes a Command and turns a failed result into a *store.Error
func (s *storeImpl) write(cmd internal.Command) error {
	proposalsTotal.Inc()
	start := time.Now()
	data := cmd.Serialize()

	_, err := retryBusy(s, "SyncPropose", func(ctx context.Context) (uint64, error) {
		r, err := s.nh.SyncPropose(ctx, s.cs, data)
		if err != nil {
			return 0, err
		}
		if r.Value != uint64(store.RetCSuccess) {
			return r.Value, store.NewError(store.RetCode(r.Value), string(r.Data))
		}
		return r.Value, nil
	})
	proposeSeconds.UpdateDuration(start)

	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	log.Debugf("proposal of %s failed: %v", cmd.Type, err)
	return store.NewError(store.RetCInternalError, err.Error())
}

// read queries the state machine and casts the response to R. Queries that allow
// it are answered by the local replica (StaleRead), everything else uses SyncRead.
func read[R any](s *storeImpl, q internal.Query) (R, error) {
	readsTotal.Inc()
	var zero R

	res, err := retryBusy(s, "SyncRead", func(ctx context.Context) (interface{}, error) {
		if q.Stale() {
			return s.nh.StaleRead(s.shardID, q)
		}
		return s.nh.SyncRead(ctx, s.shardID, q)
	})
	if err != nil {
		// errors raised by the state machine are passed through unchanged
		var se *store.Error
		if errors.As(err, &se) {
			return zero, se
		}
		return zero, store.NewError(store.RetCInternalError, err.Error())
	}

	casted, ok := res.(R)
	if !ok {
		return zero, store.NewError(store.RetCInternalError,
			fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
	}
	return casted, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	return s.write(internal.Command{Type: internal.CommandTSet, Key: key, Value: value})
}

func (s *storeImpl) SetIfUnset(key string, value []byte) error {
	return s.write(internal.Command{Type: internal.CommandTSetIfUnset, Key: key, Value: value})
}

func (s *storeImpl) Delete(key string) error {
	return s.write(internal.Command{Type: internal.CommandTDelete, Key: key})
}

func (s *storeImpl) Batch(ops []db.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return s.write(internal.Command{Type: internal.CommandTBatch, Ops: ops})
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	res, err := read[internal.QueryResult](s, internal.Query{Type: internal.QueryTGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Ok, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	return read[bool](s, internal.Query{Type: internal.QueryTHas, Key: key})
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](s, internal.Query{Type: internal.QueryTGetDBInfo})
}
