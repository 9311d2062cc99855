package common

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/db/engines/leveldb"
	"github.com/ValentinKolb/dTSO/lib/db/engines/maple"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/ValentinKolb/dTSO/lib/store/dstore"
	"github.com/ValentinKolb/dTSO/lib/store/lstore"
	"github.com/cenkalti/backoff/v5"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

var storeLog = logger.GetLogger("store")

// OpenStore creates the store.IStore selected by c.Backend.
// The returned close function releases engine files or stops the raft node host.
func OpenStore(c Config) (store.IStore, func() error, error) {
	switch c.Backend {
	case BackendMaple:
		s := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
		return s, func() error { return nil }, nil

	case BackendLevelDB:
		path := filepath.Join(c.DataDir, "leveldb")
		engine, err := leveldb.NewLevelDB(leveldb.Options{Path: path})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
		}
		storeLog.Infof("opened leveldb at %s (write index %d)", path, engine.WriteIdx())
		return lstore.NewLocalStore(func() db.KVDB { return engine }), engine.Close, nil

	case BackendRaft:
		return openRaftStore(c)

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// openRaftStore starts a node host with a single shard and waits until the shard serves linearizable reads
func openRaftStore(c Config) (store.IStore, func() error, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	nodeHost, err := dragonboat.NewNodeHost(c.ToNodeHostConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create node host: %w", err)
	}
	closeFn := func() error {
		nodeHost.Close()
		return nil
	}

	// the raft log replays into a fresh in-memory engine on every start
	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }
	if err := nodeHost.StartConcurrentReplica(c.ClusterMembers, false, dstore.NewStateMachineFactory(dbFactory), c.ToDragonboatConfig()); err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("failed to start shard %d: %w", c.ShardID, err)
	}

	timeout := time.Duration(c.RaftTimeoutSecond) * time.Second
	s := dstore.NewDistributedStore(nodeHost, c.ShardID, timeout)

	// a linearizable read only succeeds once the shard has a leader
	ready := func() (struct{}, error) {
		_, err := s.Has("m/ready")
		return struct{}{}, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err = backoff.Retry(context.Background(), ready,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			storeLog.Infof("shard %d not ready yet (%v), retrying in %s", c.ShardID, err, next)
		}),
	)
	if err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("shard %d did not become ready: %w", c.ShardID, err)
	}
	storeLog.Infof("shard %d ready on replica %d", c.ShardID, c.ReplicaID)
	return s, closeFn, nil
}
