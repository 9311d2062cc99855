package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/config"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the Config to a Dragonboat shard Config
func (c *Config) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *Config) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Object store configuration struct
// --------------------------------------------------------------------------

type Backend string

const (
	BackendMaple   Backend = "maple"   // in-memory, single process
	BackendLevelDB Backend = "leveldb" // durable, single process
	BackendRaft    Backend = "raft"    // replicated via dragonboat
)

type LockBackend string

const (
	LockBackendLocal LockBackend = "local" // record locks live in process memory
	LockBackendStore LockBackend = "store" // record locks live in the store (lockmgr)
)

// Config holds all configuration parameters of an object store.
type Config struct {
	// Transaction protocol
	TimeoutMillis int64 // how long an attempt may hold or wait on locks
	MaxRetries    uint  // attempts of a unit of work before Run gives up (0 = unlimited)

	// Storage
	Backend     Backend
	DataDir     string
	LockBackend LockBackend
	IDBlockSize uint64

	// Dragenboat parameters (only used by the raft backend)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ShardID            uint64
	ClusterMembers     map[uint64]string
	RaftTimeoutSecond  int64

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a config for a single in-memory object store
func DefaultConfig() Config {
	return Config{
		TimeoutMillis:      10000,
		MaxRetries:         0,
		Backend:            BackendMaple,
		DataDir:            "/tmp/dtso",
		LockBackend:        LockBackendLocal,
		IDBlockSize:        1024,
		RTTMillisecond:     100,
		SnapshotEntries:    10000,
		CompactionOverhead: 5000,
		ReplicaID:          1,
		ShardID:            100,
		ClusterMembers:     map[uint64]string{1: "localhost:63001"},
		RaftTimeoutSecond:  5,
		LogLevel:           "info",
	}
}

// Timeout returns the transaction timeout as duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Validate checks the config for values that would make the store unusable
func (c *Config) Validate() error {
	if c.TimeoutMillis <= 0 {
		return fmt.Errorf("timeout must be positive, got %d ms", c.TimeoutMillis)
	}
	if c.IDBlockSize == 0 {
		return fmt.Errorf("id block size must be positive")
	}
	switch c.Backend {
	case BackendMaple, BackendLevelDB:
	case BackendRaft:
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return fmt.Errorf("replica %d is not a cluster member", c.ReplicaID)
		}
	default:
		return fmt.Errorf("unknown backend %q, must be one of maple, leveldb, raft", c.Backend)
	}
	switch c.LockBackend {
	case LockBackendLocal, LockBackendStore:
	default:
		return fmt.Errorf("unknown lock backend %q, must be one of local, store", c.LockBackend)
	}
	_, err := ParseLogLevel(c.LogLevel)
	return err
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Transactions")
	addField("Timeout", fmt.Sprintf("%d ms", c.TimeoutMillis))
	addField("Max Retries", strconv.FormatUint(uint64(c.MaxRetries), 10))

	addSection("Storage")
	addField("Backend", string(c.Backend))
	addField("Lock Backend", string(c.LockBackend))
	addField("ID Block Size", strconv.FormatUint(c.IDBlockSize, 10))
	if c.Backend != BackendMaple {
		addField("Data Directory", c.DataDir)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.Backend == BackendRaft {
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Timeout", fmt.Sprintf("%d sec", c.RaftTimeoutSecond))

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}
