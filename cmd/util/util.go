package util

import (
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/common"
	"github.com/ValentinKolb/dTSO/lib/db/util"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupStoreFlags adds the object store configuration flags to a command
func SetupStoreFlags(cmd *cobra.Command) {
	d := common.DefaultConfig()

	key := "timeout"
	cmd.PersistentFlags().Int64(key, d.TimeoutMillis, WrapString("How long a transaction attempt may hold or wait on locks (in milliseconds)"))

	key = "max-retries"
	cmd.PersistentFlags().Uint(key, d.MaxRetries, WrapString("How many attempts a unit of work gets before giving up (0 for unlimited)"))

	key = "backend"
	cmd.PersistentFlags().String(key, string(common.BackendLevelDB), WrapString("Store backend (maple, leveldb, raft). maple keeps everything in memory and forgets it when the command exits"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, d.DataDir, WrapString("Directory for the leveldb files and the raft log"))

	key = "lock-backend"
	cmd.PersistentFlags().String(key, string(d.LockBackend), WrapString("Where record locks live (local, store). Processes sharing a raft store need store"))

	key = "id-block-size"
	cmd.PersistentFlags().Uint64(key, d.IDBlockSize, WrapString("How many object ids are reserved in the store at once"))

	key = "rtt-millisecond"
	cmd.PersistentFlags().Uint64(key, d.RTTMillisecond, WrapString("(raft) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Election and heartbeat timing are derived from this value"))

	key = "snapshot-entries"
	cmd.PersistentFlags().Uint64(key, d.SnapshotEntries, WrapString("(raft) SnapshotEntries defines how often the state machine is snapshotted, in applied log entries. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	cmd.PersistentFlags().Uint64(key, d.CompactionOverhead, WrapString("(raft) CompactionOverhead defines how many log entries are kept after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "replica-id"
	cmd.PersistentFlags().String(key, "node-1", WrapString("(raft) unique name of this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	cmd.PersistentFlags().String(key, "node-1=localhost:63001", WrapString("(raft) comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "shard"
	cmd.PersistentFlags().Uint64(key, d.ShardID, WrapString("(raft) ID of the shard holding the object store"))

	key = "raft-timeout"
	cmd.PersistentFlags().Int64(key, d.RaftTimeoutSecond, WrapString("(raft) timeout of a single store operation in seconds"))

	key = "log-level"
	cmd.PersistentFlags().String(key, d.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig loads .env files and makes viper read DTSO_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dtso")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetConfig reads the object store configuration from viper
func GetConfig() (common.Config, error) {
	c := common.DefaultConfig()
	c.TimeoutMillis = viper.GetInt64("timeout")
	c.MaxRetries = viper.GetUint("max-retries")
	c.Backend = common.Backend(viper.GetString("backend"))
	c.DataDir = viper.GetString("data-dir")
	c.LockBackend = common.LockBackend(viper.GetString("lock-backend"))
	c.IDBlockSize = viper.GetUint64("id-block-size")
	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.SnapshotEntries = viper.GetUint64("snapshot-entries")
	c.CompactionOverhead = viper.GetUint64("compaction-overhead")
	c.ShardID = viper.GetUint64("shard")
	c.RaftTimeoutSecond = viper.GetInt64("raft-timeout")
	c.LogLevel = viper.GetString("log-level")

	// replica names are hashed to ids, the same way for the replica and the member list
	c.ReplicaID = util.ReplicaIDFromName(viper.GetString("replica-id"))
	c.ClusterMembers = make(map[uint64]string)
	for _, member := range strings.Split(viper.GetString("cluster-members"), ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return c, fmt.Errorf("invalid cluster member format: %s (expected NAME=address)", member)
		}
		c.ClusterMembers[util.ReplicaIDFromName(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}

	return c, c.Validate()
}

// setup binds the flags, reads the config and initializes the loggers
func setup(cmd *cobra.Command) (common.Config, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return common.Config{}, err
	}
	c, err := GetConfig()
	if err != nil {
		return c, err
	}
	return c, common.InitLoggers(c.LogLevel)
}

// OpenObjectStore opens the object store configured by flags and environment
func OpenObjectStore(cmd *cobra.Command) (*tso.ObjectStore, func() error, error) {
	c, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	return tso.Open(c)
}

// OpenStore opens the raw store underneath the object store
func OpenStore(cmd *cobra.Command) (store.IStore, func() error, error) {
	c, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	return common.OpenStore(c)
}

// PrintConfig prints the configuration the command would use
func PrintConfig(cmd *cobra.Command) error {
	if err := BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := GetConfig()
	if err != nil {
		return err
	}
	fmt.Print(c.String())
	return nil
}
