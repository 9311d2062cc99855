package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum     = "MAPLEDB\x00" // File format identifier
	mapleVersion = 4             // Database version

	recordEntry byte = 1 // marks an entry in a snapshot
	recordEnd   byte = 0 // marks the end of a snapshot
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// entry is a stored value together with the write index that produced it
type entry struct {
	Value []byte
	Index uint64
}

// shard is one partition of the key space
type shard struct {
	data *xsync.MapOf[string, entry]
}

// mapleImpl implements an in-memory database with sharded data
type mapleImpl struct {
	seed      uint64        // Seed for the shard hash
	shards    []*shard      // Array of shards
	currIndex atomic.Uint64 // Current logical timestamp

	// batchMu is held shared by single-key operations and exclusively by Apply and Load,
	// so no reader ever observes half of a batch.
	batchMu sync.RWMutex
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int // Number of shards (0 = auto)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(),
	}
}

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {
	if opts == nil || opts.NumShards <= 0 {
		opts = DefaultOptions()
	}

	shards := make([]*shard, opts.NumShards)
	for i := range shards {
		shards[i] = &shard{data: xsync.NewMapOf[string, entry]()}
	}

	return &mapleImpl{
		seed:   util.GenerateSeed(),
		shards: shards,
	}
}

// getShard returns the shard responsible for a key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) getShard(key string) *shard {
	// Shift right by 7 bits to use higher-quality bits for distribution
	h := uint64(util.HashString(key, maple.seed)) >> 7
	return maple.shards[h%uint64(len(maple.shards))]
}

// copyBytes copies a value to prevent memory corruption through shared slices
func copyBytes(value []byte) []byte {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Set(key string, value []byte, writeIdx uint64) error {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()
	maple.set(key, value, writeIdx)
	return nil
}

func (maple *mapleImpl) set(key string, value []byte, writeIdx uint64) {
	maple.SetWriteIdx(writeIdx)
	maple.getShard(key).data.Store(key, entry{Value: copyBytes(value), Index: writeIdx})
}

// SetIfUnset inserts an entry only if the key is not present.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetIfUnset(key string, value []byte, writeIdx uint64) error {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()
	maple.SetWriteIdx(writeIdx)
	maple.getShard(key).data.LoadOrStore(key, entry{Value: copyBytes(value), Index: writeIdx})
	return nil
}

// Delete removes an entry. Deleting a missing key is a no-op.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Delete(key string, writeIdx uint64) error {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()
	maple.SetWriteIdx(writeIdx)
	maple.getShard(key).data.Delete(key)
	return nil
}

// Apply executes all ops while holding the batch lock exclusively.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Apply(ops []db.Op, writeIdx uint64) error {
	// validate first so a bad batch leaves no trace
	for _, op := range ops {
		if op.Type != db.OpTSet && op.Type != db.OpTDelete {
			return fmt.Errorf("unknown batch operation %s", op.Type)
		}
	}

	maple.batchMu.Lock()
	defer maple.batchMu.Unlock()

	maple.SetWriteIdx(writeIdx)
	for _, op := range ops {
		switch op.Type {
		case db.OpTSet:
			maple.set(op.Key, op.Value, writeIdx)
		case db.OpTDelete:
			maple.getShard(op.Key).data.Delete(op.Key)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves a copy of the value for a key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(key string) ([]byte, bool) {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()
	e, ok := maple.getShard(key).data.Load(key)
	if !ok {
		return nil, false
	}
	return copyBytes(e.Value), true
}

// Has checks if a key exists in the database.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(key string) bool {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()
	_, ok := maple.getShard(key).data.Load(key)
	return ok
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists the database to the writer.
// Single-key writes may proceed during Save, batches wait until it is done.
//
// Format: magic, version (uint32), write index (uint64), then per entry
// a record byte, key length (uint32), key, value length (uint32), value,
// terminated by an end record byte.
func (maple *mapleImpl) Save(w io.Writer) error {
	maple.batchMu.RLock()
	defer maple.batchMu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}

	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], mapleVersion)
	binary.BigEndian.PutUint64(header[4:12], maple.currIndex.Load())
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}

	var writeErr error
	var lenBuf [4]byte
	for _, s := range maple.shards {
		s.data.Range(func(key string, e entry) bool {
			if writeErr = bw.WriteByte(recordEntry); writeErr != nil {
				return false
			}
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
			if _, writeErr = bw.Write(lenBuf[:]); writeErr != nil {
				return false
			}
			if _, writeErr = bw.WriteString(key); writeErr != nil {
				return false
			}
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
			if _, writeErr = bw.Write(lenBuf[:]); writeErr != nil {
				return false
			}
			_, writeErr = bw.Write(e.Value)
			return writeErr == nil
		})
		if writeErr != nil {
			return writeErr
		}
	}

	if err := bw.WriteByte(recordEnd); err != nil {
		return err
	}
	return bw.Flush()
}

// Load replaces the database content with a snapshot written by Save.
func (maple *mapleImpl) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	magic := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("failed to read magic number: %w", err)
	}
	if string(magic) != magicNum {
		return fmt.Errorf("invalid magic number %q", magic)
	}

	var header [12]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if v := binary.BigEndian.Uint32(header[0:4]); v != mapleVersion {
		return fmt.Errorf("unsupported maple version %d (expected %d)", v, mapleVersion)
	}
	writeIdx := binary.BigEndian.Uint64(header[4:12])

	// read everything before touching the live data so a corrupt snapshot leaves the db intact
	loaded := make(map[string][]byte)
	var lenBuf [4]byte
	for {
		kind, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read record type: %w", err)
		}
		if kind == recordEnd {
			break
		}
		if kind != recordEntry {
			return fmt.Errorf("invalid record type %d", kind)
		}

		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return fmt.Errorf("failed to read key length: %w", err)
		}
		key := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(br, key); err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return fmt.Errorf("failed to read value length: %w", err)
		}
		value := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(br, value); err != nil {
			return fmt.Errorf("failed to read value: %w", err)
		}
		loaded[string(key)] = value
	}

	maple.batchMu.Lock()
	defer maple.batchMu.Unlock()

	for _, s := range maple.shards {
		s.data.Clear()
	}
	for k, v := range loaded {
		maple.getShard(k).data.Store(k, entry{Value: v, Index: writeIdx})
	}
	maple.currIndex.Store(writeIdx)
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	keys := 0
	sizeBytes := 0
	shardSizes := make([]int, len(maple.shards))
	for i, s := range maple.shards {
		s.data.Range(func(key string, e entry) bool {
			keys++
			sizeBytes += len(key) + len(e.Value) + 8 // 8 bytes for the index
			return true
		})
		shardSizes[i] = s.data.Size()
	}

	meta := &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		ShardCount        int    `json:"shard_count"`
		ShardSizes        []int  `json:"shard_sizes"`
	}{
		CurrentWriteIndex: maple.currIndex.Load(),
		ShardCount:        len(maple.shards),
		ShardSizes:        shardSizes,
	}

	return db.DatabaseInfo{
		SizeBytes: sizeBytes,
		Keys:      keys,
		DbType:    db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureSet, db.FeatureSetIfUnset, db.FeatureDelete, db.FeatureApply,
			db.FeatureGet, db.FeatureHas,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureSet |
		db.FeatureSetIfUnset |
		db.FeatureGet |
		db.FeatureDelete |
		db.FeatureHas |
		db.FeatureApply |
		db.FeatureSave |
		db.FeatureLoad
	return supportedFeatures&feature == feature
}

// Close is a no-op, all data lives in memory
func (maple *mapleImpl) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Index and Timestamp Management
// --------------------------------------------------------------------------

// SetWriteIdx safely updates the current index
// It only updates if the new index is greater than the current one
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetWriteIdx(newIdx uint64) {
	for {
		currIdx := maple.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if maple.currIndex.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

// WriteIdx returns the current index of the database
func (maple *mapleImpl) WriteIdx() uint64 {
	return maple.currIndex.Load()
}
