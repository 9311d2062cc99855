package leveldb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"io"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum        = "LVLSNAP\x00" // Snapshot format identifier
	snapshotVersion = 1

	recordEntry byte = 1
	recordEnd   byte = 0
)

// writeIdxKey holds the persisted write index. The 0xff prefix keeps it out of the
// printable key space used by the store layers above.
var writeIdxKey = []byte("\xff\xffleveldb/write-index")

var (
	log             = logger.GetLogger("leveldb")
	readErrorsTotal = metrics.NewCounter("leveldb_read_errors_total")
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// Options configures the goleveldb backed engine
type Options struct {
	Path     string // Directory of the database files (ignored if InMemory)
	InMemory bool   // Use goleveldb's memory storage, nothing is written to disk
	Sync     bool   // fsync every write batch
}

type levelImpl struct {
	ldb       *leveldb.DB
	path      string
	wo        *opt.WriteOptions
	currIndex atomic.Uint64

	// writeMu makes the read-check-write of SetIfUnset and the replace of Load atomic
	// with respect to all other writes of this process.
	writeMu sync.Mutex
}

// NewLevelDB opens (or creates) a goleveldb database and wraps it as a db.KVDB.
func NewLevelDB(opts Options) (db.KVDB, error) {
	var (
		ldb *leveldb.DB
		err error
	)
	if opts.InMemory {
		ldb, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		ldb, err = leveldb.OpenFile(opts.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %q: %w", opts.Path, err)
	}

	impl := &levelImpl{
		ldb:  ldb,
		path: opts.Path,
		wo:   &opt.WriteOptions{Sync: opts.Sync},
	}

	// restore the write index of a previous run
	raw, err := ldb.Get(writeIdxKey, nil)
	switch {
	case err == nil && len(raw) == 8:
		impl.currIndex.Store(binary.BigEndian.Uint64(raw))
	case err != nil && err != leveldb.ErrNotFound:
		_ = ldb.Close()
		return nil, fmt.Errorf("failed to read write index: %w", err)
	}

	return impl, nil
}

// putWriteIdx adds the (monotonic) write index to a batch
func (l *levelImpl) putWriteIdx(batch *leveldb.Batch, writeIdx uint64) {
	l.SetWriteIdx(writeIdx)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.currIndex.Load())
	batch.Put(writeIdxKey, buf[:])
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (l *levelImpl) Set(key string, value []byte, writeIdx uint64) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(key), value)
	l.putWriteIdx(batch, writeIdx)
	return l.ldb.Write(batch, l.wo)
}

func (l *levelImpl) SetIfUnset(key string, value []byte, writeIdx uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	exists, err := l.ldb.Has([]byte(key), nil)
	if err != nil {
		return err
	}
	if exists {
		l.SetWriteIdx(writeIdx)
		return nil
	}
	return l.Set(key, value, writeIdx)
}

func (l *levelImpl) Delete(key string, writeIdx uint64) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(key))
	l.putWriteIdx(batch, writeIdx)
	return l.ldb.Write(batch, l.wo)
}

// Apply maps the ops onto one goleveldb batch, which is applied atomically.
func (l *levelImpl) Apply(ops []db.Op, writeIdx uint64) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Type {
		case db.OpTSet:
			batch.Put([]byte(op.Key), op.Value)
		case db.OpTDelete:
			batch.Delete([]byte(op.Key))
		default:
			return fmt.Errorf("unknown batch operation %s", op.Type)
		}
	}
	l.putWriteIdx(batch, writeIdx)
	return l.ldb.Write(batch, l.wo)
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (l *levelImpl) Get(key string) ([]byte, bool) {
	value, err := l.ldb.Get([]byte(key), nil)
	if err != nil {
		l.readFailed("get", key, err)
		return nil, false
	}
	if value == nil {
		value = []byte{}
	}
	return value, true
}

func (l *levelImpl) Has(key string) bool {
	ok, err := l.ldb.Has([]byte(key), nil)
	if err != nil {
		l.readFailed("has", key, err)
		return false
	}
	return ok
}

// readFailed reports read errors other than a missing key. KVDB reads have no
// error result, so the caller only sees the key as absent.
func (l *levelImpl) readFailed(op, key string, err error) {
	if errors.Is(err, leveldb.ErrNotFound) {
		return
	}
	readErrorsTotal.Inc()
	log.Errorf("%s %q: %v", op, key, err)
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save streams a consistent leveldb snapshot to the writer.
func (l *levelImpl) Save(w io.Writer) error {
	snap, err := l.ldb.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], snapshotVersion)
	binary.BigEndian.PutUint64(header[4:12], l.currIndex.Load())
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}

	iter := snap.NewIterator(nil, nil)
	defer iter.Release()

	var lenBuf [4]byte
	for iter.Next() {
		key := iter.Key()
		if string(key) == string(writeIdxKey) {
			continue
		}
		value := iter.Value()
		if err := bw.WriteByte(recordEntry); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(key); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if err := bw.WriteByte(recordEnd); err != nil {
		return err
	}
	return bw.Flush()
}

// Load replaces the whole content with a snapshot written by Save in one batch.
func (l *levelImpl) Load(r io.Reader) error {
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
	if v := binary.BigEndian.Uint32(header[0:4]); v != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d (expected %d)", v, snapshotVersion)
	}
	writeIdx := binary.BigEndian.Uint64(header[4:12])

	type record struct{ key, value []byte }
	var loaded []record
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
		loaded = append(loaded, record{key: key, value: value})
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// delete everything that exists now, then replay the snapshot in the same batch
	batch := new(leveldb.Batch)
	iter := l.ldb.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for _, rec := range loaded {
		batch.Put(rec.key, rec.value)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], writeIdx)
	batch.Put(writeIdxKey, buf[:])
	if err := l.ldb.Write(batch, l.wo); err != nil {
		return err
	}
	l.currIndex.Store(writeIdx)
	return nil
}

// --------------------------------------------------------------------------
// Features and Metadata
// --------------------------------------------------------------------------

func (l *levelImpl) GetInfo() db.DatabaseInfo {
	keys := 0
	sizeBytes := 0
	iter := l.ldb.NewIterator(nil, nil)
	for iter.Next() {
		if string(iter.Key()) == string(writeIdxKey) {
			continue
		}
		keys++
		sizeBytes += len(iter.Key()) + len(iter.Value())
	}
	iter.Release()

	stats, _ := l.ldb.GetProperty("leveldb.stats")
	meta := &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		Path              string `json:"path"`
		Stats             string `json:"stats"`
	}{
		CurrentWriteIndex: l.currIndex.Load(),
		Path:              l.path,
		Stats:             stats,
	}

	return db.DatabaseInfo{
		SizeBytes: sizeBytes,
		Keys:      keys,
		DbType:    db.ImplLevelDB,
		SupportedFeatures: []db.Feature{
			db.FeatureSet, db.FeatureSetIfUnset, db.FeatureDelete, db.FeatureApply,
			db.FeatureGet, db.FeatureHas,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: meta,
	}
}

func (l *levelImpl) SupportsFeature(feature db.Feature) bool {
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

// Close closes the underlying goleveldb database
func (l *levelImpl) Close() error {
	return l.ldb.Close()
}

// --------------------------------------------------------------------------
// Index Management
// --------------------------------------------------------------------------

// SetWriteIdx only raises the in-memory index, it is persisted with the next write.
func (l *levelImpl) SetWriteIdx(newIdx uint64) {
	for {
		currIdx := l.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if l.currIndex.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

func (l *levelImpl) WriteIdx() uint64 {
	return l.currIndex.Load()
}
