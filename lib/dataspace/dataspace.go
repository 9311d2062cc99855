package dataspace

import (
	"encoding/binary"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"math"
	"strconv"
	"sync"
)

var log = logger.GetLogger("dataspace")

// ID identifies a record of the dataspace. InvalidID is never handed out.
type ID uint64

const InvalidID ID = 0

// metaID is the record lock that guards the id allocator state
const metaID ID = math.MaxUint64

const (
	DefaultIDBlockSize = 1024
	nextIDKey          = "m/next-id"
)

// ErrNonExistentObjectID is returned when a record is read that does not exist
// (or is destroyed in the current round).
var ErrNonExistentObjectID = errors.New("non-existent object id")

// --------------------------------------------------------------------------
// Key layout
// --------------------------------------------------------------------------

func recordKey(id ID) string     { return "r/" + strconv.FormatUint(uint64(id), 10) }
func recordNameKey(id ID) string { return "rn/" + strconv.FormatUint(uint64(id), 10) }
func nameKey(name string) string { return "n/" + name }

// RecordLockKey is the store key of the record lock of id when a StoreLocker is used
func RecordLockKey(id ID) string { return "l/" + strconv.FormatUint(uint64(id), 10) }

func encodeID(id ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) (ID, error) {
	if len(b) != 8 {
		return InvalidID, errors.Newf("invalid id encoding of %d bytes", len(b))
	}
	return ID(binary.BigEndian.Uint64(b)), nil
}

// clone returns a private, never nil copy of p
func clone(p []byte) []byte {
	c := make([]byte, len(p))
	copy(c, p)
	return c
}

// --------------------------------------------------------------------------
// DataSpace
// --------------------------------------------------------------------------

// Options configures a DataSpace. The zero value is usable.
type Options struct {
	// IDBlockSize is the number of ids reserved in the store at once
	IDBlockSize uint64
}

// DataSpace is the process wide side of the raw store. It is safe for concurrent use,
// all per-transaction state lives in the rounds it opens.
type DataSpace struct {
	store     store.IStore
	locker    RecordLocker
	blockSize uint64

	allocMu sync.Mutex
	nextID  ID
	limitID ID
}

// New creates a DataSpace on top of an IStore. All processes sharing the store
// must use record lockers that see each other (StoreLocker on the same store).
func New(s store.IStore, locker RecordLocker, opts Options) *DataSpace {
	if opts.IDBlockSize == 0 {
		opts.IDBlockSize = DefaultIDBlockSize
	}
	return &DataSpace{
		store:     s,
		locker:    locker,
		blockSize: opts.IDBlockSize,
	}
}

// Store returns the store the dataspace keeps its records in
func (ds *DataSpace) Store() store.IStore {
	return ds.store
}

// NewRound opens a round on the dataspace
func (ds *DataSpace) NewRound() *Round {
	return &Round{
		ds:     ds,
		locks:  make(map[ID]func() error),
		cache:  make(map[ID][]byte),
		writes: make(map[string][]byte),
		claims: make(map[string]ID),
	}
}

// LookupName returns the id bound to name or InvalidID
func (ds *DataSpace) LookupName(name string) (ID, error) {
	val, ok, err := ds.store.Get(nameKey(name))
	if err != nil {
		return InvalidID, errors.Wrapf(err, "lookup of name %q", name)
	}
	if !ok {
		return InvalidID, nil
	}
	return decodeID(val)
}

// allocate hands out the next free id, reserving a new block in the store if needed
//
// Thread-safety: This method is thread-safe.
func (ds *DataSpace) allocate() (ID, error) {
	ds.allocMu.Lock()
	defer ds.allocMu.Unlock()

	if ds.nextID == InvalidID || ds.nextID >= ds.limitID {
		if err := ds.reserveBlock(); err != nil {
			return InvalidID, err
		}
	}
	id := ds.nextID
	ds.nextID++
	return id, nil
}

// reserveBlock moves the high-water mark in the store by one block.
// The meta record lock makes the read-modify-write safe between processes.
func (ds *DataSpace) reserveBlock() (err error) {
	release, err := ds.locker.Lock(metaID)
	if err != nil {
		return errors.Wrap(err, "lock id allocator")
	}
	defer func() {
		if rErr := release(); rErr != nil && err == nil {
			err = errors.Wrap(rErr, "unlock id allocator")
		}
	}()

	start := ID(1)
	val, ok, err := ds.store.Get(nextIDKey)
	if err != nil {
		return errors.Wrap(err, "read id allocator")
	}
	if ok {
		if start, err = decodeID(val); err != nil {
			return err
		}
	}
	limit := start + ID(ds.blockSize)
	if limit >= metaID || limit < start {
		return errors.New("id space exhausted")
	}
	if err = ds.store.Set(nextIDKey, encodeID(limit)); err != nil {
		return errors.Wrap(err, "write id allocator")
	}
	ds.nextID, ds.limitID = start, limit
	log.Debugf("reserved ids [%d, %d)", start, limit)
	return nil
}
