package db

import (
	"io"
	"strings"
)

// Implementation names an engine in DatabaseInfo.
type Implementation string

const (
	ImplMaple   Implementation = "maple"
	ImplLevelDB Implementation = "leveldb"
)

// Feature is a bit set of operations an engine implements.
type Feature uint64

const (
	FeatureSet Feature = 1 << iota
	FeatureSetIfUnset
	FeatureGet
	FeatureDelete
	FeatureHas
	FeatureApply
	FeatureSave
	FeatureLoad
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureSet, "Set"},
	{FeatureSetIfUnset, "SetIfUnset"},
	{FeatureGet, "Get"},
	{FeatureDelete, "Delete"},
	{FeatureHas, "Has"},
	{FeatureApply, "Apply"},
	{FeatureSave, "Save"},
	{FeatureLoad, "Load"},
}

// String lists the names of all bits in f joined by "|".
func (f Feature) String() string {
	var names []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "Unknown"
	}
	return strings.Join(names, "|")
}

// DatabaseInfo is what `dtso raw info` prints.
type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	Keys              int            `json:"keys"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// OpType is the kind of a single write inside an Apply batch.
type OpType uint8

const (
	OpTSet OpType = iota
	OpTDelete
)

func (o OpType) String() string {
	switch o {
	case OpTSet:
		return "Set"
	case OpTDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Op is one write of an Apply batch. Value is ignored for deletes.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// KVDB is a key-value engine below a store. Every write carries the write
// index assigned by the store (the raft log index for replicated stores), so
// an engine that is reopened or restored from a snapshot knows how far it got.
//
// Engines advertise what they implement through SupportsFeature; the stores
// check before calling.
type KVDB interface {
	// Set writes value under key.
	Set(key string, value []byte, writeIndex uint64) (err error)
	// SetIfUnset writes value only if key is absent. An existing key is left
	// alone and is not an error.
	SetIfUnset(key string, value []byte, writeIndex uint64) (err error)
	// Delete removes key.
	Delete(key string, writeIndex uint64) (err error)
	// Apply runs ops as one atomic unit: readers observe either none or all
	// of them. An invalid op rejects the whole batch.
	Apply(ops []Op, writeIndex uint64) (err error)

	// Get returns a copy of the value under key.
	Get(key string) (value []byte, loaded bool)
	// Has reports whether key is present.
	Has(key string) (loaded bool)

	// Save writes a snapshot of all entries and the write index to w.
	Save(w io.Writer) (err error)
	// Load replaces the content with a snapshot written by Save.
	Load(r io.Reader) (err error)

	// SupportsFeature reports whether all bits of feature are implemented.
	SupportsFeature(feature Feature) (ok bool)
	GetInfo() (info DatabaseInfo)

	// SetWriteIdx raises the write index; lower values are ignored.
	SetWriteIdx(index uint64)
	WriteIdx() (index uint64)

	Close() (err error)
}
