package store

import (
	"fmt"

	"github.com/ValentinKolb/dTSO/lib/db"
)

// DBFactory opens the engine a store writes through. Replicated stores call it
// once per replica, local stores once.
type DBFactory func() db.KVDB

// IStore is the key-value surface the dataspace is built on. It knows nothing
// about objects, headers or transactions; keys and values are opaque here.
//
// Writes return only an error. Reads return the value, whether it was found,
// and an error that is only non-nil when the store itself failed.
type IStore interface {
	// Set writes value under key, replacing what was there.
	Set(key string, value []byte) (err error)
	// SetIfUnset writes value only if key is absent. Losing the race is not an
	// error; callers read the key back to find out who won.
	SetIfUnset(key string, value []byte) (err error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) (err error)
	// Batch applies ops atomically and in order, as one proposal on a
	// replicated store.
	Batch(ops []db.Op) (err error)
	// Get returns the value stored under key.
	Get(key string) (value []byte, loaded bool, err error)
	// Has reports whether key is present.
	Has(key string) (loaded bool, err error)
	// GetDBInfo describes the engine. Replicated stores may answer from a
	// stale replica.
	GetDBInfo() (info db.DatabaseInfo, err error)
}

// Error carries a RetCode next to a message so callers can tell an
// unsupported engine feature from a failing engine.
type Error struct {
	Code RetCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s", e.Code, e.Msg)
}

func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Unsupported is the error returned when the engine lacks the feature op needs.
func Unsupported(op string) *Error {
	return NewError(RetCUnsupportedOperation, op+" is not supported by the engine")
}

// RetCode is the outcome of a store command. It travels in raft results as
// the result value, so the numbering is part of the log format.
type RetCode uint64

const (
	RetCSuccess RetCode = iota
	RetCInternalError
	RetCUnsupportedOperation
	RetCInvalidOperation
)

var retCodeNames = [...]string{
	RetCSuccess:              "success",
	RetCInternalError:        "internal error",
	RetCUnsupportedOperation: "unsupported operation",
	RetCInvalidOperation:     "invalid operation",
}

func (c RetCode) String() string {
	if int(c) < len(retCodeNames) {
		return retCodeNames[c]
	}
	return fmt.Sprintf("code %d", uint64(c))
}
