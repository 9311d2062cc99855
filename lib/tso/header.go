package tso

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ObjectHeader is the lock and ownership record of an object. The header row is
// what transactions contend over; the payload lives in its own record.
type ObjectHeader struct {
	PayloadID          dataspace.ID
	Free               bool
	CreateNotCommitted bool
	Owner              TxnID // uuid.Nil while Free
	InitialAttemptTime int64 // owner seniority, unix ms
	Tiebreaker         uint64
	CurrentDeadline    int64 // unix ms after which the lock is stale
	Listeners          []TxnID
}

// newOwnedHeader returns the header of an object created by t
func newOwnedHeader(t *Transaction) *ObjectHeader {
	h := &ObjectHeader{CreateNotCommitted: true}
	h.takeOwnership(t)
	return h
}

// takeOwnership marks the header as owned by t and removes t from the listeners
func (h *ObjectHeader) takeOwnership(t *Transaction) {
	h.Free = false
	h.Owner = t.id
	h.InitialAttemptTime = t.initialAttemptTime
	h.Tiebreaker = t.tiebreaker
	h.CurrentDeadline = t.deadline
	h.removeListener(t.id)
}

// release marks the header free and hands back the listeners that have to be woken
func (h *ObjectHeader) release() []TxnID {
	listeners := h.Listeners
	h.Free = true
	h.Owner = uuid.Nil
	h.Listeners = nil
	return listeners
}

// youngerThan reports whether the owner of the header is junior to the given
// seniority pair. Smaller attempt times are senior, the tiebreaker decides ties.
func (h *ObjectHeader) youngerThan(initialAttemptTime int64, tiebreaker uint64) bool {
	if h.InitialAttemptTime != initialAttemptTime {
		return h.InitialAttemptTime > initialAttemptTime
	}
	return h.Tiebreaker > tiebreaker
}

func (h *ObjectHeader) hasListener(id TxnID) bool {
	for _, l := range h.Listeners {
		if l == id {
			return true
		}
	}
	return false
}

func (h *ObjectHeader) addListener(id TxnID) {
	if !h.hasListener(id) {
		h.Listeners = append(h.Listeners, id)
	}
}

func (h *ObjectHeader) removeListener(id TxnID) {
	for i, l := range h.Listeners {
		if l == id {
			h.Listeners = append(h.Listeners[:i], h.Listeners[i+1:]...)
			return
		}
	}
}

func (h *ObjectHeader) String() string {
	if h.Free {
		return fmt.Sprintf("hdr{payload=%d free listeners=%d}", h.PayloadID, len(h.Listeners))
	}
	return fmt.Sprintf("hdr{payload=%d owner=%s seniority=%d/%d deadline=%d uncommitted=%t listeners=%d}",
		h.PayloadID, h.Owner, h.InitialAttemptTime, h.Tiebreaker, h.CurrentDeadline, h.CreateNotCommitted, len(h.Listeners))
}

// --------------------------------------------------------------------------
// Binary encoding
// --------------------------------------------------------------------------

const (
	headerVersion = 1

	flagFree               = 1 << 0
	flagCreateNotCommitted = 1 << 1

	// version + flags + payload id + owner + attempt time + tiebreaker + deadline + listener count
	headerFixedSize = 1 + 1 + 8 + 16 + 8 + 8 + 8 + 4
)

// MarshalBinary encodes the header as:
// 1 byte version, 1 byte flags, 8 bytes payload id, 16 bytes owner,
// 8 bytes initial attempt time, 8 bytes tiebreaker, 8 bytes deadline,
// 4 bytes listener count and 16 bytes per listener. All integers are big endian.
func (h *ObjectHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerFixedSize+16*len(h.Listeners))
	buf[0] = headerVersion
	if h.Free {
		buf[1] |= flagFree
	}
	if h.CreateNotCommitted {
		buf[1] |= flagCreateNotCommitted
	}
	binary.BigEndian.PutUint64(buf[2:10], uint64(h.PayloadID))
	copy(buf[10:26], h.Owner[:])
	binary.BigEndian.PutUint64(buf[26:34], uint64(h.InitialAttemptTime))
	binary.BigEndian.PutUint64(buf[34:42], h.Tiebreaker)
	binary.BigEndian.PutUint64(buf[42:50], uint64(h.CurrentDeadline))
	binary.BigEndian.PutUint32(buf[50:54], uint32(len(h.Listeners)))
	pos := headerFixedSize
	for _, l := range h.Listeners {
		pos += copy(buf[pos:], l[:])
	}
	return buf, nil
}

// UnmarshalBinary decodes a header written by MarshalBinary
func (h *ObjectHeader) UnmarshalBinary(data []byte) error {
	if len(data) < headerFixedSize {
		return errors.Newf("object header too short: %d bytes", len(data))
	}
	if data[0] != headerVersion {
		return errors.Newf("unsupported object header version %d", data[0])
	}
	n := int(binary.BigEndian.Uint32(data[50:54]))
	if len(data) != headerFixedSize+16*n {
		return errors.Newf("object header with %d listeners has %d bytes", n, len(data))
	}
	h.Free = data[1]&flagFree != 0
	h.CreateNotCommitted = data[1]&flagCreateNotCommitted != 0
	h.PayloadID = dataspace.ID(binary.BigEndian.Uint64(data[2:10]))
	copy(h.Owner[:], data[10:26])
	h.InitialAttemptTime = int64(binary.BigEndian.Uint64(data[26:34]))
	h.Tiebreaker = binary.BigEndian.Uint64(data[34:42])
	h.CurrentDeadline = int64(binary.BigEndian.Uint64(data[42:50]))
	h.Listeners = nil
	if n > 0 {
		h.Listeners = make([]TxnID, n)
		for i := range h.Listeners {
			copy(h.Listeners[i][:], data[headerFixedSize+16*i:])
		}
	}
	return nil
}
