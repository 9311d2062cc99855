package internal

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dTSO/lib/db"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSet        CommandType = iota // Insert or update an entry.
	CommandTSetIfUnset                    // Insert an entry if it does not exist.
	CommandTDelete                        // Delete an entry.
	CommandTBatch                         // Apply a list of sets and deletes atomically.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTSetIfUnset:
		return "SetIfUnset"
	case CommandTDelete:
		return "Delete"
	case CommandTBatch:
		return "Batch"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature converts a CommandType to the corresponding db.Feature.
// This can be used for checking if the database supports a certain operation.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch ct {
	case CommandTSet:
		return db.FeatureSet, nil
	case CommandTSetIfUnset:
		return db.FeatureSetIfUnset, nil
	case CommandTDelete:
		return db.FeatureDelete, nil
	case CommandTBatch:
		return db.FeatureApply, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// Command represents a command to be executed by the state machine (a single entry in the raft log).
// Key and Value are used by single key commands, Ops only by CommandTBatch.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
	Ops   []db.Op
}

// headerSize is the fixed prefix of every serialized command: type + key length (or op count)
const headerSize = 1 + 4

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	if command.Type == CommandTBatch {
		size := headerSize
		for _, op := range command.Ops {
			size += 1 + 4 + len(op.Key) + 4 + len(op.Value) // OpType + KeyLen + Key + ValueLen + Value
		}
		return size
	}
	return headerSize + len(command.Key) + len(command.Value)
}

// Serialize serializes a command into a byte array.
//
// Single key commands use the format:
// 1 byte for operation type,
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for value data (optional)
//
// Batch commands use the format:
// 1 byte for operation type,
// 4 bytes for the number of ops (big endian),
// followed by each op as: 1 byte op type, 4 bytes key length, key, 4 bytes value length, value
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	result[0] = byte(command.Type)

	if command.Type != CommandTBatch {
		binary.BigEndian.PutUint32(result[1:5], uint32(len(command.Key)))
		n := copy(result[headerSize:], command.Key)
		copy(result[headerSize+n:], command.Value)
		return result
	}

	binary.BigEndian.PutUint32(result[1:5], uint32(len(command.Ops)))
	pos := headerSize
	for _, op := range command.Ops {
		result[pos] = byte(op.Type)
		binary.BigEndian.PutUint32(result[pos+1:pos+5], uint32(len(op.Key)))
		pos += 5
		pos += copy(result[pos:], op.Key)
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(op.Value)))
		pos += 4
		pos += copy(result[pos:], op.Value)
	}
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	n := binary.BigEndian.Uint32(data[1:5])

	if command.Type != CommandTBatch {
		if len(data) < headerSize+int(n) {
			return fmt.Errorf("data too short for key of length %d", n)
		}
		command.Key = string(data[headerSize : headerSize+int(n)])
		command.Ops = nil
		if rest := data[headerSize+int(n):]; len(rest) > 0 {
			command.Value = append(command.Value[:0], rest...)
		} else {
			command.Value = nil
		}
		return nil
	}

	command.Key, command.Value = "", nil
	// every op needs at least 9 bytes, so a corrupted count cannot force a huge allocation
	if int(n) > (len(data)-headerSize)/9 {
		return fmt.Errorf("batch of %d ops does not fit into %d bytes", n, len(data))
	}
	command.Ops = make([]db.Op, 0, n)
	pos := headerSize
	for i := uint32(0); i < n; i++ {
		if len(data) < pos+5 {
			return fmt.Errorf("data too short for op %d", i)
		}
		op := db.Op{Type: db.OpType(data[pos])}
		keyLen := int(binary.BigEndian.Uint32(data[pos+1 : pos+5]))
		pos += 5
		if len(data) < pos+keyLen+4 {
			return fmt.Errorf("data too short for key of op %d", i)
		}
		op.Key = string(data[pos : pos+keyLen])
		pos += keyLen
		valueLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if len(data) < pos+valueLen {
			return fmt.Errorf("data too short for value of op %d", i)
		}
		if valueLen > 0 {
			op.Value = make([]byte, valueLen)
			copy(op.Value, data[pos:pos+valueLen])
		}
		pos += valueLen
		command.Ops = append(command.Ops, op)
	}
	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after batch", len(data)-pos)
	}
	return nil
}
