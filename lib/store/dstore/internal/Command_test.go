package internal

import (
	"bytes"
	"encoding/binary"
	"github.com/ValentinKolb/dTSO/lib/db"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "Command with key and value",
			command:  Command{Type: CommandTSet, Key: "testkey", Value: []byte("testvalue")},
			expected: 1 + 4 + 7 + 9, // Type + KeyLen + Key + Value
		},
		{
			name:     "Command with empty key",
			command:  Command{Type: CommandTSet, Key: "", Value: []byte("testvalue")},
			expected: 1 + 4 + 0 + 9,
		},
		{
			name: "Batch command",
			command: Command{Type: CommandTBatch, Ops: []db.Op{
				{Type: db.OpTSet, Key: "ab", Value: []byte("xyz")},
				{Type: db.OpTDelete, Key: "c"},
			}},
			expected: 1 + 4 + (1 + 4 + 2 + 4 + 3) + (1 + 4 + 1 + 4 + 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := tt.command.SizeBytes()
			if size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods for single key commands
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{name: "Standard command with value", command: Command{Type: CommandTSet, Key: "testkey", Value: []byte("testvalue")}},
		{name: "Command without value", command: Command{Type: CommandTDelete, Key: "testkey"}},
		{name: "Command with empty key", command: Command{Type: CommandTSetIfUnset, Key: "", Value: []byte("testvalue")}},
		{name: "Command with binary value", command: Command{Type: CommandTSet, Key: "binary", Value: []byte{0, 1, 2, 3, 254, 255}}},
		{name: "Command with Unicode key", command: Command{Type: CommandTSet, Key: "你好世界", Value: []byte("unicode test")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var newCommand Command
			if err := newCommand.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if newCommand.Type != tt.command.Type {
				t.Errorf("Type mismatch: got %v, want %v", newCommand.Type, tt.command.Type)
			}
			if newCommand.Key != tt.command.Key {
				t.Errorf("Key mismatch: got %q, want %q", newCommand.Key, tt.command.Key)
			}
			if !bytes.Equal(newCommand.Value, tt.command.Value) {
				t.Errorf("Value mismatch: got %v, want %v", newCommand.Value, tt.command.Value)
			}
			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}
		})
	}
}

// TestBatchRoundTrip checks that op order, types and values survive the raft log encoding
func TestBatchRoundTrip(t *testing.T) {
	cmd := Command{Type: CommandTBatch, Ops: []db.Op{
		{Type: db.OpTSet, Key: "r/1", Value: []byte("header")},
		{Type: db.OpTDelete, Key: "r/2"},
		{Type: db.OpTSet, Key: "n/counter", Value: []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{Type: db.OpTSet, Key: "", Value: []byte{}},
	}}
	data := cmd.Serialize()
	if len(data) != cmd.SizeBytes() {
		t.Fatalf("SizeBytes() = %d, but serialized data length = %d", cmd.SizeBytes(), len(data))
	}

	var out Command
	if err := out.Deserialize(data); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if out.Type != CommandTBatch || len(out.Ops) != len(cmd.Ops) {
		t.Fatalf("got type %v with %d ops, want Batch with %d", out.Type, len(out.Ops), len(cmd.Ops))
	}
	for i, op := range cmd.Ops {
		got := out.Ops[i]
		if got.Type != op.Type || got.Key != op.Key || !bytes.Equal(got.Value, op.Value) {
			t.Errorf("op %d: got %+v, want %+v", i, got, op)
		}
	}

	// the decoded ops must not alias the raft entry buffer
	for i := range data {
		data[i] ^= 0xff
	}
	if !bytes.Equal(out.Ops[2].Value, cmd.Ops[2].Value) {
		t.Errorf("decoded value changed with the source buffer")
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	valid := (&Command{Type: CommandTBatch, Ops: []db.Op{{Type: db.OpTSet, Key: "k", Value: []byte("v")}}}).Serialize()

	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name:        "Data too short (less than header)",
			data:        []byte{1, 2, 3},
			expectedErr: "data too short for command",
		},
		{
			name: "Invalid key length",
			data: func() []byte {
				data := make([]byte, 5)
				data[0] = byte(CommandTSet)
				binary.BigEndian.PutUint32(data[1:5], 1000)
				return data
			}(),
			expectedErr: "data too short for key of length 1000",
		},
		{
			name: "Batch count larger than payload",
			data: func() []byte {
				data := make([]byte, 5)
				data[0] = byte(CommandTBatch)
				binary.BigEndian.PutUint32(data[1:5], 1<<30)
				return data
			}(),
			expectedErr: "batch of 1073741824 ops does not fit into 5 bytes",
		},
		{
			name:        "Truncated batch value",
			data:        valid[:len(valid)-1],
			expectedErr: "data too short for value of op 0",
		},
		{
			name:        "Trailing bytes after batch",
			data:        append(append([]byte{}, valid...), 0),
			expectedErr: "1 trailing bytes after batch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

// TestBinaryFormat tests the exact binary format of serialized commands
func TestBinaryFormat(t *testing.T) {
	cmd := Command{Type: CommandTSet, Key: "testkey", Value: []byte("testvalue")}

	expected := make([]byte, cmd.SizeBytes())
	expected[0] = byte(CommandTSet)
	binary.BigEndian.PutUint32(expected[1:5], 7) // "testkey" length
	copy(expected[5:12], "testkey")
	copy(expected[12:], "testvalue")

	if serialized := cmd.Serialize(); !bytes.Equal(serialized, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", serialized, expected)
	}
}

// TestCommandReuse tests that a Command can be deserialized into repeatedly,
// switching between single key and batch commands
func TestCommandReuse(t *testing.T) {
	var cmd Command
	if err := cmd.Deserialize((&Command{Type: CommandTSet, Key: "key", Value: []byte("original value")}).Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if err := cmd.Deserialize((&Command{Type: CommandTBatch, Ops: []db.Op{{Type: db.OpTDelete, Key: "x"}}}).Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if cmd.Key != "" || cmd.Value != nil || len(cmd.Ops) != 1 {
		t.Errorf("stale single key fields after batch: %+v", cmd)
	}
	if err := cmd.Deserialize((&Command{Type: CommandTDelete, Key: "y"}).Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if cmd.Ops != nil || cmd.Key != "y" || cmd.Value != nil {
		t.Errorf("stale batch fields after delete: %+v", cmd)
	}
}

func TestToDBFeature(t *testing.T) {
	for ct, want := range map[CommandType]db.Feature{
		CommandTSet:        db.FeatureSet,
		CommandTSetIfUnset: db.FeatureSetIfUnset,
		CommandTDelete:     db.FeatureDelete,
		CommandTBatch:      db.FeatureApply,
	} {
		got, err := ct.ToDBFeature()
		if err != nil || got != want {
			t.Errorf("%s.ToDBFeature() = %v, %v; want %v", ct, got, err, want)
		}
	}
	if _, err := CommandType(200).ToDBFeature(); err == nil {
		t.Errorf("expected error for unknown command type")
	}
}
