package util

import "testing"

func TestHashString(t *testing.T) {
	// FNV-1a reference values for seed 0
	tests := []struct {
		in   string
		want UintKey
	}{
		{"", 0xcbf29ce484222325},
		{"a", 0xaf63dc4c8601ec8c},
	}
	for _, tt := range tests {
		if got := HashString(tt.in, 0); got != tt.want {
			t.Errorf("HashString(%q, 0) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
	if HashString("key", 1) == HashString("key", 2) {
		t.Error("seed does not change the hash")
	}
}

func TestReplicaIDFromName(t *testing.T) {
	a, b := ReplicaIDFromName("node-1"), ReplicaIDFromName("node-2")
	if a == 0 || b == 0 || a == b {
		t.Fatalf("ReplicaIDFromName() = %d, %d", a, b)
	}
	if ReplicaIDFromName("node-1") != a {
		t.Error("ReplicaIDFromName() is not deterministic")
	}
}
