package common

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if c.Timeout().Milliseconds() != 10000 {
		t.Errorf("default timeout = %s, want 10s", c.Timeout())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.TimeoutMillis = 0 }},
		{"zero id block", func(c *Config) { c.IDBlockSize = 0 }},
		{"unknown backend", func(c *Config) { c.Backend = "bolt" }},
		{"unknown lock backend", func(c *Config) { c.LockBackend = "zookeeper" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"raft replica not a member", func(c *Config) { c.Backend = BackendRaft; c.ReplicaID = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestStringShowsRaftSectionOnlyForRaft(t *testing.T) {
	c := DefaultConfig()
	if strings.Contains(c.String(), "RAFT PARAMETERS") {
		t.Errorf("maple config lists raft parameters:\n%s", c.String())
	}
	c.Backend = BackendRaft
	out := c.String()
	for _, want := range []string{"RAFT PARAMETERS", "Node 1: localhost:63001", "10000 ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() misses %q:\n%s", want, out)
		}
	}
}

func TestOpenStoreLevelDB(t *testing.T) {
	c := DefaultConfig()
	c.Backend = BackendLevelDB
	c.DataDir = t.TempDir()

	s, closeFn, err := OpenStore(c)
	if err != nil {
		t.Fatalf("OpenStore() error: %v", err)
	}
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	s, closeFn, err = OpenStore(c)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer closeFn()
	if v, ok, err := s.Get("k"); err != nil || !ok || string(v) != "v" {
		t.Errorf("Get(k) after reopen = %q, %v, %v", v, ok, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if _, err := ParseLogLevel(lvl); err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", lvl, err)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Errorf("ParseLogLevel(trace) = nil error")
	}
}
