package config

import (
	"testing"
	"time"
)

func TestLoadChromaDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	c := LoadChroma()
	if c.Mode != ChromaModePersistent {
		t.Errorf("Mode = %q, want %q", c.Mode, ChromaModePersistent)
	}
	if c.DataPath != "./.dmms/chroma" {
		t.Errorf("DataPath = %q, want ./.dmms/chroma", c.DataPath)
	}
	if c.Port != 8000 {
		t.Errorf("Port = %d, want 8000", c.Port)
	}
}

func TestLoadDoltDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	d := LoadDolt()
	if d.ExecutablePath != "dolt" {
		t.Errorf("ExecutablePath = %q, want dolt", d.ExecutablePath)
	}
	if d.RemoteName != "origin" {
		t.Errorf("RemoteName = %q, want origin", d.RemoteName)
	}
	if d.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", d.CommandTimeout)
	}
}

func TestLoadRetryAndTimeoutsDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	r := LoadRetry()
	if r.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", r.MaxRetries)
	}
	if r.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", r.RetryDelay)
	}

	to := LoadTimeouts()
	if to.Connection != 30*time.Second {
		t.Errorf("Connection = %v, want 30s", to.Connection)
	}
	if to.BulkOperation != 120*time.Second {
		t.Errorf("BulkOperation = %v, want 120s", to.BulkOperation)
	}
}

func TestGetStringEnsuresInitialized(t *testing.T) {
	v = nil // force ensure() to lazily re-Initialize
	if got := GetString("DOLT_REMOTE_NAME"); got != "origin" {
		t.Errorf("GetString after reset = %q, want origin", got)
	}
}
