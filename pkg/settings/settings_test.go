package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/newtron-network/newtphase/pkg/util"
)

func TestSettings_Defaults(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	s := &Settings{}

	if got := s.GetStateDB(); got != "/home/op/.newtphase/state.db" {
		t.Errorf("GetStateDB() default = %q", got)
	}
	if got := s.GetAuditLog(); got != "/home/op/.newtphase/audit.log" {
		t.Errorf("GetAuditLog() default = %q", got)
	}
	if got := s.GetWorkers(); got != 4 {
		t.Errorf("GetWorkers() default = %d, want 4", got)
	}
	if got := s.GetSSHUser(); got != "admin" {
		t.Errorf("GetSSHUser() default = %q", got)
	}
	if got := s.Backoff(); got != util.DefaultBackoff {
		t.Errorf("Backoff() default = %+v", got)
	}
}

func TestSettings_Backoff(t *testing.T) {
	s := &Settings{RetryAttempts: 5, RetryInitial: "250ms", RetryMax: "bogus"}
	b := s.Backoff()
	if b.Attempts != 5 || b.Initial != 250*time.Millisecond {
		t.Errorf("Backoff() = %+v", b)
	}
	if b.Max != util.DefaultBackoff.Max {
		t.Errorf("unparseable retry_max should fall back, got %v", b.Max)
	}
}

func TestSettings_SetGet(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{"topology", "examples/euniv.yaml", false},
		{"state_db", "/var/lib/newtphase/state.db", false},
		{"workers", "8", false},
		{"workers", "-1", true},
		{"workers", "many", true},
		{"retry_initial", "2s", false},
		{"retry_max", "soon", true},
		{"password", "hunter2", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			s := &Settings{}
			err := s.Set(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			got, err := s.Get(tt.key)
			if err != nil || got != tt.value {
				t.Errorf("Get(%q) = %q, %v; want %q", tt.key, got, err, tt.value)
			}
		})
	}
}

func TestSettings_SetEmptyUnsets(t *testing.T) {
	s := &Settings{Workers: 8, SSHUser: "netops"}
	if err := s.Set("workers", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("ssh_user", ""); err != nil {
		t.Fatal(err)
	}
	if s.GetWorkers() != 4 || s.GetSSHUser() != "admin" {
		t.Errorf("unset values should fall back to defaults: %+v", s)
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	if len(keys) != len(fields) {
		t.Fatalf("Keys() = %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("Keys() not sorted: %v", keys)
		}
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{Topology: "a.yaml", Workers: 3, RetryMax: "5s"}
	s.Clear()
	if *s != (Settings{}) {
		t.Error("Clear() should reset all fields")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	original := &Settings{
		Topology:      "examples/euniv.yaml",
		Inventory:     "127.0.0.1:6379",
		Workers:       6,
		RetryAttempts: 4,
		RetryInitial:  "500ms",
		SSHUser:       "netops",
	}
	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("round trip = %+v, want %+v", loaded, original)
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	s, err := LoadFrom("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil || *s != (Settings{}) {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("invalid json {"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() with invalid JSON should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "settings.json")

	s := &Settings{Topology: "ring.yaml"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestLoadSaveUseHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := Load()
	if err != nil || s.Topology != "" {
		t.Fatalf("Load() with no file = %+v, %v", s, err)
	}

	s.Topology = "saved.yaml"
	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".newtphase", "settings.json")); err != nil {
		t.Fatalf("Save() did not write under HOME: %v", err)
	}

	loaded, err := Load()
	if err != nil || loaded.Topology != "saved.yaml" {
		t.Errorf("Load() after Save() = %+v, %v", loaded, err)
	}
}

func TestLoadFrom_ReadError(t *testing.T) {
	dirAsFile := filepath.Join(t.TempDir(), "settings.json")
	if err := os.Mkdir(dirAsFile, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(dirAsFile); err == nil {
		t.Error("LoadFrom() should error when path is a directory")
	}
}
