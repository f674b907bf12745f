// Package settings manages persistent user settings for the newtphase CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Settings holds persistent user preferences. Command-line flags override
// them; unset fields fall back to the defaults returned by the getters.
type Settings struct {
	// Topology is the topology file used when -T is not given
	Topology string `json:"topology,omitempty"`

	// Inventory is a Redis address to read the topology from instead of a file
	Inventory string `json:"inventory,omitempty"`

	// TemplateDir overrides the embedded fragment catalog
	TemplateDir string `json:"template_dir,omitempty"`

	// StateDB is the SQLite database of runs and phase outcomes
	StateDB string `json:"state_db,omitempty"`

	// AuditLog is the audit log file
	AuditLog string `json:"audit_log,omitempty"`

	// LockRedis, when set, takes device locks in Redis so separate
	// processes do not push to the same device at once
	LockRedis string `json:"lock_redis,omitempty"`

	Workers       int    `json:"workers,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryInitial  string `json:"retry_initial,omitempty"`
	RetryMax      string `json:"retry_max,omitempty"`

	// SSHUser is the device login; the password comes from the environment
	// or a prompt, never from this file
	SSHUser string `json:"ssh_user,omitempty"`
}

// Dir returns the per-user state directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".newtphase"
	}
	return filepath.Join(home, ".newtphase")
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetStateDB returns the state database path (with fallback)
func (s *Settings) GetStateDB() string {
	if s.StateDB != "" {
		return s.StateDB
	}
	return filepath.Join(Dir(), "state.db")
}

// GetAuditLog returns the audit log path (with fallback)
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	return filepath.Join(Dir(), "audit.log")
}

// GetWorkers returns the device concurrency limit (with fallback)
func (s *Settings) GetWorkers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 4
}

// GetSSHUser returns the device login (with fallback)
func (s *Settings) GetSSHUser() string {
	if s.SSHUser != "" {
		return s.SSHUser
	}
	return "admin"
}

// Backoff returns the retry policy, filling unset fields from
// util.DefaultBackoff. Unparseable durations also fall back.
func (s *Settings) Backoff() util.Backoff {
	b := util.DefaultBackoff
	if s.RetryAttempts > 0 {
		b.Attempts = s.RetryAttempts
	}
	if d, err := time.ParseDuration(s.RetryInitial); err == nil && d > 0 {
		b.Initial = d
	}
	if d, err := time.ParseDuration(s.RetryMax); err == nil && d > 0 {
		b.Max = d
	}
	return b
}

// field binds a settings key to its struct field.
type field struct {
	get func(*Settings) string
	set func(*Settings, string) error
}

func stringField(p func(*Settings) *string) field {
	return field{
		get: func(s *Settings) string { return *p(s) },
		set: func(s *Settings, v string) error { *p(s) = v; return nil },
	}
}

func intField(p func(*Settings) *int) field {
	return field{
		get: func(s *Settings) string {
			if *p(s) == 0 {
				return ""
			}
			return strconv.Itoa(*p(s))
		},
		set: func(s *Settings, v string) error {
			if v == "" {
				*p(s) = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("%q is not a non-negative integer", v)
			}
			*p(s) = n
			return nil
		},
	}
}

func durationField(p func(*Settings) *string) field {
	return field{
		get: func(s *Settings) string { return *p(s) },
		set: func(s *Settings, v string) error {
			if v != "" {
				if _, err := time.ParseDuration(v); err != nil {
					return fmt.Errorf("%q is not a duration", v)
				}
			}
			*p(s) = v
			return nil
		},
	}
}

var fields = map[string]field{
	"topology":       stringField(func(s *Settings) *string { return &s.Topology }),
	"inventory":      stringField(func(s *Settings) *string { return &s.Inventory }),
	"template_dir":   stringField(func(s *Settings) *string { return &s.TemplateDir }),
	"state_db":       stringField(func(s *Settings) *string { return &s.StateDB }),
	"audit_log":      stringField(func(s *Settings) *string { return &s.AuditLog }),
	"lock_redis":     stringField(func(s *Settings) *string { return &s.LockRedis }),
	"ssh_user":       stringField(func(s *Settings) *string { return &s.SSHUser }),
	"workers":        intField(func(s *Settings) *int { return &s.Workers }),
	"retry_attempts": intField(func(s *Settings) *int { return &s.RetryAttempts }),
	"retry_initial":  durationField(func(s *Settings) *string { return &s.RetryInitial }),
	"retry_max":      durationField(func(s *Settings) *string { return &s.RetryMax }),
}

// Keys returns the settable keys, sorted.
func Keys() []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Get returns the stored value of key ("" when unset).
func (s *Settings) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q", key)
	}
	return f.get(s), nil
}

// Set stores value under key. An empty value unsets it.
func (s *Settings) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := f.set(s, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
