package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
)

// AllowEntry permits one executable, optionally restricted to subcommands.
type AllowEntry struct {
	Name        string   `json:"name"`
	Subcommands []string `json:"subcommands,omitempty"`
}

// Allowlist mirrors approved_commands.json.
type Allowlist struct {
	Entries []AllowEntry `json:"allowlist"`
}

func (a *Allowlist) Lookup(name string) (AllowEntry, bool) {
	if a == nil {
		return AllowEntry{}, false
	}
	for _, e := range a.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return AllowEntry{}, false
}

func ParseAllowlist(data []byte) (*Allowlist, error) {
	var a Allowlist
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	for i, e := range a.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("parse allowlist: entry %d has no name", i)
		}
	}
	return &a, nil
}

// AllowlistStore holds the current allowlist and can reload it from disk.
type AllowlistStore struct {
	path    string
	current atomic.Pointer[Allowlist]
}

// NewAllowlistStore loads path. A missing file yields an empty allowlist.
func NewAllowlistStore(path string) (*AllowlistStore, error) {
	s := &AllowlistStore{path: path}
	s.current.Store(&Allowlist{})
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// NewStaticAllowlist wraps an in-memory allowlist.
func NewStaticAllowlist(a *Allowlist) *AllowlistStore {
	s := &AllowlistStore{}
	if a == nil {
		a = &Allowlist{}
	}
	s.current.Store(a)
	return s
}

func (s *AllowlistStore) Path() string { return s.path }

func (s *AllowlistStore) Get() *Allowlist { return s.current.Load() }

// Reload re-reads the file. On error the previous allowlist stays active.
func (s *AllowlistStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}
	a, err := ParseAllowlist(data)
	if err != nil {
		return err
	}
	s.current.Store(a)
	return nil
}
