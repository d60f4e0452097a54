// Package settings persists the last known peripheral address.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// AddressStore gets and sets the last known peripheral address. An empty
// address means none is known.
type AddressStore interface {
	Address() string
	SetAddress(address string) error
}

// state is the on-disk document
type state struct {
	DeviceAddress string `yaml:"device_address"`
}

// FileStore keeps the address in a YAML file. Writes replace the file atomically.
type FileStore struct {
	path string

	mu    sync.RWMutex
	state state
}

// OpenFile loads path, treating a missing file as an empty store.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read settings %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse settings %q: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Address implements AddressStore.
func (s *FileStore) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.DeviceAddress
}

// SetAddress implements AddressStore.
func (s *FileStore) SetAddress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	next.DeviceAddress = address

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}

	s.state = next
	return nil
}

// MemoryStore is an in-process AddressStore.
type MemoryStore struct {
	mu      sync.RWMutex
	address string
	writes  int
}

// NewMemoryStore returns a store holding address.
func NewMemoryStore(address string) *MemoryStore {
	return &MemoryStore{address: address}
}

// Address implements AddressStore.
func (m *MemoryStore) Address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

// SetAddress implements AddressStore.
func (m *MemoryStore) SetAddress(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.address = address
	m.writes++
	return nil
}

// Writes returns how many times SetAddress was called.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
