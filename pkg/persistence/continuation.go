package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rtsync/rtsync-go/pkg/session"
)

// StateVersion is the current version of the continuation file format.
const StateVersion = 1

// ContinuationState is the on-disk form of the continuation token.
type ContinuationState struct {
	// Version is the file format version.
	Version int `json:"version"`

	// SavedAt is when the token was last saved.
	SavedAt time.Time `json:"saved_at"`

	// ContinuationToken is the opaque token issued by the gateway.
	ContinuationToken string `json:"continuation_token"`
}

// ContinuationFile persists the continuation token to a JSON file.
type ContinuationFile struct {
	mu   sync.Mutex
	path string
}

var (
	_ session.ContinuationStore = (*ContinuationFile)(nil)
	_ session.ContinuationStore = (*MemoryStore)(nil)
)

// NewContinuationFile creates a store backed by path.
func NewContinuationFile(path string) *ContinuationFile {
	return &ContinuationFile{path: path}
}

// Path returns the file location.
func (s *ContinuationFile) Path() string {
	return s.path
}

// Load reads the token. A missing file yields an empty token.
func (s *ContinuationFile) Load() (string, error) {
	state, err := s.LoadState()
	if err != nil || state == nil {
		return "", err
	}
	return state.ContinuationToken, nil
}

// LoadState reads the whole file. Returns nil, nil if it doesn't exist.
func (s *ContinuationFile) LoadState() (*ContinuationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ContinuationState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", s.path, state.Version)
	}
	return state, nil
}

// Save writes the token. The file is replaced atomically so a crash never
// leaves a truncated token behind.
func (s *ContinuationFile) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(ContinuationState{
		Version:           StateVersion,
		SavedAt:           time.Now().UTC(),
		ContinuationToken: token,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Clear removes the file.
func (s *ContinuationFile) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryStore keeps the continuation token in memory.
type MemoryStore struct {
	mu    sync.Mutex
	token string
	saves int
}

// NewMemoryStore creates a store holding token.
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

// Load returns the token.
func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

// Save replaces the token.
func (m *MemoryStore) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
