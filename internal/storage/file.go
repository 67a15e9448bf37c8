package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the gateway state in a small YAML file. Writes go through
// a temporary file and a rename so a power cut leaves either the old or the
// new state behind.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store
func (s *FileStore) Load() (*GatewayState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state GatewayState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &state, nil
}

// Save implements Store
func (s *FileStore) Save(state *GatewayState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
