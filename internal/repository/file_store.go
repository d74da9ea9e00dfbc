package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"restaurant-rag/internal/domain"
)

// FileStore keeps the usage state in a local JSON file. Version checks are
// enforced within a process; run a single writer per file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path. The file is created on first Save.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: state file path must not be empty")
	}
	return &FileStore{path: path}, nil
}

// Load returns the stored state, or the zero state when the file is absent.
func (f *FileStore) Load(_ context.Context) (domain.UsageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Save replaces the file if its version still equals state.Version.
func (f *FileStore) Save(_ context.Context, state domain.UsageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	if current.Version != state.Version {
		return domain.ErrVersionConflict
	}

	state.Version++
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("repository: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("repository: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("repository: close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("repository: replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) read() (domain.UsageState, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.UsageState{}, nil
	}
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("repository: read state file: %w", err)
	}
	var st domain.UsageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.UsageState{}, fmt.Errorf("repository: decode state file: %w", err)
	}
	return st, nil
}
