package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JSONFileStore is an in-memory store that rewrites a JSON snapshot on every
// mutation. It suits single-process deployments without a database.
type JSONFileStore struct {
	*InMemoryStore
	Path string
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &JSONFileStore{InMemoryStore: NewInMemoryStore(), Path: path}
	snapshot, err := store.load()
	if err != nil {
		return nil, err
	}
	store.mu.Lock()
	store.restoreLocked(snapshot)
	store.persist = store.save
	store.mu.Unlock()
	return store, nil
}

func (s *JSONFileStore) load() (*mappingSnapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var snapshot mappingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode mapping file %s: %w", s.Path, err)
	}
	return &snapshot, nil
}

func (s *JSONFileStore) save(snapshot *mappingSnapshot) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
