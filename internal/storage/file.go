package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileTree stores one pretty-printed JSON file per (collection, key) as
// <dataDir>/<collection>_<key>.json. The directory is created on
// construction. Query order is lexicographic by file name.
type FileTree struct {
	dir string

	mu     sync.RWMutex
	closed bool
}

// NewFileTree creates the adapter and its data directory.
func NewFileTree(dataDir string) (*FileTree, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &FileTree{dir: dataDir}, nil
}

func (f *FileTree) Name() string { return "file" }

// validName rejects names that would escape the data directory.
func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\") && !strings.Contains(s, "..")
}

func (f *FileTree) path(collection, key string) (string, error) {
	if !validName(collection) || !validName(key) {
		return "", fmt.Errorf("storage: invalid collection or key %q/%q", collection, key)
	}
	return filepath.Join(f.dir, collection+"_"+key+".json"), nil
}

func (f *FileTree) Get(ctx context.Context, collection, key string, opts Options) (json.RawMessage, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	path, err := f.path(collection, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (f *FileTree) Set(ctx context.Context, collection, key string, value json.RawMessage, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	path, err := f.path(collection, key)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, value, "", "  "); err != nil {
		return fmt.Errorf("encode value for %s/%s: %w", collection, key, err)
	}
	if err := os.WriteFile(path, pretty.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (f *FileTree) Delete(ctx context.Context, collection, key string, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	path, err := f.path(collection, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (f *FileTree) Query(ctx context.Context, collection string, filter map[string]any, opts Options) ([]map[string]any, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !validName(collection) {
		return nil, fmt.Errorf("storage: invalid collection %q", collection)
	}

	// os.ReadDir sorts by file name, which keeps result order stable.
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	prefix := collection + "_"
	results := []map[string]any{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if row, ok := matchQuery(key, data, filter); ok {
			results = append(results, row)
		}
	}
	return results, nil
}

// Close marks the adapter closed. No handles are held between operations.
func (f *FileTree) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
