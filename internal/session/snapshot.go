package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SnapshotEntry is the persisted form of one session. It supports
// single-instance restart recovery only; there is no cross-process
// coordination.
type SnapshotEntry struct {
	Turns      []Turn    `json:"turns"`
	LastActive time.Time `json:"last_active"`
	Truncated  bool      `json:"truncated"`
	Usage      Usage     `json:"usage"`
}

// Snapshotter persists the session table. Save is called after every
// successful exchange; failures are logged and non-fatal, in-memory state
// stays authoritative.
type Snapshotter interface {
	Load(ctx context.Context) (map[string]SnapshotEntry, error)
	Save(ctx context.Context, snap map[string]SnapshotEntry) error
}

// FileSnapshotter stores the whole session table as one JSON file, written
// atomically via a temp file rename.
type FileSnapshotter struct {
	path string
}

// NewFileSnapshotter creates a file-backed snapshotter.
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

// Load reads the snapshot file. A missing file is an empty table.
func (f *FileSnapshotter) Load(_ context.Context) (map[string]SnapshotEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]SnapshotEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot load: %w", err)
	}
	var snap map[string]SnapshotEntry
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot load: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot file.
func (f *FileSnapshotter) Save(_ context.Context, snap map[string]SnapshotEntry) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	return nil
}
