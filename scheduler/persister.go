package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePersister stores scheduler state as one JSON file per experiment in Dir.
// Writes go through a temporary file and a rename, so a crash never leaves a
// truncated state behind.
type FilePersister struct {
	Dir string
}

// SaveState writes the state of experimentID.
func (p FilePersister) SaveState(_ context.Context, experimentID string, data []byte) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(p.Dir, experimentID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmp.Name(), p.path(experimentID)); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}

	return nil
}

// LoadState reads the state of experimentID. It returns nil data when nothing
// was saved yet.
func (p FilePersister) LoadState(_ context.Context, experimentID string) ([]byte, error) {
	data, err := os.ReadFile(p.path(experimentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	return data, nil
}

func (p FilePersister) path(experimentID string) string {
	return filepath.Join(p.Dir, experimentID+".state.json")
}
