// Package storage persists the classification pipeline's state files. The
// merge step is the single writer; every write replaces the previous version
// atomically so a crash mid-write can never corrupt previously valid state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
)

// StateStore reads and atomically replaces named state documents.
type StateStore interface {
	// Read returns the document's contents, or ErrStateNotFound when it does
	// not exist yet.
	Read(ctx context.Context, name string) ([]byte, error)

	// WriteAtomic replaces the document in one step: a reader never observes
	// a partial write. Metadata is best-effort and may be ignored by
	// backends without metadata support.
	WriteAtomic(ctx context.Context, name string, data []byte, metadata map[string]string) error
}

// LocalStore is a StateStore over the local filesystem. Atomic replacement
// is a write to a temporary file in the same directory followed by a rename.
type LocalStore struct {
	logger *zap.Logger
}

// NewLocalStore creates a local filesystem store. A nil logger is replaced
// with a no-op logger.
func NewLocalStore(logger *zap.Logger) *LocalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{logger: logger}
}

// Read implements StateStore.
func (s *LocalStore) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, sdkerrors.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", name, err)
	}
	return data, nil
}

// WriteAtomic implements StateStore. Metadata is ignored; the filesystem
// carries no blob metadata.
func (s *LocalStore) WriteAtomic(_ context.Context, name string, data []byte, _ map[string]string) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.logger.Debug("Replaced state file",
		zap.String("path", name),
		zap.Int("size_bytes", len(data)))
	return nil
}
