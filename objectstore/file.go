package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists objects as files under a directory, fanned out by the
// first two characters of the content id.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("object store directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) objectPath(id string) string {
	return filepath.Join(s.dir, id[:2], id)
}

func (s *FileStore) Put(ctx context.Context, data []byte, mimeType string) (Reference, error) {
	ref := NewReference(data, mimeType)
	path := s.objectPath(ref.ID)

	// Same id means same bytes, so an existing file is already correct.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Reference{}, fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return Reference{}, fmt.Errorf("failed to create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Reference{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Reference{}, fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Reference{}, fmt.Errorf("failed to commit object: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref Reference) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath(ref.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, ref Reference) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(ref.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
