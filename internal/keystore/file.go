package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keymintd/keymint/internal/model"
)

// FileStore persists the record set as a single JSON document. Writes go to
// a temporary file in the same directory followed by an atomic rename, so a
// crash mid-write never leaves a half-written store on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path, creating the parent
// directory if needed. The file itself is created on first SaveAll.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty store path", ErrUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", ErrUnavailable, err)
	}
	return &FileStore{path: path}, nil
}

// LoadAll reads and decodes the full record set. A missing file is treated
// as an empty store.
func (s *FileStore) LoadAll(ctx context.Context) ([]model.KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.KeyRecord{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path, err)
	}

	var records []model.KeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// Corrupt store data is fatal for the call, not the process.
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, s.path, err)
	}
	if records == nil {
		records = []model.KeyRecord{}
	}
	return records, nil
}

// SaveAll writes the full record set via temp-file-then-rename.
func (s *FileStore) SaveAll(ctx context.Context, records []model.KeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []model.KeyRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode records: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrUnavailable, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename into place: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// Path returns the store's on-disk location.
func (s *FileStore) Path() string { return s.path }
