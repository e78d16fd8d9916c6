package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doc-extract/backend/internal/models"
)

// ErrNotFound is returned for ids with no stored payload.
var ErrNotFound = errors.New("payload not found")

// Store keeps uploaded payload bytes keyed by record id.
type Store interface {
	Save(ctx context.Context, id, name, contentType string, r io.Reader) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	Opener
	Delete(ctx context.Context, id string) error
}

// Opener is the read side of a Store.
type Opener interface {
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

// ReadAll loads a whole payload into memory.
func ReadAll(ctx context.Context, s Opener, id string) ([]byte, error) {
	rc, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", id, err)
	}
	return data, nil
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
	}, nil
}

// Save writes the payload for id. Saving an existing id replaces it.
func (s *LocalStore) Save(_ context.Context, id, name, contentType string, r io.Reader) (*models.FileInfo, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("invalid payload id: %q", id)
	}
	path := filepath.Join(s.uploadDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	info := &models.FileInfo{
		ID:          id,
		Name:        name,
		Size:        size,
		ContentType: contentType,
		UploadedAt:  time.Now(),
		Location:    path,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info

	return info, nil
}

// Get retrieves payload metadata by id.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// Open returns a reader over the payload.
func (s *LocalStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(info.Location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return f, nil
}

// Delete removes a payload. Deleting an unknown id is not an error.
func (s *LocalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil
	}
	if err := os.Remove(info.Location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	delete(s.files, id)
	return nil
}

// Dir returns the directory payloads are written to.
func (s *LocalStore) Dir() string {
	return s.uploadDir
}
