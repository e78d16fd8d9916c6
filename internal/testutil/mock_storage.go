// mock_storage.go - In-memory payload store for tests
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/storage"
)

// MockStorage implements storage.Store in memory
type MockStorage struct {
	files    map[string]*models.FileInfo
	fileData map[string][]byte
	mu       sync.RWMutex

	// SaveErr, when set, is returned by every Save call
	SaveErr error
}

var _ storage.Store = (*MockStorage)(nil)

// NewMockStorage creates an empty mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		files:    make(map[string]*models.FileInfo),
		fileData: make(map[string][]byte),
	}
}

func (m *MockStorage) Save(_ context.Context, id, name, contentType string, r io.Reader) (*models.FileInfo, error) {
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := &models.FileInfo{
		ID:          id,
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		UploadedAt:  time.Now(),
		Location:    "mem://" + id,
	}
	m.files[id] = info
	m.fileData[id] = data
	return info, nil
}

func (m *MockStorage) Get(id string) (*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return info, nil
}

func (m *MockStorage) Open(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.fileData[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, id)
	delete(m.fileData, id)
	return nil
}

// Has reports whether a payload is stored for id
func (m *MockStorage) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fileData[id]
	return ok
}

// Count returns the number of stored payloads
func (m *MockStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fileData)
}

// ErrInjected is a convenience error for failure-path tests
var ErrInjected = errors.New("injected failure")
