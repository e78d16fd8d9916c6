// Package service ties the registry, payload store and scheduler together
// behind the operations the HTTP layer exposes.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/registry"
	"github.com/doc-extract/backend/internal/scheduler"
	"github.com/doc-extract/backend/internal/storage"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("file not found")
	// ErrNotRetryable is returned when a record is not in a terminal state,
	// or has nothing to send to the backend.
	ErrNotRetryable = errors.New("file cannot be retried in its current state")
)

// Upload is one selected file.
type Upload struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// Service is the long-lived application object.
type Service struct {
	registry  *registry.Registry
	store     storage.Store
	scheduler *scheduler.Scheduler
	defaults  models.ParseOptions
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the service. defaults fill in options a caller leaves empty.
func New(reg *registry.Registry, store storage.Store, sched *scheduler.Scheduler, defaults models.ParseOptions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:  reg,
		store:     store,
		scheduler: sched,
		defaults:  defaults,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe delivers registry snapshots until the returned func is called.
func (s *Service) Subscribe() (<-chan []models.FileRecord, func()) {
	return s.registry.Subscribe()
}

// AddFiles stores every upload and creates its record. Valid UTF-8 text and
// markdown files need no backend and are completed with their own contents.
// A payload that cannot be stored yields an errored record rather than
// failing the whole call.
func (s *Service) AddFiles(ctx context.Context, uploads []Upload) ([]models.FileRecord, error) {
	created := make([]models.FileRecord, 0, len(uploads))
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := io.ReadAll(u.Reader)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", u.Name, err)
		}

		id := uuid.New().String()
		rec := registry.Create(registry.Source{Name: u.Name, Size: int64(len(data)), ContentType: u.ContentType}, id)
		records := []models.FileRecord{rec}

		if _, err := s.store.Save(ctx, id, u.Name, u.ContentType, bytes.NewReader(data)); err != nil {
			s.logger.Error("failed to store payload", zap.String("file", u.Name), zap.Error(err))
			records = registry.UpdateStatus(records, id, registry.Failed(fmt.Sprintf("upload failed: %v", err)))
		} else if isPlainText(rec.Kind) && utf8.Valid(data) {
			records = registry.UpdateStatus(records, id, registry.Completed(string(data), nil))
		}
		created = append(created, records[0])
	}

	if len(created) > 0 {
		s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
			return append(records[:len(records):len(records)], created...)
		})
		s.logger.Info("files added", zap.Int("count", len(created)))
	}
	return created, nil
}

// Start claims every eligible record now and runs the batch in the
// background. Returns the snapshot after claiming and the number claimed.
func (s *Service) Start(_ context.Context, pt models.ProcessType, opts models.ParseOptions) ([]models.FileRecord, int) {
	b := s.scheduler.Begin(pt)
	snap := s.registry.Snapshot()
	if b.Len() == 0 {
		return snap, 0
	}

	merged := opts.Merge(s.defaults)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.Run(s.ctx, merged, func(completed, total int, current string) {
			s.logger.Debug("batch progress",
				zap.String("batch_id", b.ID),
				zap.Int("completed", completed),
				zap.Int("total", total),
				zap.String("file", current))
		})
	}()
	return snap, b.Len()
}

// Process runs a batch to completion on the caller's goroutine.
func (s *Service) Process(ctx context.Context, pt models.ProcessType, opts models.ParseOptions, onProgress scheduler.ProgressFunc) []models.FileRecord {
	return s.scheduler.Process(ctx, pt, opts.Merge(s.defaults), onProgress)
}

// UploadAndProcess adds the files and starts a batch for the given type.
func (s *Service) UploadAndProcess(ctx context.Context, uploads []Upload, pt models.ProcessType, opts models.ParseOptions) ([]models.FileRecord, int, error) {
	if _, err := s.AddFiles(ctx, uploads); err != nil {
		return nil, 0, err
	}
	snap, n := s.Start(ctx, pt, opts)
	return snap, n, nil
}

// Retry resets a terminal record to uploaded and starts processing it again
// with the process type of its last attempt. Records that never went
// through the backend cannot be retried.
func (s *Service) Retry(ctx context.Context, id string) (models.FileRecord, error) {
	var (
		rec   models.FileRecord
		found bool
		reset bool
	)
	// check and reset under one lock so concurrent retries claim once
	s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		rec, found = registry.Find(records, id)
		if !found || !rec.Status.Terminal() || len(rec.History) == 0 {
			return records
		}
		reset = true
		return registry.Reset(records, id)
	})
	if !found {
		return models.FileRecord{}, ErrNotFound
	}
	if !reset {
		return rec, ErrNotRetryable
	}
	pt := rec.History[len(rec.History)-1].Type

	s.logger.Info("retrying file", zap.String("file_id", id), zap.String("process_type", string(pt)))

	s.Start(ctx, pt, models.ParseOptions{})
	rec, _ = s.registry.Get(id)
	return rec, nil
}

// Remove drops the record and its stored payload.
func (s *Service) Remove(ctx context.Context, id string) error {
	if _, ok := s.registry.Get(id); !ok {
		return ErrNotFound
	}
	s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		return registry.Remove(records, id)
	})
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to delete payload", zap.String("file_id", id), zap.Error(err))
	}
	return nil
}

// Clear removes every record. Returns how many were removed.
func (s *Service) Clear(ctx context.Context) int {
	var removed []models.FileRecord
	s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		removed = records
		return nil
	})
	for _, rec := range removed {
		if err := s.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to delete payload", zap.String("file_id", rec.ID), zap.Error(err))
		}
	}
	return len(removed)
}

// Records returns the current snapshot.
func (s *Service) Records() []models.FileRecord {
	return s.registry.Snapshot()
}

// Record returns one record.
func (s *Service) Record(id string) (models.FileRecord, error) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return models.FileRecord{}, ErrNotFound
	}
	return rec, nil
}

// Wait blocks until every background batch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels background batches and waits for them, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isPlainText(k models.FileKind) bool {
	return k == models.KindText || k == models.KindMarkdown
}
