// Package scheduler submits eligible records to the parse backend in
// fixed-size windows and folds each outcome back into the registry.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/parseclient"
	"github.com/doc-extract/backend/internal/registry"
	"github.com/doc-extract/backend/internal/storage"
)

// DefaultMaxConcurrent is the window size when none is configured.
const DefaultMaxConcurrent = 4

// Step labels reported through CurrentStep.
const (
	StepQueued    = "queued"
	StepUploading = "uploading"
)

// ProgressFunc is called once per settled file with a strictly increasing
// completed count. current is the name of the file that just settled.
type ProgressFunc func(completed, total int, current string)

// Scheduler runs batches against one registry and one parser.
type Scheduler struct {
	registry      *registry.Registry
	parser        parseclient.Parser
	payloads      storage.Opener
	maxConcurrent int
	logger        *zap.Logger
}

// New creates a scheduler. maxConcurrent <= 0 uses DefaultMaxConcurrent.
func New(reg *registry.Registry, parser parseclient.Parser, payloads storage.Opener, maxConcurrent int, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry:      reg,
		parser:        parser,
		payloads:      payloads,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// MaxConcurrent returns the window size.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// Batch is a set of records claimed for one processing run.
type Batch struct {
	ID    string
	Type  models.ProcessType
	files []models.FileRecord
	s     *Scheduler
}

// Len returns the number of claimed records.
func (b *Batch) Len() int {
	return len(b.files)
}

// Eligible reports whether a record would be claimed for the process type.
// Parse only accepts PDFs; the other types accept any uploaded record.
func Eligible(rec models.FileRecord, pt models.ProcessType) bool {
	if rec.Status != models.StatusUploaded {
		return false
	}
	if pt == models.ProcessParse {
		return rec.Kind == models.KindPDF
	}
	return true
}

func inFlightStatus(pt models.ProcessType) models.FileStatus {
	switch pt {
	case models.ProcessExtract:
		return models.StatusExtracting
	case models.ProcessConvert:
		return models.StatusConverting
	default:
		return models.StatusProcessing
	}
}

// Begin claims every eligible record and marks it in flight before any
// request is made. Claiming happens under the registry lock, so a record is
// never claimed by two batches.
func (s *Scheduler) Begin(pt models.ProcessType) *Batch {
	b := &Batch{ID: uuid.New().String(), Type: pt, s: s}
	status := inFlightStatus(pt)
	progress := 0
	step := StepQueued

	s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		out := records
		for _, rec := range records {
			if !Eligible(rec, pt) {
				continue
			}
			b.files = append(b.files, rec)
			out = registry.UpdateStatus(out, rec.ID, registry.Patch{
				Status:      &status,
				Progress:    &progress,
				CurrentStep: &step,
			})
			out = registry.AppendHistoryStep(out, rec.ID, models.ProcessStep{Type: pt, Status: models.StepRunning})
		}
		return out
	})

	if len(b.files) > 0 {
		s.logger.Info("batch claimed",
			zap.String("batch_id", b.ID),
			zap.String("process_type", string(pt)),
			zap.Int("files", len(b.files)),
			zap.Int("window", s.maxConcurrent))
	}
	return b
}

// Run processes the claimed records window by window. Windows run in
// sequence; every call inside a window runs concurrently and the window is
// awaited before the next starts. Per-file failures land on the record and
// never abort the batch. Returns the registry snapshot after the last window.
func (b *Batch) Run(ctx context.Context, opts models.ParseOptions, onProgress ProgressFunc) []models.FileRecord {
	s := b.s
	total := len(b.files)
	if total == 0 {
		return s.registry.Snapshot()
	}

	start := time.Now()
	var (
		mu        sync.Mutex
		completed int
		failed    int
	)

	for lo := 0; lo < total; lo += s.maxConcurrent {
		hi := min(lo+s.maxConcurrent, total)

		var g errgroup.Group
		for _, rec := range b.files[lo:hi] {
			g.Go(func() error {
				ok := s.processOne(ctx, b, rec, opts)

				mu.Lock()
				defer mu.Unlock()
				completed++
				if !ok {
					failed++
				}
				if onProgress != nil {
					onProgress(completed, total, rec.Name)
				}
				return nil
			})
		}
		g.Wait()
	}

	s.logger.Info("batch finished",
		zap.String("batch_id", b.ID),
		zap.Int("files", total),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))

	return s.registry.Snapshot()
}

// Process claims and runs a batch in one call.
func (s *Scheduler) Process(ctx context.Context, pt models.ProcessType, opts models.ParseOptions, onProgress ProgressFunc) []models.FileRecord {
	return s.Begin(pt).Run(ctx, opts, onProgress)
}

func (s *Scheduler) processOne(ctx context.Context, b *Batch, rec models.FileRecord, opts models.ParseOptions) bool {
	log := s.logger.With(zap.String("batch_id", b.ID), zap.String("file_id", rec.ID), zap.String("file", rec.Name))

	step := StepUploading
	s.registry.Update(rec.ID, registry.Patch{CurrentStep: &step})

	data, err := s.readPayload(ctx, rec.ID)
	if err != nil {
		log.Error("payload unavailable", zap.Error(err))
		s.settle(rec.ID, b.Type, parseclient.Result{Error: fmt.Sprintf("payload unavailable: %v", err)})
		return false
	}

	res := s.parser.Parse(ctx, parseclient.Payload{
		FileID:      rec.ID,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Data:        data,
	}, opts)
	s.settle(rec.ID, b.Type, res)

	if !res.Success {
		log.Warn("file failed", zap.String("error", res.Error))
		return false
	}
	log.Debug("file completed", zap.Int("text_length", len(res.Text)))
	return true
}

// settle writes the terminal state and history step in one registry change.
func (s *Scheduler) settle(id string, pt models.ProcessType, res parseclient.Result) {
	s.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		if res.Success {
			records = registry.UpdateStatus(records, id, registry.Completed(res.Text, res.Images))
			return registry.AppendHistoryStep(records, id, models.ProcessStep{Type: pt, Status: models.StepCompleted})
		}
		msg := res.Error
		if msg == "" {
			msg = "processing failed"
		}
		records = registry.UpdateStatus(records, id, registry.Failed(msg))
		return registry.AppendHistoryStep(records, id, models.ProcessStep{Type: pt, Status: models.StepFailed, Error: msg})
	})
}

func (s *Scheduler) readPayload(ctx context.Context, id string) ([]byte, error) {
	if s.payloads == nil {
		return nil, fmt.Errorf("no payload store configured")
	}
	return storage.ReadAll(ctx, s.payloads, id)
}
