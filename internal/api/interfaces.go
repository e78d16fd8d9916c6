// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/service"
)

// FileHandler handles file registry operations
type FileHandler interface {
	HandleListFiles(c echo.Context) error
	HandleListFilesMsgpack(c echo.Context) error
	HandleAddFiles(c echo.Context) error
	HandleProcess(c echo.Context) error
	HandleUploadAndProcess(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleGetMarkdown(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
	HandleClearFiles(c echo.Context) error
	HandleRetryFile(c echo.Context) error
	HandleFileStream(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// OutputHandler serves the local output volume
type OutputHandler interface {
	HandleOutput(c echo.Context) error
}

// StatusSocketHandler pushes per-file status events over WebSocket
type StatusSocketHandler interface {
	HandleStatusSocket(c echo.Context) error
}

// FileService defines what the handlers need from the application service.
// This allows mocking in tests
type FileService interface {
	AddFiles(ctx context.Context, uploads []service.Upload) ([]models.FileRecord, error)
	UploadAndProcess(ctx context.Context, uploads []service.Upload, pt models.ProcessType, opts models.ParseOptions) ([]models.FileRecord, int, error)
	Start(ctx context.Context, pt models.ProcessType, opts models.ParseOptions) ([]models.FileRecord, int)
	Retry(ctx context.Context, id string) (models.FileRecord, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) int
	Records() []models.FileRecord
	Record(id string) (models.FileRecord, error)
	Subscribe() (<-chan []models.FileRecord, func())
}

// BackendChecker probes the parse backend
type BackendChecker interface {
	Health(ctx context.Context) error
}
