// handlers_files.go - File registry operation handlers
package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/service"
)

// sseKeepAlive is how often an idle snapshot stream sends a comment line.
const sseKeepAlive = 15 * time.Second

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	svc    FileService
	logger *zap.Logger
}

// NewFileHandler creates a new file handler instance
func NewFileHandler(svc FileService, logger *zap.Logger) FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandlerImpl{svc: svc, logger: logger}
}

// HandleListFiles returns the current registry snapshot
func (h *FileHandlerImpl) HandleListFiles(c echo.Context) error {
	return c.JSON(http.StatusOK, newFilesResponse(h.svc.Records()))
}

// HandleListFilesMsgpack returns the snapshot in MessagePack format
func (h *FileHandlerImpl) HandleListFilesMsgpack(c echo.Context) error {
	data, err := msgpack.Marshal(newFilesResponse(h.svc.Records()))
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleAddFiles accepts one or more files (multipart field "files") and
// adds them to the registry in the uploaded state
func (h *FileHandlerImpl) HandleAddFiles(c echo.Context) error {
	uploads, closeAll, err := formUploads(c)
	if err != nil {
		return err
	}
	defer closeAll()

	created, err := h.svc.AddFiles(c.Request().Context(), uploads)
	if err != nil {
		return NewInternalError("failed to add files", err)
	}
	return c.JSON(http.StatusCreated, created)
}

// HandleProcess starts a batch over every eligible record. The batch runs in
// the background; records are already marked in flight when this returns
func (h *FileHandlerImpl) HandleProcess(c echo.Context) error {
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	pt, err := models.ParseProcessType(req.ProcessType)
	if err != nil {
		return NewBadRequestError("invalid processType", err)
	}

	snap, claimed := h.svc.Start(c.Request().Context(), pt, req.Options)
	return c.JSON(http.StatusAccepted, processResponse{
		ProcessType: pt,
		Claimed:     claimed,
		Files:       snap,
	})
}

// HandleUploadAndProcess adds files and starts a batch in one call. The
// process type and options come from the "processType" and "options" form
// fields; options is a JSON object
func (h *FileHandlerImpl) HandleUploadAndProcess(c echo.Context) error {
	pt, err := models.ParseProcessType(c.FormValue("processType"))
	if err != nil {
		return NewBadRequestError("invalid processType", err)
	}
	var opts models.ParseOptions
	if raw := c.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return NewBadRequestError("invalid options", err)
		}
	}

	uploads, closeAll, err := formUploads(c)
	if err != nil {
		return err
	}
	defer closeAll()

	snap, claimed, err := h.svc.UploadAndProcess(c.Request().Context(), uploads, pt, opts)
	if err != nil {
		return NewInternalError("failed to add files", err)
	}
	return c.JSON(http.StatusAccepted, processResponse{
		ProcessType: pt,
		Claimed:     claimed,
		Files:       snap,
	})
}

// HandleGetFile returns one record
func (h *FileHandlerImpl) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.svc.Record(id)
	if err != nil {
		return fromServiceError(err, id)
	}
	return c.JSON(http.StatusOK, rec)
}

// HandleGetMarkdown downloads the extracted markdown of a completed record
func (h *FileHandlerImpl) HandleGetMarkdown(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.svc.Record(id)
	if err != nil {
		return fromServiceError(err, id)
	}
	if rec.Status != models.StatusCompleted {
		return NewConflictError(fmt.Sprintf("file %s is %s, not completed", id, rec.Status))
	}

	name := strings.TrimSuffix(rec.Name, path.Ext(rec.Name)) + ".md"
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(rec.ResultText))
}

// HandleDeleteFile removes a record and its payload
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.Remove(c.Request().Context(), id); err != nil {
		return fromServiceError(err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleClearFiles removes every record
func (h *FileHandlerImpl) HandleClearFiles(c echo.Context) error {
	removed := h.svc.Clear(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

// HandleRetryFile resets a failed or completed record and processes it again
func (h *FileHandlerImpl) HandleRetryFile(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.svc.Retry(c.Request().Context(), id)
	if err != nil {
		return fromServiceError(err, id)
	}
	return c.JSON(http.StatusAccepted, rec)
}

// HandleFileStream streams registry snapshots via SSE until the client goes
// away
func (h *FileHandlerImpl) HandleFileStream(c echo.Context) error {
	updates, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	// The stream outlives the server write timeout.
	if err := http.NewResponseController(c.Response().Writer).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("cannot clear write deadline", zap.Error(err))
	}
	c.Response().WriteHeader(http.StatusOK)

	// Send initial state
	if err := sendSSEData(c, newFilesResponse(h.svc.Records())); err != nil {
		return nil
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := sendSSEData(c, newFilesResponse(snap)); err != nil {
				h.logger.Debug("snapshot stream closed", zap.Error(err))
				return nil
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Response(), ": keepalive\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

type processRequest struct {
	ProcessType string              `json:"processType"`
	Options     models.ParseOptions `json:"options"`
}

type processResponse struct {
	ProcessType models.ProcessType  `json:"processType"`
	Claimed     int                 `json:"claimed"`
	Files       []models.FileRecord `json:"files"`
}

type filesSummary struct {
	Total     int `json:"total" msgpack:"total"`
	Uploaded  int `json:"uploaded" msgpack:"uploaded"`
	InFlight  int `json:"inFlight" msgpack:"inFlight"`
	Completed int `json:"completed" msgpack:"completed"`
	Failed    int `json:"failed" msgpack:"failed"`
}

type filesResponse struct {
	Files   []models.FileRecord `json:"files" msgpack:"files"`
	Summary filesSummary        `json:"summary" msgpack:"summary"`
}

func newFilesResponse(records []models.FileRecord) filesResponse {
	if records == nil {
		records = []models.FileRecord{}
	}
	resp := filesResponse{Files: records}
	resp.Summary.Total = len(records)
	for _, r := range records {
		switch {
		case r.Status == models.StatusUploaded:
			resp.Summary.Uploaded++
		case r.Status.InFlight():
			resp.Summary.InFlight++
		case r.Status == models.StatusCompleted:
			resp.Summary.Completed++
		case r.Status == models.StatusError:
			resp.Summary.Failed++
		}
	}
	return resp
}

// formUploads opens every file in the "files" multipart field. The returned
// func closes them.
func formUploads(c echo.Context) ([]service.Upload, func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, NewBadRequestError("invalid multipart form", err)
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return nil, nil, NewValidationError("files")
	}

	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	uploads := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, nil, NewBadRequestError("failed to open uploaded file", err)
		}
		opened = append(opened, f)
		uploads = append(uploads, service.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Reader:      f,
		})
	}
	return uploads, closeAll, nil
}

func sendSSEData(c echo.Context, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
