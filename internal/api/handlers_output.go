// handlers_output.go - Read-only access to the parse output volume
package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/parseclient"
)

// maxOutputFileSize caps file_content responses.
const maxOutputFileSize = 16 << 20

// OutputHandlerImpl serves directory listings and file contents below one
// root directory. Responses use the same envelope the parse client reads
// back, so this server can stand in as a read-back endpoint.
type OutputHandlerImpl struct {
	dir    string
	logger *zap.Logger
}

// NewOutputHandler creates an output handler rooted at dir
func NewOutputHandler(dir string, logger *zap.Logger) OutputHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutputHandlerImpl{dir: dir, logger: logger}
}

// HandleOutput resolves the "path" query parameter below the output root
func (h *OutputHandlerImpl) HandleOutput(c echo.Context) error {
	rel, ok := cleanOutputPath(c.QueryParam("path"))
	if !ok {
		return outputError(c, http.StatusForbidden, "path escapes the output directory")
	}
	if h.dir == "" {
		return outputError(c, http.StatusServiceUnavailable, "no output directory configured")
	}

	root, err := os.OpenRoot(h.dir)
	if err != nil {
		h.logger.Error("output root unavailable", zap.String("dir", h.dir), zap.Error(err))
		return outputError(c, http.StatusServiceUnavailable, "output directory unavailable")
	}
	defer root.Close()

	name := rel
	if name == "" {
		name = "."
	}
	info, err := root.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return outputError(c, http.StatusNotFound, "path not found: "+rel)
		}
		return outputError(c, http.StatusForbidden, "path not accessible: "+rel)
	}

	if info.IsDir() {
		data, err := listDir(root, name, rel)
		if err != nil {
			return outputError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, parseclient.OutputResponse{Success: true, Data: data})
	}

	if info.Size() > maxOutputFileSize {
		return outputError(c, http.StatusRequestEntityTooLarge, "file too large")
	}
	f, err := root.Open(name)
	if err != nil {
		return outputError(c, http.StatusInternalServerError, err.Error())
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxOutputFileSize))
	if err != nil {
		return outputError(c, http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, parseclient.OutputResponse{
		Success: true,
		Data: &parseclient.OutputData{
			Type:    parseclient.OutputFileContent,
			Path:    rel,
			Content: string(content),
			Size:    info.Size(),
		},
	})
}

func listDir(root *os.Root, name, rel string) (*parseclient.OutputData, error) {
	dir, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	data := &parseclient.OutputData{Type: parseclient.OutputDirectoryContent, Path: rel}
	if rel == "" {
		data.Type = parseclient.OutputDirectoryList
	}
	data.Items = make([]parseclient.OutputItem, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "directory"
		}
		data.Items = append(data.Items, parseclient.OutputItem{
			Name: e.Name(),
			Path: path.Join(rel, e.Name()),
			Type: kind,
		})
	}
	return data, nil
}

// cleanOutputPath normalizes a client path to a slash-separated relative
// path. Reports false for paths that climb out of the root.
func cleanOutputPath(p string) (string, bool) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", true
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	p = path.Clean(p)
	if p == "." {
		return "", true
	}
	return p, true
}

func outputError(c echo.Context, status int, message string) error {
	return c.JSON(status, parseclient.OutputResponse{Success: false, Error: message})
}
