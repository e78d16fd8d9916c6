// handlers_files_test.go - Tests for file registry handlers
package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/parseclient"
	"github.com/doc-extract/backend/internal/registry"
	"github.com/doc-extract/backend/internal/scheduler"
	"github.com/doc-extract/backend/internal/service"
	"github.com/doc-extract/backend/internal/testutil"
)

type testEnv struct {
	svc    *service.Service
	parser *testutil.FakeParser
	store  *testutil.MockStorage
	files  FileHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New()
	store := testutil.NewMockStorage()
	parser := testutil.NewFakeParser()
	logger := zaptest.NewLogger(t)
	sched := scheduler.New(reg, parser, store, 2, logger)
	svc := service.New(reg, store, sched, models.ParseOptions{}, logger)
	t.Cleanup(func() {
		parser.Release()
		svc.Wait()
	})
	return &testEnv{
		svc:    svc,
		parser: parser,
		store:  store,
		files:  NewFileHandler(svc, logger),
	}
}

type formFile struct {
	name        string
	contentType string
	body        string
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.contentType)
		part, err := writer.CreatePart(h)
		require.NoError(t, err)
		part.Write([]byte(f.body))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func (env *testEnv) add(t *testing.T, files ...formFile) []models.FileRecord {
	t.Helper()
	uploads := make([]service.Upload, 0, len(files))
	for _, f := range files {
		uploads = append(uploads, service.Upload{Name: f.name, ContentType: f.contentType, Reader: strings.NewReader(f.body)})
	}
	created, err := env.svc.AddFiles(t.Context(), uploads)
	require.NoError(t, err)
	return created
}

func assertAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T (%v)", err, err)
	}
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, code, apiErr.Code)
}

var (
	pdfFile = formFile{name: "report.pdf", contentType: "application/pdf", body: "%PDF-1.7"}
	mdFile  = formFile{name: "notes.md", contentType: "text/markdown", body: "# Notes"}
)

func TestFileHandler_HandleAddFiles(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()

	body, ct := multipartBody(t, nil, pdfFile, mdFile)
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, env.files.HandleAddFiles(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var created []models.FileRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created, 2)
	assert.Equal(t, models.StatusUploaded, created[0].Status)
	assert.Equal(t, models.KindPDF, created[0].Kind)
	assert.Equal(t, "application/pdf", created[0].ContentType)
	assert.Equal(t, models.StatusCompleted, created[1].Status)
	assert.Equal(t, "# Notes", created[1].ResultText)
	assert.Equal(t, 2, env.store.Count())
}

func TestFileHandler_HandleAddFiles_NoFiles(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()

	body, ct := multipartBody(t, map[string]string{"other": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set(echo.HeaderContentType, ct)
	c := e.NewContext(req, httptest.NewRecorder())

	assertAPIError(t, env.files.HandleAddFiles(c), http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestFileHandler_HandleProcess(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantClaimed int
		wantErrCode string
	}{
		{name: "parse", body: `{"processType":"parse","options":{"lang":"en"}}`, wantClaimed: 1},
		{name: "default type", body: `{}`, wantClaimed: 1},
		{name: "unknown type", body: `{"processType":"shred"}`, wantErrCode: "BAD_REQUEST"},
		{name: "bad json", body: `{"processType":`, wantErrCode: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.add(t, pdfFile, mdFile)
			e := echo.New()

			req := httptest.NewRequest(http.MethodPost, "/api/files/process", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := env.files.HandleProcess(c)
			if tt.wantErrCode != "" {
				assertAPIError(t, err, http.StatusBadRequest, tt.wantErrCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, http.StatusAccepted, rec.Code)

			var resp processResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantClaimed, resp.Claimed)
			assert.Equal(t, models.ProcessParse, resp.ProcessType)

			env.svc.Wait()
			for _, r := range env.svc.Records() {
				assert.Equal(t, models.StatusCompleted, r.Status, r.Name)
			}
		})
	}
}

func TestFileHandler_HandleProcess_MarksBeforeResponding(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, pdfFile)
	env.parser.Block()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/files/process", strings.NewReader(`{"processType":"parse"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, env.files.HandleProcess(e.NewContext(req, rec)))

	var resp processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 1)
	assert.Equal(t, models.StatusProcessing, resp.Files[0].Status)
	assert.Equal(t, scheduler.StepQueued, resp.Files[0].CurrentStep)
}

func TestFileHandler_HandleUploadAndProcess(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()

	body, ct := multipartBody(t, map[string]string{
		"processType": "parse",
		"options":     `{"backend":"vlm"}`,
	}, pdfFile)
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload-and-process", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()

	require.NoError(t, env.files.HandleUploadAndProcess(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	env.svc.Wait()
	records := env.svc.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusCompleted, records[0].Status)
	assert.Equal(t, "# report.pdf", records[0].ResultText)
}

func TestFileHandler_HandleUploadAndProcess_BadOptions(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()

	body, ct := multipartBody(t, map[string]string{"options": "{nope"}, pdfFile)
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload-and-process", body)
	req.Header.Set(echo.HeaderContentType, ct)

	assertAPIError(t, env.files.HandleUploadAndProcess(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest, "BAD_REQUEST")
	assert.Empty(t, env.svc.Records())
}

func TestFileHandler_HandleGetFile(t *testing.T) {
	env := newTestEnv(t)
	created := env.add(t, pdfFile)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created[0].ID)
	require.NoError(t, env.files.HandleGetFile(c))
	assert.Contains(t, rec.Body.String(), `"name":"report.pdf"`)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	assertAPIError(t, env.files.HandleGetFile(c), http.StatusNotFound, "NOT_FOUND")
}

func TestFileHandler_HandleGetMarkdown(t *testing.T) {
	env := newTestEnv(t)
	created := env.add(t, mdFile, pdfFile)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(created[0].ID)
	require.NoError(t, env.files.HandleGetMarkdown(c))
	assert.Equal(t, "# Notes", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/markdown")
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `filename="notes.md"`)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(created[1].ID)
	assertAPIError(t, env.files.HandleGetMarkdown(c), http.StatusConflict, "CONFLICT")
}

func TestFileHandler_DeleteAndClear(t *testing.T) {
	env := newTestEnv(t)
	created := env.add(t, pdfFile, mdFile)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(created[0].ID)
	require.NoError(t, env.files.HandleDeleteFile(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.store.Has(created[0].ID))

	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(created[0].ID)
	assertAPIError(t, env.files.HandleDeleteFile(c), http.StatusNotFound, "NOT_FOUND")

	rec = httptest.NewRecorder()
	require.NoError(t, env.files.HandleClearFiles(e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)))
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	assert.Empty(t, env.svc.Records())
}

func TestFileHandler_HandleRetryFile(t *testing.T) {
	env := newTestEnv(t)
	env.parser.Results["report.pdf"] = parseclient.Result{Error: "server returned 500: boom"}
	created := env.add(t, pdfFile)
	id := created[0].ID
	e := echo.New()

	retry := func() (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return rec, env.files.HandleRetryFile(c)
	}

	_, err := retry()
	assertAPIError(t, err, http.StatusConflict, "CONFLICT")

	env.svc.Start(t.Context(), models.ProcessParse, models.ParseOptions{})
	env.svc.Wait()
	failed, _ := env.svc.Record(id)
	require.Equal(t, models.StatusError, failed.Status)

	delete(env.parser.Results, "report.pdf")
	rec, err := retry()
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	env.svc.Wait()
	done, _ := env.svc.Record(id)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestFileHandler_HandleListFilesMsgpack(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, pdfFile, mdFile)
	e := echo.New()

	rec := httptest.NewRecorder()
	require.NoError(t, env.files.HandleListFilesMsgpack(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var resp filesResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Files, 2)
	assert.Equal(t, filesSummary{Total: 2, Uploaded: 1, Completed: 1}, resp.Summary)
}

func TestFileHandler_HandleListFiles_Empty(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	require.NoError(t, env.files.HandleListFiles(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.Contains(t, rec.Body.String(), `"files":[]`)
}

// readSnapshots returns a func yielding the next snapshot on an SSE stream.
func readSnapshots(t *testing.T, resp *http.Response) func() filesResponse {
	t.Helper()
	events := make(chan filesResponse, 8)
	go func() {
		defer close(events)
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
			if !ok {
				continue
			}
			var fr filesResponse
			if json.Unmarshal([]byte(data), &fr) == nil {
				events <- fr
			}
		}
	}()

	return func() filesResponse {
		select {
		case fr := <-events:
			return fr
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return filesResponse{}
		}
	}
}

func TestFileHandler_HandleFileStream(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()
	e.GET("/api/files/stream", env.files.HandleFileStream)
	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/files/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	next := readSnapshots(t, resp)
	assert.Empty(t, next().Files)

	env.add(t, pdfFile)
	snap := next()
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "report.pdf", snap.Files[0].Name)
}

func TestFileHandler_HandleFileStream_OutlivesWriteTimeout(t *testing.T) {
	env := newTestEnv(t)
	e := echo.New()
	e.GET("/api/files/stream", NewFileHandler(env.svc, zap.NewNop()).HandleFileStream)
	srv := httptest.NewUnstartedServer(e)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/files/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	next := readSnapshots(t, resp)
	assert.Empty(t, next().Files)

	time.Sleep(400 * time.Millisecond)
	env.add(t, pdfFile)
	snap := next()
	require.Len(t, snap.Files, 1)
}
