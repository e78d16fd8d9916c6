package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/doc-extract/backend/internal/livestatus"
	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/registry"
)

func TestDiffEvents(t *testing.T) {
	base := models.FileRecord{ID: "f1", Name: "a.pdf", Status: models.StatusUploaded}
	with := func(mod func(*models.FileRecord)) models.FileRecord {
		r := base
		mod(&r)
		return r
	}
	processing := with(func(r *models.FileRecord) {
		r.Status = models.StatusProcessing
		r.Progress = 10
		r.CurrentStep = "queued"
	})
	completed := with(func(r *models.FileRecord) {
		r.Status = models.StatusCompleted
		r.Progress = 100
		r.ResultText = "# A"
	})
	failed := with(func(r *models.FileRecord) {
		r.Status = models.StatusError
		r.ErrorMessage = "boom"
	})

	tests := []struct {
		name     string
		prev     []models.FileRecord
		next     []models.FileRecord
		wantType []string
	}{
		{"uploaded yields nothing", nil, []models.FileRecord{base}, nil},
		{"start processing", []models.FileRecord{base}, []models.FileRecord{processing}, []string{models.EventProgress}},
		{"unchanged progress", []models.FileRecord{processing}, []models.FileRecord{processing}, nil},
		{"step change", []models.FileRecord{processing}, []models.FileRecord{with(func(r *models.FileRecord) {
			r.Status = models.StatusProcessing
			r.Progress = 10
			r.CurrentStep = "uploading"
		})}, []string{models.EventProgress}},
		{"completion", []models.FileRecord{processing}, []models.FileRecord{completed}, []string{models.EventCompletion}},
		{"completion repeated", []models.FileRecord{completed}, []models.FileRecord{completed}, nil},
		{"failure", []models.FileRecord{processing}, []models.FileRecord{failed}, []string{models.EventError}},
		{"removed record", []models.FileRecord{processing}, nil, nil},
		{"catch up", nil, []models.FileRecord{completed}, []string{models.EventCompletion}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := diffEvents(indexRecords(tt.prev), tt.next)
			var types []string
			for _, ev := range events {
				types = append(types, ev.Type)
				assert.Equal(t, "f1", ev.FileID)
			}
			assert.Equal(t, tt.wantType, types)
		})
	}
}

func TestDiffEvents_Payloads(t *testing.T) {
	next := []models.FileRecord{
		{ID: "p", Status: models.StatusExtracting, Progress: 40, CurrentStep: "uploading"},
		{ID: "c", Status: models.StatusCompleted, Progress: 100, ResultText: "# Done"},
		{ID: "e", Status: models.StatusError, ErrorMessage: "request timed out after 5m0s"},
	}
	events := diffEvents(nil, next)
	require.Len(t, events, 3)

	require.NotNil(t, events[0].Progress)
	assert.Equal(t, 40, *events[0].Progress)
	assert.Equal(t, "uploading", events[0].Step)
	assert.Equal(t, "extracting", events[0].Status)

	assert.Equal(t, "# Done", events[1].ResultText())
	assert.Equal(t, "request timed out after 5m0s", events[2].Error)
}

func startSocketServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	e := echo.New()
	// Socket handlers outlive the test body, so they must not log through t.
	e.GET("/api/ws", NewStatusSocketHandler(env.svc, zap.NewNop()).HandleStatusSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func socketURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func TestStatusSocket_PushesEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := startSocketServer(t, env)

	ws, _, err := websocket.DefaultDialer.Dial(socketURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello WSMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, MsgTypeConnected, hello.Type)

	created := env.add(t, pdfFile)
	env.svc.Start(t.Context(), models.ProcessParse, models.ParseOptions{})

	var seen []string
	for {
		var ev models.StatusEvent
		require.NoError(t, ws.ReadJSON(&ev))
		require.Equal(t, created[0].ID, ev.FileID)
		seen = append(seen, ev.Type)
		if ev.Type == models.EventCompletion {
			assert.Equal(t, "# report.pdf", ev.ResultText())
			break
		}
	}
	assert.NotContains(t, seen, models.EventError)
}

func TestStatusSocket_PingPong(t *testing.T) {
	env := newTestEnv(t)
	srv := startSocketServer(t, env)

	ws, _, err := websocket.DefaultDialer.Dial(socketURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello WSMessage
	require.NoError(t, ws.ReadJSON(&hello))

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypePing}))
	var pong WSMessage
	require.NoError(t, ws.ReadJSON(&pong))
	assert.Equal(t, MsgTypePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "bogus"}))
	var errMsg WSMessage
	require.NoError(t, ws.ReadJSON(&errMsg))
	assert.Equal(t, MsgTypeError, errMsg.Type)
	assert.Contains(t, string(errMsg.Payload), "INVALID_TYPE")
}

// The live status channel must be able to consume what the socket pushes.
func TestStatusSocket_FeedsLiveStatusChannel(t *testing.T) {
	env := newTestEnv(t)
	srv := startSocketServer(t, env)

	created := env.add(t, pdfFile)
	mirror := registry.New()
	mirror.Apply(func(records []models.FileRecord) []models.FileRecord {
		return append(records, created...)
	})

	ch := livestatus.New(livestatus.Config{URL: socketURL(srv), MaxRetries: 1, BaseDelay: 10 * time.Millisecond}, mirror, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- ch.Run(t.Context()) }()
	t.Cleanup(func() { <-done })

	require.Eventually(t, func() bool { return ch.State() == livestatus.StateConnected }, 2*time.Second, 5*time.Millisecond)
	env.svc.Start(t.Context(), models.ProcessParse, models.ParseOptions{})

	require.Eventually(t, func() bool {
		rec, ok := mirror.Get(created[0].ID)
		return ok && rec.Status == models.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	rec, _ := mirror.Get(created[0].ID)
	assert.Equal(t, "# report.pdf", rec.ResultText)
	assert.Equal(t, 100, rec.Progress)
}
