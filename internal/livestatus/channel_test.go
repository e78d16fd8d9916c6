package livestatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/registry"
)

func seeded(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Apply(func(records []models.FileRecord) []models.FileRecord {
		return append(records,
			registry.Create(registry.Source{Name: "a.pdf", Size: 1, ContentType: "application/pdf"}, "file-a"),
			registry.Create(registry.Source{Name: "b.pdf", Size: 1, ContentType: "application/pdf"}, "file-b"),
		)
	})
	reg.Update("file-a", registry.Processing(10, "queued"))
	return reg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeriveURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws"},
		{"https://parse.example.com/", "wss://parse.example.com/ws"},
		{"localhost:8000", "ws://localhost:8000/ws"},
		{"wss://already.example.com", "wss://already.example.com/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveURL(tt.in))
		})
	}
}

func TestHandle(t *testing.T) {
	t.Run("progress while in flight", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))

		assert.True(t, c.Handle([]byte(`{"type":"progress_update","file_id":"file-a","progress":55,"step":"ocr","status":"processing"}`)))
		rec, _ := reg.Get("file-a")
		assert.Equal(t, 55, rec.Progress)
		assert.Equal(t, "ocr", rec.CurrentStep)
	})

	t.Run("progress ignored when not in flight", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))

		assert.False(t, c.Handle([]byte(`{"type":"progress_update","file_id":"file-b","progress":55}`)))
		rec, _ := reg.Get("file-b")
		assert.Equal(t, models.StatusUploaded, rec.Status)
	})

	t.Run("completion with object result", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))

		assert.True(t, c.Handle([]byte(`{"type":"completion_update","file_id":"file-a","status":"completed","result":{"md_content":"# Done"}}`)))
		rec, _ := reg.Get("file-a")
		assert.Equal(t, models.StatusCompleted, rec.Status)
		assert.Equal(t, 100, rec.Progress)
		assert.Equal(t, "# Done", rec.ResultText)
	})

	t.Run("repeated completion reports no change", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))
		msg := []byte(`{"type":"completion_update","file_id":"file-a","result":"# Done"}`)

		require.True(t, c.Handle(msg))
		updates, unsubscribe := reg.Subscribe()
		defer unsubscribe()

		assert.False(t, c.Handle(msg))
		select {
		case <-updates:
			t.Fatal("identical completion published a snapshot")
		default:
		}
	})

	t.Run("completion without result on errored record is dropped", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))

		require.True(t, c.Handle([]byte(`{"type":"error_update","file_id":"file-a","error":"boom"}`)))
		assert.False(t, c.Handle([]byte(`{"type":"completion_update","file_id":"file-a","status":"completed"}`)))
		rec, _ := reg.Get("file-a")
		assert.Equal(t, models.StatusError, rec.Status)
		assert.Equal(t, "boom", rec.ErrorMessage)
	})

	t.Run("error", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))

		assert.True(t, c.Handle([]byte(`{"type":"error_update","file_id":"file-a","status":"error","error":"gpu lost"}`)))
		rec, _ := reg.Get("file-a")
		assert.Equal(t, models.StatusError, rec.Status)
		assert.Equal(t, "gpu lost", rec.ErrorMessage)
		assert.Equal(t, 0, rec.Progress)
	})

	t.Run("dropped messages", func(t *testing.T) {
		reg := seeded(t)
		c := New(Config{}, reg, zaptest.NewLogger(t))
		before := reg.Snapshot()

		assert.False(t, c.Handle([]byte(`not json`)))
		assert.False(t, c.Handle([]byte(`{"type":"heartbeat","file_id":"file-a"}`)))
		assert.False(t, c.Handle([]byte(`{"type":"error_update","file_id":"nope","error":"x"}`)))
		assert.Equal(t, before, reg.Snapshot())
	})
}

func TestRun_AppliesPushedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress_update","file_id":"file-a","progress":40,"step":"layout"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"completion_update","file_id":"file-a","result":"# Pushed"}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := seeded(t)
	c := New(Config{URL: wsURL(srv), MaxRetries: 1, BaseDelay: 10 * time.Millisecond}, reg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, _ := reg.Get("file-a")
		return rec.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())

	rec, _ := reg.Get("file-a")
	assert.Equal(t, "# Pushed", rec.ResultText)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRun_GivesUpAfterMaxRetries(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), MaxRetries: 2, BaseDelay: time.Millisecond}, registry.New(), zaptest.NewLogger(t))

	err := c.Run(t.Context())

	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRun_ReconnectResetsAttempts(t *testing.T) {
	var (
		accepted atomic.Int32
		upgrader websocket.Upgrader
	)
	// Every connection is accepted and then dropped at once, so the channel
	// must keep reconnecting well beyond MaxRetries.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	c := New(Config{URL: wsURL(srv), MaxRetries: 1, BaseDelay: time.Millisecond}, registry.New(), zaptest.NewLogger(t))

	var (
		mu     sync.Mutex
		states []State
	)
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return accepted.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states[:3])
}
