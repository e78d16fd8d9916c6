package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/models"
)

// WebSocket message types besides the status events themselves
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
)

const (
	defaultPingPeriod = 30 * time.Second
	writeWait         = 10 * time.Second
)

// WebSocket control message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StatusSocketHandlerImpl pushes a progress_update, completion_update or
// error_update envelope whenever a record changes in a way a client cares
// about. The envelopes are the same ones the live status channel consumes.
type StatusSocketHandlerImpl struct {
	svc        FileService
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	pingPeriod time.Duration
}

// NewStatusSocketHandler creates a new status socket handler
func NewStatusSocketHandler(svc FileService, logger *zap.Logger) StatusSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusSocketHandlerImpl{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger:     logger,
		pingPeriod: defaultPingPeriod,
	}
}

// socketConn serializes writes; gorilla allows one concurrent writer.
type socketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *socketConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(v)
}

func (s *socketConn) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// HandleStatusSocket upgrades the connection and streams status events until
// the client disconnects. A new client first receives one event per record
// that is in flight or terminal.
func (h *StatusSocketHandlerImpl) HandleStatusSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	updates, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()
	current := h.svc.Records()
	prev := indexRecords(current)

	conn := &socketConn{ws: ws}
	log := h.logger.With(zap.String("remote", c.RealIP()))
	log.Debug("status socket connected")

	if err := conn.writeJSON(WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()}); err != nil {
		return nil
	}
	// Catch the client up on every record that is past the uploaded state.
	for _, ev := range diffEvents(nil, current) {
		if err := conn.writeJSON(ev); err != nil {
			return nil
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, log)
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Debug("status socket disconnected")
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			for _, ev := range diffEvents(prev, snap) {
				if err := conn.writeJSON(ev); err != nil {
					log.Debug("status socket write failed", zap.Error(err))
					return nil
				}
			}
			prev = indexRecords(snap)
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return nil
			}
		}
	}
}

// readLoop answers application-level pings and returns when the client
// closes the connection
func (h *StatusSocketHandlerImpl) readLoop(conn *socketConn, log *zap.Logger) {
	for {
		var msg WSMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("status socket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgTypePing:
			conn.writeJSON(WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		default:
			conn.writeJSON(WSMessage{
				Type:      MsgTypeError,
				Payload:   mustJSON(map[string]string{"message": "Unknown message type: " + msg.Type, "code": "INVALID_TYPE"}),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func indexRecords(records []models.FileRecord) map[string]models.FileRecord {
	out := make(map[string]models.FileRecord, len(records))
	for _, r := range records {
		out[r.ID] = r
	}
	return out
}

// diffEvents derives the status events that take prev to next. Records
// that did not change, that are merely uploaded, or that were removed yield
// nothing.
func diffEvents(prev map[string]models.FileRecord, next []models.FileRecord) []models.StatusEvent {
	var events []models.StatusEvent
	for _, rec := range next {
		old, seen := prev[rec.ID]
		switch {
		case rec.Status.InFlight():
			if seen && old.Status == rec.Status && old.Progress == rec.Progress && old.CurrentStep == rec.CurrentStep {
				continue
			}
			progress := rec.Progress
			events = append(events, models.StatusEvent{
				Type:     models.EventProgress,
				FileID:   rec.ID,
				Progress: &progress,
				Step:     rec.CurrentStep,
				Status:   string(rec.Status),
			})

		case rec.Status == models.StatusCompleted:
			if seen && old.Status == models.StatusCompleted && old.ResultText == rec.ResultText {
				continue
			}
			events = append(events, models.StatusEvent{
				Type:   models.EventCompletion,
				FileID: rec.ID,
				Status: string(rec.Status),
				Result: mustJSON(rec.ResultText),
			})

		case rec.Status == models.StatusError:
			if seen && old.Status == models.StatusError && old.ErrorMessage == rec.ErrorMessage {
				continue
			}
			events = append(events, models.StatusEvent{
				Type:   models.EventError,
				FileID: rec.ID,
				Status: string(rec.Status),
				Error:  rec.ErrorMessage,
			})
		}
	}
	return events
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
