// Package livestatus consumes the backend's pushed per-file status events and
// folds them into the registry.
package livestatus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/models"
	"github.com/doc-extract/backend/internal/registry"
)

// State is the connection state of the channel.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Defaults for reconnect behaviour.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
)

// ErrRetriesExhausted is returned by Run after the last reconnect attempt
// fails.
var ErrRetriesExhausted = errors.New("live status: max reconnect attempts reached")

// Config configures the channel.
type Config struct {
	URL              string
	MaxRetries       int
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration
}

// DeriveURL maps an HTTP base URL onto the status socket URL:
// http becomes ws, https becomes wss, a bare host gets ws://, and /ws is
// appended.
func DeriveURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		base = "ws://" + base
	}
	return base + "/ws"
}

// Channel keeps one socket open to the backend, reconnecting with linear
// backoff (attempt × BaseDelay) up to MaxRetries times in a row.
type Channel struct {
	cfg      Config
	registry *registry.Registry
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu      sync.RWMutex
	state   State
	watches []func(State)
}

// New creates a channel. It does not connect until Run is called.
func New(cfg Config, reg *registry.Registry, logger *zap.Logger) *Channel {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		registry: reg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With(zap.String("url", cfg.URL)),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers a callback for state transitions.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watches = append(c.watches, fn)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watches := append(([]func(State))(nil), c.watches...)
	c.mu.Unlock()

	for _, fn := range watches {
		fn(s)
	}
}

// Run connects and consumes events until ctx is done or reconnects are
// exhausted. A successful connection resets the attempt counter.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			attempt = 0
			c.setState(StateConnected)
			c.logger.Info("live status connected")
			c.consume(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Warn("live status dial failed", zap.Error(err))
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.cfg.MaxRetries {
			c.logger.Error("live status giving up", zap.Int("attempts", attempt))
			return ErrRetriesExhausted
		}

		attempt++
		delay := time.Duration(attempt) * c.cfg.BaseDelay
		c.logger.Info("live status reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxRetries),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Channel) consume(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("live status connection lost", zap.Error(err))
			}
			return
		}
		c.Handle(data)
	}
}

// Handle decodes one message and applies it. Malformed messages, unknown
// types and unknown file ids are dropped. Reports whether the registry
// changed.
func (c *Channel) Handle(data []byte) bool {
	var ev models.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug("dropping malformed status message", zap.Error(err))
		return false
	}
	switch ev.Type {
	case models.EventProgress, models.EventCompletion, models.EventError:
	default:
		c.logger.Debug("dropping unknown status message", zap.String("type", ev.Type))
		return false
	}

	changed := false
	c.registry.Apply(func(records []models.FileRecord) []models.FileRecord {
		out := registry.ApplyEvent(records, ev)
		changed = !sameRecords(records, out)
		return out
	})
	if changed {
		c.logger.Debug("status applied", zap.String("type", ev.Type), zap.String("file_id", ev.FileID))
	}
	return changed
}

func sameRecords(a, b []models.FileRecord) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
