package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/awray/huddle/internal/backoff"
	"github.com/awray/huddle/internal/events"
	"github.com/awray/huddle/internal/wire"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// livenessFirstTick is the delay before the first connection
	// check, so a freshly started process connects promptly.
	livenessFirstTick = 1 * time.Second

	// livenessInterval is the steady-state connection check period.
	livenessInterval = 60 * time.Second

	// stuckClosingCap is the number of consecutive liveness checks a
	// connection may sit in Closing before being force-terminated.
	// Guards against sockets that never finish their close handshake.
	stuckClosingCap = 50

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 30 * time.Second

	// readLimit is the maximum inbound frame size. Sync batches are
	// bounded server-side; 16MB leaves generous headroom.
	readLimit = 16 * 1024 * 1024
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// wsConn abstracts the websocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Handler consumes one inbound envelope of a registered type.
type Handler func(ctx context.Context, data []byte)

// HealthReporter reports whether the server is reachable. Maintained
// by an external health-check collaborator; the manager only reads it.
type HealthReporter interface {
	Available() bool
}

type dialFunc func(ctx context.Context) (wsConn, error)

// Config holds the parameters for one account connection.
type Config struct {
	URL     string
	Token   string
	Device  string
	Backoff *backoff.Calculator
	Router  *events.Router
	Health  HealthReporter
}

// Manager owns the one persistent bidirectional connection for an
// account. It drives reconnect and keepalive through the backoff
// calculator and dispatches inbound envelopes by type to registered
// handlers. Connection failures are never fatal: they degrade to the
// backoff-gated liveness loop and resume when the server is back.
type Manager struct {
	logger  *slog.Logger
	url     string
	token   string
	device  string
	backoff *backoff.Calculator
	router  *events.Router
	health  HealthReporter
	dial    dialFunc

	mu           sync.Mutex
	state        State
	conn         wsConn
	gen          int
	connCancel   context.CancelFunc
	closingTicks int

	// writeMu serializes frame writes; the websocket allows one
	// concurrent reader and one concurrent writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		logger:   logger,
		url:      cfg.URL,
		token:    cfg.Token,
		device:   cfg.Device,
		backoff:  cfg.Backoff,
		router:   cfg.Router,
		health:   cfg.Health,
		state:    StateClosed,
		handlers: make(map[string]Handler),
	}
	m.dial = m.dialWebsocket

	return m
}

// RegisterHandler routes inbound envelopes of the given type to h.
// Registration happens during wiring, before Run.
func (m *Manager) RegisterHandler(msgType string, h Handler) {
	m.handlersMu.Lock()
	m.handlers[msgType] = h
	m.handlersMu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Init opens the connection if possible. No-op when the server is
// marked unavailable or a dial is already in flight; a keepalive ping
// when the socket is already open; a silent return when backoff says
// it is too soon (the liveness loop re-polls).
func (m *Manager) Init(ctx context.Context) {
	if m.health != nil && !m.health.Available() {
		return
	}

	m.mu.Lock()
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		m.ping()
		return
	case StateConnecting, StateClosing:
		m.mu.Unlock()
		return
	case StateClosed:
	}

	if !m.backoff.CanRetry() {
		m.mu.Unlock()
		return
	}

	m.state = StateConnecting
	m.mu.Unlock()

	c, err := m.dial(ctx)
	if err != nil {
		m.logger.Warn("connect failed", slog.String("error", err.Error()))
		m.backoff.IncreaseError()
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.conn = c
	m.gen++
	gen := m.gen
	m.connCancel = cancel
	m.state = StateOpen
	m.closingTicks = 0
	m.mu.Unlock()

	m.backoff.Reset()
	m.logger.Info("connected", slog.String("url", m.url))
	m.router.Publish(events.ConnectionOpened{})

	go m.readLoop(connCtx, c, gen)
}

// readLoop reads frames until the connection errors, feeding the
// dispatch table. One loop per connection generation; a stale loop
// from a replaced connection cannot clobber the new one.
func (m *Manager) readLoop(ctx context.Context, c wsConn, gen int) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		msgType := gjson.GetBytes(data, "type").Str
		if msgType == wire.TypePong {
			continue
		}

		m.dispatch(ctx, msgType, data)
	}
}

func (m *Manager) dispatch(ctx context.Context, msgType string, data []byte) {
	m.handlersMu.RLock()
	h, ok := m.handlers[msgType]
	m.handlersMu.RUnlock()

	if !ok {
		m.logger.Debug("unhandled message", slog.String("type", msgType))
		return
	}

	h(ctx, data)
}

func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A reader from a previous connection; the manager already
		// moved on.
		m.mu.Unlock()
		return
	}

	m.state = StateClosed
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	m.backoff.IncreaseError()
	m.logger.Warn("connection lost", slog.String("error", err.Error()))
	m.router.Publish(events.ConnectionClosed{})
}

// Send marshals v and writes it as a text frame. Returns false when
// the envelope could not be delivered now (socket not open, write
// failed); callers treat false as "retry later", not as an error.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	c := m.conn
	open := m.state == StateOpen
	gen := m.gen
	m.mu.Unlock()

	if !open || c == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshalling outbound message", slog.String("error", err.Error()))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	m.writeMu.Lock()
	err = c.Write(ctx, websocket.MessageText, data)
	m.writeMu.Unlock()

	if err != nil {
		m.handleDisconnect(gen, err)
		return false
	}

	return true
}

func (m *Manager) ping() {
	m.Send(wire.NewPing())
}

// Run drives the periodic liveness task until ctx is cancelled: ping
// when open, reopen when closed (subject to backoff), force-terminate
// a connection stuck in Closing.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(livenessFirstTick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-timer.C:
			m.checkConnection(ctx)
			timer.Reset(livenessInterval)
		}
	}
}

func (m *Manager) checkConnection(ctx context.Context) {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	switch st {
	case StateOpen:
		m.ping()

	case StateClosed:
		m.Init(ctx)

	case StateClosing:
		m.mu.Lock()
		m.closingTicks++
		stuck := m.closingTicks > stuckClosingCap
		c := m.conn
		if stuck {
			m.state = StateClosed
			m.conn = nil
			m.closingTicks = 0
		}
		m.mu.Unlock()

		if stuck && c != nil {
			m.logger.Warn("force-terminating connection stuck in closing")
			_ = c.Close(websocket.StatusGoingAway, "close handshake timed out")
		}

	case StateConnecting:
		// Dial in flight; leave it alone.
	}
}

// Close cleanly shuts down the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.conn
	cancel := m.connCancel
	m.conn = nil
	m.connCancel = nil
	m.state = StateClosing
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if c != nil {
		err = c.Close(websocket.StatusNormalClosure, "bye")
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	return err
}

func (m *Manager) dialWebsocket(ctx context.Context) (wsConn, error) {
	c, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + m.token},
			"X-Device-Name": []string{m.device},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	c.SetReadLimit(readLimit)

	return c, nil
}
