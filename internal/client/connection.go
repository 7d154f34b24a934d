// Package client is the connection-resilience layer for game clients:
// automatic reconnection with backoff, a failure circuit breaker,
// heartbeats, and wholesale snapshot replacement on top of the gateway
// protocol.
package client

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/gateway"
	"github.com/rs/zerolog/log"
)

// State is the transport lifecycle. Failed is terminal: once the
// circuit breaker trips, only a fresh ConnManager can reconnect.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection manager closed")
)

// reconnectDelays is the backoff schedule; attempts beyond the last
// entry keep its value.
var reconnectDelays = []time.Duration{
	0,
	100 * time.Millisecond,
	300 * time.Millisecond,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

const (
	heartbeatInterval = 30 * time.Second
	breakerWindow     = 5 * time.Minute
	breakerLimit      = 10
)

// wireConn is the subset of *websocket.Conn the manager needs; tests
// substitute in-memory pipes.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one transport connection.
type DialFunc func(url string) (wireConn, error)

// WebsocketDial dials a real gorilla websocket.
func WebsocketDial(url string) (wireConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config wires a ConnManager.
type Config struct {
	URL   string
	Dial  DialFunc
	Clock clockwork.Clock

	// OnOpen fires exactly once per physical connection, after the
	// transport is up. The reconnect handshake lives here so it can
	// never be sent twice on one socket.
	OnOpen func()
	// OnMessage receives every inbound frame except peer heartbeats.
	OnMessage func(data []byte)
	// OnStateChange observes transport state transitions.
	OnStateChange func(State)
}

// ConnManager keeps one logical connection alive across physical
// drops. All reconnection happens inside the manager; callers only see
// state transitions and frames.
type ConnManager struct {
	mu    sync.Mutex
	wmu   sync.Mutex
	cfg   Config
	clock clockwork.Clock

	state   State
	conn    wireConn
	connGen int
	closed  bool

	attempt     int
	windowStart time.Time
	windowFails int
	retryTimer  clockwork.Timer
	// retryDone releases the goroutine waiting on a retry timer that
	// was cancelled before firing.
	retryDone chan struct{}
}

func NewConnManager(cfg Config) *ConnManager {
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDial
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &ConnManager{cfg: cfg, clock: cfg.Clock}
}

// Connect starts the first connection attempt.
func (m *ConnManager) Connect() {
	go m.connect()
}

// State returns the current transport state.
func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send writes one frame. Fails fast while the transport is down so the
// caller can surface the error instead of queueing stale commands.
func (m *ConnManager) Send(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// NotifyVisible reports that the app came back to the foreground; a
// pending backoff wait is skipped and the manager dials immediately.
// A tripped breaker is never restarted.
func (m *ConnManager) NotifyVisible() { m.kick() }

// NotifyOnline reports that network connectivity returned.
func (m *ConnManager) NotifyOnline() { m.kick() }

// Close shuts the manager down for good.
func (m *ConnManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopRetryTimerLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *ConnManager) kick() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopRetryTimerLocked()
	m.mu.Unlock()
	go m.connect()
}

func (m *ConnManager) connect() {
	m.mu.Lock()
	if m.closed || m.state == StateFailed || m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	dial, url := m.cfg.Dial, m.cfg.URL
	m.mu.Unlock()

	conn, err := dial(url)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Int("attempt", m.attempt).Msg("dial failed")
		m.handleFailureLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.connGen++
	gen := m.connGen
	m.attempt = 0
	m.setStateLocked(StateConnected)
	onOpen := m.cfg.OnOpen
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	go m.heartbeat(conn, gen)
	if onOpen != nil {
		onOpen()
	}
}

func (m *ConnManager) readLoop(conn wireConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		// Answer peer heartbeats here; they are transport traffic and
		// never reach the application.
		var msg gateway.Message
		if json.Unmarshal(data, &msg) == nil && msg.Type == gateway.CmdPing {
			pong, _ := json.Marshal(gateway.Message{Type: gateway.EventPong})
			m.wmu.Lock()
			conn.WriteMessage(websocket.TextMessage, pong)
			m.wmu.Unlock()
			continue
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(data)
		}
	}
}

func (m *ConnManager) heartbeat(conn wireConn, gen int) {
	ticker := m.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(gateway.Message{Type: gateway.CmdPing})
	for range ticker.Chan() {
		m.mu.Lock()
		stale := m.closed || gen != m.connGen
		m.mu.Unlock()
		if stale {
			return
		}
		m.wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, ping)
		m.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

func (m *ConnManager) connectionLost(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.connGen {
		return
	}
	log.Warn().Err(err).Msg("connection lost")
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.handleFailureLocked()
}

// handleFailureLocked records one failure against the rolling breaker
// window, then either trips the breaker or schedules the next attempt.
func (m *ConnManager) handleFailureLocked() {
	now := m.clock.Now()
	if m.windowStart.IsZero() || now.Sub(m.windowStart) >= breakerWindow {
		m.windowStart = now
		m.windowFails = 0
	}
	m.windowFails++

	if m.windowFails >= breakerLimit {
		log.Error().
			Int("failures", m.windowFails).
			Dur("window", breakerWindow).
			Msg("connection circuit breaker tripped")
		m.setStateLocked(StateFailed)
		return
	}

	m.setStateLocked(StateDisconnected)
	idx := m.attempt
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	delay := reconnectDelays[idx]
	m.attempt++

	m.stopRetryTimerLocked()
	m.retryTimer = m.clock.NewTimer(delay)
	m.retryDone = make(chan struct{})
	go func(t clockwork.Timer, done chan struct{}) {
		select {
		case <-t.Chan():
			m.connect()
		case <-done:
		}
	}(m.retryTimer, m.retryDone)

	log.Info().
		Dur("delay", delay).
		Int("attempt", m.attempt).
		Msg("reconnect scheduled")
}

func (m *ConnManager) stopRetryTimerLocked() {
	if m.retryTimer == nil {
		return
	}
	m.retryTimer.Stop()
	m.retryTimer = nil
	close(m.retryDone)
	m.retryDone = nil
}

func (m *ConnManager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.cfg.OnStateChange != nil {
		go m.cfg.OnStateChange(s)
	}
}
