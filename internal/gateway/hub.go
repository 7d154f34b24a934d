package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub owns every live WebSocket connection, grouped by session once a
// connection has bound itself through CREATE_GAME, JOIN_GAME or
// RECONNECT. Broadcasts go through a buffered channel so callers never
// block on a slow socket.
type Hub struct {
	mu    sync.RWMutex
	pools map[uuid.UUID]map[*Conn]bool

	upgrader    websocket.Upgrader
	config      ConnConfig
	broadcastCh chan broadcast
	onMessage   func(*Conn, []byte)
	onClose     func(*Conn)
}

// Conn is one client's WebSocket. SessionID and PlayerID are zero until
// the connection binds to a seat; after that they never change for the
// lifetime of the socket.
type Conn struct {
	ID        string
	SessionID uuid.UUID
	PlayerID  uuid.UUID

	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	connectedAt time.Time
}

// ConnConfig holds WebSocket transport settings.
type ConnConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcast struct {
	sessionID uuid.UUID
	data      []byte
}

// DefaultConnConfig returns the production transport settings.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewHub creates a Hub. onMessage receives every inbound frame from a
// connection; onClose fires once when a connection's read pump exits.
func NewHub(config ConnConfig, onMessage func(*Conn, []byte), onClose func(*Conn)) *Hub {
	return &Hub{
		pools: make(map[uuid.UUID]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
		onMessage:   onMessage,
		onClose:     onClose,
	}
}

// Start processes queued broadcasts until the context is cancelled.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hub shutting down")
			return
		case b := <-h.broadcastCh:
			h.deliver(b)
		}
	}
}

// ServeWS upgrades an HTTP request and starts the connection's pumps.
// The connection stays unbound until its first successful session
// command.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{
		ID:          uuid.New().String(),
		ws:          ws,
		send:        make(chan []byte, 256),
		hub:         h,
		connectedAt: time.Now(),
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")
}

// Bind attaches a connection to a session pool. Rebinding to a new
// session first detaches from the old pool.
func (h *Hub) Bind(c *Conn, sessionID, playerID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.SessionID != uuid.Nil {
		h.detachLocked(c)
	}
	c.SessionID = sessionID
	c.PlayerID = playerID
	if h.pools[sessionID] == nil {
		h.pools[sessionID] = make(map[*Conn]bool)
	}
	h.pools[sessionID][c] = true

	log.Debug().
		Str("connection_id", c.ID).
		Str("session_id", sessionID.String()).
		Str("player_id", playerID.String()).
		Int("pool_size", len(h.pools[sessionID])).
		Msg("connection bound")
}

// Unbind detaches a connection from its session pool without closing
// the socket.
func (h *Hub) Unbind(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
	c.SessionID = uuid.Nil
	c.PlayerID = uuid.Nil
}

func (h *Hub) detachLocked(c *Conn) {
	pool, ok := h.pools[c.SessionID]
	if !ok {
		return
	}
	delete(pool, c)
	if len(pool) == 0 {
		delete(h.pools, c.SessionID)
	}
}

// Broadcast queues data for every connection bound to the session.
// Never blocks; a full queue drops the message with a warning.
func (h *Hub) Broadcast(sessionID uuid.UUID, data []byte) {
	select {
	case h.broadcastCh <- broadcast{sessionID: sessionID, data: data}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) deliver(b broadcast) {
	h.mu.RLock()
	pool, ok := h.pools[b.sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Conn, 0, len(pool))
	for c := range pool {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(b.data) {
			log.Warn().
				Str("connection_id", c.ID).
				Str("session_id", b.sessionID.String()).
				Msg("send buffer full, closing connection")
			h.mu.Lock()
			h.detachLocked(c)
			h.mu.Unlock()
			c.ws.Close()
		}
	}
}

// Stats reports live connection counts per session.
func (h *Hub) Stats() (total int, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, pool := range h.pools {
		total += len(pool)
	}
	return total, len(h.pools)
}

// Send queues a frame to this connection only; drops it if the buffer
// is full.
func (c *Conn) Send(data []byte) {
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping direct message")
	}
}

func (c *Conn) trySend(data []byte) bool {
	defer func() { recover() }() // send channel may close under us
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		if c.hub.onClose != nil {
			c.hub.onClose(c)
		}
		c.hub.Unbind(c)
		close(c.send)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			break
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, message)
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
