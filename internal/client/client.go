package client

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/gateway"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/zerolog/log"
)

// Client is a game client on top of ConnManager: it issues commands,
// keeps the latest snapshot, and replays the reconnect handshake after
// every physical reconnect.
//
// The snapshot is replaced wholesale on every server event; the client
// never patches individual fields, so a missed broadcast can never
// leave it permanently skewed.
type Client struct {
	mu       sync.RWMutex
	conn     *ConnManager
	snapshot *session.Snapshot
	playerID uuid.UUID
	gameID   uuid.UUID

	// OnSnapshot fires after each snapshot replacement.
	OnSnapshot func(*session.Snapshot)
	// OnError receives server ERROR messages meant for the user.
	OnError func(message string)
	// OnStateChange observes transport state.
	OnStateChange func(State)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL   string
	Dial  DialFunc
	Clock clockwork.Clock
}

func New(cfg ClientConfig) *Client {
	c := &Client{}
	c.conn = NewConnManager(Config{
		URL:       cfg.URL,
		Dial:      cfg.Dial,
		Clock:     cfg.Clock,
		OnOpen:    c.handleOpen,
		OnMessage: c.handleMessage,
		OnStateChange: func(s State) {
			if c.OnStateChange != nil {
				c.OnStateChange(s)
			}
		},
	})
	return c
}

// Connect starts the transport.
func (c *Client) Connect() { c.conn.Connect() }

// Close tears the client down.
func (c *Client) Close() { c.conn.Close() }

// NotifyVisible forwards a foreground notification to the transport.
func (c *Client) NotifyVisible() { c.conn.NotifyVisible() }

// NotifyOnline forwards a connectivity notification to the transport.
func (c *Client) NotifyOnline() { c.conn.NotifyOnline() }

// State returns the transport state.
func (c *Client) State() State { return c.conn.State() }

// Snapshot returns the latest session snapshot, nil before the first
// join.
func (c *Client) Snapshot() *session.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// PlayerID returns this client's seat id, zero before the first join.
func (c *Client) PlayerID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// CreateGame asks the server for a new session with this client as
// host.
func (c *Client) CreateGame(playerName string, settings *session.SettingsPatch) error {
	return c.send(gateway.CmdCreateGame, gateway.CreateGamePayload{
		PlayerName: playerName,
		Settings:   settings,
	})
}

// JoinGame joins an existing session by code.
func (c *Client) JoinGame(joinCode, playerName string) error {
	return c.send(gateway.CmdJoinGame, gateway.JoinGamePayload{
		JoinCode:   joinCode,
		PlayerName: playerName,
	})
}

// StartGame starts the game; the server enforces that only the host
// may do this.
func (c *Client) StartGame() error {
	return c.send(gateway.CmdStartGame, nil)
}

// AddComputerPlayers adds simulated players to the lobby.
func (c *Client) AddComputerPlayers(count int) error {
	return c.send(gateway.CmdAddComputerPlayers, gateway.AddComputerPlayersPayload{Count: count})
}

// UpdateSettings applies a partial settings update.
func (c *Client) UpdateSettings(patch session.SettingsPatch) error {
	return c.send(gateway.CmdUpdateSettings, patch)
}

// MakeGuess submits this round's guess.
func (c *Client) MakeGuess(lat, lng float64) error {
	return c.send(gateway.CmdMakeGuess, gateway.MakeGuessPayload{Lat: lat, Lng: lng})
}

// NextRound advances to the next round (host only).
func (c *Client) NextRound() error {
	return c.send(gateway.CmdNextRound, nil)
}

// LeaveGame gives up this client's seat.
func (c *Client) LeaveGame() error {
	err := c.send(gateway.CmdLeaveGame, nil)
	if err == nil {
		c.mu.Lock()
		c.snapshot = nil
		c.gameID = uuid.Nil
		c.playerID = uuid.Nil
		c.mu.Unlock()
	}
	return err
}

func (c *Client) send(msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	data, err := json.Marshal(gateway.Message{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// handleOpen runs once per physical connection. If the client already
// holds a seat it replays the reconnect handshake; the once-per-open
// guarantee comes from the transport, so the handshake can never be
// duplicated on one socket.
func (c *Client) handleOpen() {
	c.mu.RLock()
	gameID, playerID := c.gameID, c.playerID
	c.mu.RUnlock()
	if gameID == uuid.Nil {
		return
	}
	if err := c.send(gateway.CmdReconnect, gateway.ReconnectPayload{
		GameID:   gameID,
		PlayerID: playerID,
	}); err != nil {
		log.Warn().Err(err).Msg("reconnect handshake failed")
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg gateway.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("malformed server frame")
		return
	}

	switch msg.Type {
	case gateway.EventGameCreated, gateway.EventGameJoined, gateway.EventReconnected:
		var reply gateway.SessionReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("malformed session reply")
			return
		}
		c.mu.Lock()
		c.playerID = reply.PlayerID
		c.gameID = reply.Session.ID
		c.mu.Unlock()
		c.replaceSnapshot(reply.Session)

	case gateway.EventGuessMade:
		// Ack only; the snapshot arrives with the PLAYER_GUESSED
		// broadcast.

	case gateway.EventError:
		var errPayload gateway.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &errPayload); err != nil {
			return
		}
		// Losing the race between a local auto-submit and the server
		// deadline is routine; never surface it to the user.
		if errPayload.Message == session.ErrRoundClosed.Error() {
			log.Debug().Msg("guess arrived after round close")
			return
		}
		if c.OnError != nil {
			c.OnError(errPayload.Message)
		}

	case gateway.EventPong:
		// Heartbeat answer; nothing to do.

	default:
		var ev gateway.SessionEventPayload
		if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.Session == nil {
			log.Debug().Str("type", msg.Type).Msg("ignoring unknown server frame")
			return
		}
		c.replaceSnapshot(ev.Session)
	}
}

func (c *Client) replaceSnapshot(snap *session.Snapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	if c.OnSnapshot != nil {
		c.OnSnapshot(snap)
	}
}
