package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mapdash/mapdash/internal/session"
)

// Message is the wire envelope for both directions: a type tag plus a
// type-specific JSON payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client commands.
const (
	CmdCreateGame         = "CREATE_GAME"
	CmdJoinGame           = "JOIN_GAME"
	CmdStartGame          = "START_GAME"
	CmdAddComputerPlayers = "ADD_COMPUTER_PLAYERS"
	CmdMakeGuess          = "MAKE_GUESS"
	CmdNextRound          = "NEXT_ROUND"
	CmdLeaveGame          = "LEAVE_GAME"
	CmdUpdateSettings     = "UPDATE_SETTINGS"
	CmdReconnect          = "RECONNECT"
	CmdPing               = "PING"
)

// Server events that are not session broadcasts (those reuse the
// session.EventType names directly).
const (
	EventGameCreated = "GAME_CREATED"
	EventGameJoined  = "GAME_JOINED"
	EventReconnected = "RECONNECTED"
	EventGuessMade   = "GUESS_MADE"
	EventError       = "ERROR"
	EventPong        = "PONG"
)

// CreateGamePayload carries the host's display name and optional
// settings overrides.
type CreateGamePayload struct {
	PlayerName string                 `json:"playerName"`
	Settings   *session.SettingsPatch `json:"settings,omitempty"`
}

type JoinGamePayload struct {
	JoinCode   string `json:"joinCode"`
	PlayerName string `json:"playerName"`
}

type AddComputerPlayersPayload struct {
	Count int `json:"count"`
}

type MakeGuessPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ReconnectPayload rebinds a fresh transport to an existing seat.
type ReconnectPayload struct {
	GameID   uuid.UUID `json:"gameId"`
	PlayerID uuid.UUID `json:"playerId"`
}

// SessionReply answers CREATE_GAME, JOIN_GAME and RECONNECT with the
// caller's player id and the full snapshot.
type SessionReply struct {
	PlayerID uuid.UUID         `json:"playerId"`
	Session  *session.Snapshot `json:"session"`
}

// GuessMadePayload is the sender-only acknowledgement of an accepted
// guess. It carries no snapshot; state changes arrive with the
// PLAYER_GUESSED broadcast, and scores with the round results.
type GuessMadePayload struct {
	Guess *session.Guess `json:"guess"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}
