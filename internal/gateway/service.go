package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mapdash/mapdash/internal/events"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/zerolog/log"
)

// Broadcaster fans a frame out to every connection bound to a session.
// Implementations must not block.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, data []byte)
}

// Archiver persists a finished game's snapshot.
type Archiver interface {
	SaveFinishedGame(ctx context.Context, snap *session.Snapshot) error
}

// ServiceConfig wires the command router's collaborators.
type ServiceConfig struct {
	Registry  session.RegistryConfig
	Publisher events.Publisher
	Archiver  Archiver
}

// Service routes client commands to sessions and fans session
// broadcasts back out. It owns the registry so it can subscribe to
// every session's events.
type Service struct {
	registry    *session.Registry
	broadcaster Broadcaster
	publisher   events.Publisher
	archiver    Archiver
}

func NewService(cfg ServiceConfig) *Service {
	svc := &Service{publisher: cfg.Publisher, archiver: cfg.Archiver}
	if svc.publisher == nil {
		svc.publisher = events.NopPublisher{}
	}
	registryCfg := cfg.Registry
	registryCfg.OnEvent = svc.onSessionEvent
	svc.registry = session.NewRegistry(registryCfg)
	return svc
}

// Registry exposes the session registry for HTTP state handlers.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// AttachBroadcaster connects the hub. Must be called before any
// connection is served.
func (s *Service) AttachBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SessionEventPayload is the broadcast payload for every session event:
// the acting player where one exists, plus the full post-transition
// snapshot for wholesale replacement.
type SessionEventPayload struct {
	PlayerID uuid.UUID         `json:"playerId,omitempty"`
	Session  *session.Snapshot `json:"session"`
}

// onSessionEvent runs while the session lock is held; it only queues
// work and never calls back into the session.
func (s *Service) onSessionEvent(ev session.Event) {
	data, err := encode(string(ev.Type), SessionEventPayload{
		PlayerID: ev.PlayerID,
		Session:  ev.Snapshot,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to encode session event")
		return
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ev.Snapshot.ID, data)
	}
	go func() {
		if err := s.publisher.Publish(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish session event")
		}
	}()
	if ev.Type == session.EventGameFinished && s.archiver != nil {
		snap := ev.Snapshot
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.archiver.SaveFinishedGame(ctx, snap); err != nil {
				log.Warn().Err(err).Str("game_id", snap.ID.String()).Msg("failed to archive finished game")
			}
		}()
	}
}

// HandleMessage routes one inbound frame. Command failures go back to
// the sender as ERROR envelopes; they never close the connection.
func (s *Service) HandleMessage(c *Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(c, "malformed message")
		return
	}

	var err error
	switch msg.Type {
	case CmdPing:
		s.reply(c, EventPong, nil)
	case CmdCreateGame:
		err = s.handleCreate(c, msg.Payload)
	case CmdJoinGame:
		err = s.handleJoin(c, msg.Payload)
	case CmdReconnect:
		err = s.handleReconnect(c, msg.Payload)
	case CmdStartGame:
		err = s.withSession(c, func(sess *session.Session) error {
			return sess.Start(c.PlayerID)
		})
	case CmdAddComputerPlayers:
		err = s.handleAddComputerPlayers(c, msg.Payload)
	case CmdMakeGuess:
		err = s.handleMakeGuess(c, msg.Payload)
	case CmdNextRound:
		err = s.withSession(c, func(sess *session.Session) error {
			return sess.AdvanceRound(c.PlayerID)
		})
	case CmdUpdateSettings:
		err = s.handleUpdateSettings(c, msg.Payload)
	case CmdLeaveGame:
		err = s.handleLeave(c)
	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}
	if err != nil {
		s.sendError(c, err.Error())
	}
}

// HandleClose marks the seat disconnected when a bound socket drops.
// The seat survives so the player can reconnect.
func (s *Service) HandleClose(c *Conn) {
	if c.SessionID == uuid.Nil {
		return
	}
	sess, err := s.registry.Get(c.SessionID)
	if err != nil {
		return
	}
	sess.Disconnect(c.PlayerID)
}

func (s *Service) handleCreate(c *Conn, raw json.RawMessage) error {
	var payload CreateGamePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("malformed CREATE_GAME payload")
	}
	if payload.PlayerName == "" {
		return errors.New("playerName is required")
	}
	sess, host, err := s.registry.Create(payload.PlayerName, payload.Settings)
	if err != nil {
		return err
	}
	c.hub.Bind(c, sess.ID(), host.ID)
	s.reply(c, EventGameCreated, SessionReply{PlayerID: host.ID, Session: sess.Snapshot()})
	return nil
}

func (s *Service) handleJoin(c *Conn, raw json.RawMessage) error {
	var payload JoinGamePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("malformed JOIN_GAME payload")
	}
	if payload.PlayerName == "" {
		return errors.New("playerName is required")
	}
	sess, player, err := s.registry.Join(payload.JoinCode, payload.PlayerName)
	if err != nil {
		return err
	}
	c.hub.Bind(c, sess.ID(), player.ID)
	s.reply(c, EventGameJoined, SessionReply{PlayerID: player.ID, Session: sess.Snapshot()})
	return nil
}

func (s *Service) handleReconnect(c *Conn, raw json.RawMessage) error {
	var payload ReconnectPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("malformed RECONNECT payload")
	}
	sess, err := s.registry.Get(payload.GameID)
	if err != nil {
		return err
	}
	snap, err := sess.Reconnect(payload.PlayerID)
	if err != nil {
		return err
	}
	c.hub.Bind(c, payload.GameID, payload.PlayerID)
	s.reply(c, EventReconnected, SessionReply{PlayerID: payload.PlayerID, Session: snap})
	return nil
}

func (s *Service) handleAddComputerPlayers(c *Conn, raw json.RawMessage) error {
	var payload AddComputerPlayersPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("malformed ADD_COMPUTER_PLAYERS payload")
	}
	if payload.Count < 1 {
		return errors.New("count must be at least 1")
	}
	return s.withSession(c, func(sess *session.Session) error {
		return sess.AddSimulatedPlayers(c.PlayerID, payload.Count)
	})
}

func (s *Service) handleMakeGuess(c *Conn, raw json.RawMessage) error {
	var payload MakeGuessPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("malformed MAKE_GUESS payload")
	}
	return s.withSession(c, func(sess *session.Session) error {
		guess, err := sess.SubmitGuess(c.PlayerID, payload.Lat, payload.Lng)
		if err != nil {
			return err
		}
		s.reply(c, EventGuessMade, GuessMadePayload{Guess: guess})
		return nil
	})
}

func (s *Service) handleUpdateSettings(c *Conn, raw json.RawMessage) error {
	var patch session.SettingsPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return errors.New("malformed UPDATE_SETTINGS payload")
	}
	return s.withSession(c, func(sess *session.Session) error {
		return sess.UpdateSettings(c.PlayerID, patch)
	})
}

func (s *Service) handleLeave(c *Conn) error {
	if c.SessionID == uuid.Nil {
		return errors.New("not in a game")
	}
	err := s.registry.Leave(c.SessionID, c.PlayerID)
	c.hub.Unbind(c)
	return err
}

func (s *Service) withSession(c *Conn, fn func(*session.Session) error) error {
	if c.SessionID == uuid.Nil {
		return errors.New("not in a game")
	}
	sess, err := s.registry.Get(c.SessionID)
	if err != nil {
		return err
	}
	return fn(sess)
}

func (s *Service) reply(c *Conn, msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to encode reply")
		return
	}
	c.Send(data)
}

func (s *Service) sendError(c *Conn, message string) {
	s.reply(c, EventError, ErrorPayload{Message: message})
}
