package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/scoring"
	"github.com/rs/zerolog/log"
)

// Command rejection errors. These are returned to the submitting client
// as ERROR envelopes; none of them mutate session state.
var (
	ErrNotHost        = errors.New("only the host can do that")
	ErrSessionFull    = errors.New("session is full")
	ErrUnknownPlayer  = errors.New("player is not part of this session")
	ErrUnknownSession = errors.New("session not found")
	ErrDuplicateGuess = errors.New("guess already submitted for this round")
	// ErrRoundClosed is the expected outcome of the auto-submit vs.
	// server-deadline race; clients suppress it from user display.
	ErrRoundClosed        = errors.New("round already completed")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrNotWaiting      = errors.New("game already started")
	ErrNotActive       = errors.New("game is not active")
	ErrNoPlayers       = errors.New("at least one player is required")
	ErrRoundInProgress = errors.New("current round is still in progress")
	ErrNoMoreRounds    = errors.New("no rounds remaining")
)

// Simulated players guess between simMinDelay and
// simMinDelay+simExtraDelay after a round starts, never later than 80%
// of the round duration.
const (
	simMinDelay   = 1 * time.Second
	simExtraDelay = 3 * time.Second
)

// Session is the authoritative state for one game. A single mutex
// serializes every command, so no two commands for the same session are
// ever applied concurrently; distinct sessions are independent.
//
// Event handlers run while the lock is held and must not call back into
// the session.
type Session struct {
	mu sync.Mutex

	id       uuid.UUID
	joinCode string
	hostID   uuid.UUID
	players  []*Player
	rounds   []*Round
	status   Status
	settings Settings
	final    *FinalResults

	clock    clockwork.Clock
	strategy GuessStrategy
	targets  TargetSource
	rng      *rand.Rand

	// timerGen invalidates deadline and simulated-guess timers from
	// earlier rounds; a fired timer whose generation no longer matches
	// is a no-op. timerDone releases the goroutines waiting on timers
	// that were stopped before firing.
	timerGen   int
	timerDone  chan struct{}
	roundTimer clockwork.Timer
	simTimers  []clockwork.Timer

	onEvent func(Event)
	closed  bool
}

func newSession(joinCode string, settings Settings, clock clockwork.Clock, strategy GuessStrategy, targets TargetSource, rng *rand.Rand, onEvent func(Event)) *Session {
	return &Session{
		id:       uuid.New(),
		joinCode: joinCode,
		status:   StatusWaiting,
		settings: settings,
		clock:    clock,
		strategy: strategy,
		targets:  targets,
		rng:      rng,
		onEvent:  onEvent,
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// JoinCode returns the human-shareable join code.
func (s *Session) JoinCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinCode
}

// Snapshot builds the complete serialized session state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ID:           s.id,
		JoinCode:     s.joinCode,
		HostPlayerID: s.hostID,
		Status:       s.status,
		Settings:     s.settings,
		Players:      make([]Player, len(s.players)),
		Rounds:       make([]Round, len(s.rounds)),
	}
	for i, p := range s.players {
		snap.Players[i] = *p
	}
	for i, r := range s.rounds {
		round := *r
		round.Guesses = make([]Guess, len(r.Guesses))
		copy(round.Guesses, r.Guesses)
		if r.IsComplete {
			target := r.target
			round.TargetLocation = &target
		} else {
			round.TargetLocation = nil
		}
		snap.Rounds[i] = round
	}
	if s.final != nil {
		final := *s.final
		final.PlayerScores = append([]scoring.FinalPlacement(nil), s.final.PlayerScores...)
		final.WinnerIDs = append([]uuid.UUID(nil), s.final.WinnerIDs...)
		snap.FinalResults = &final
	}
	return snap
}

func (s *Session) emitLocked(eventType EventType, actor uuid.UUID) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(Event{Type: eventType, PlayerID: actor, Snapshot: s.snapshotLocked()})
}

// Join adds a human player to the lobby.
func (s *Session) Join(displayName string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusWaiting {
		return nil, ErrNotWaiting
	}
	if len(s.players) >= s.settings.MaxPlayers {
		return nil, ErrSessionFull
	}
	p := &Player{
		ID:          uuid.New(),
		DisplayName: displayName,
		Connected:   true,
	}
	s.players = append(s.players, p)
	log.Info().
		Str("session_id", s.id.String()).
		Str("player_id", p.ID.String()).
		Str("name", displayName).
		Msg("player joined")
	s.emitLocked(EventPlayerJoined, p.ID)
	player := *p
	return &player, nil
}

// AddSimulatedPlayers adds n computer-controlled players. Host only,
// lobby only.
func (s *Session) AddSimulatedPlayers(actor uuid.UUID, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor != s.hostID {
		return ErrNotHost
	}
	if s.status != StatusWaiting {
		return ErrNotWaiting
	}
	if len(s.players)+n > s.settings.MaxPlayers {
		return ErrSessionFull
	}

	existing := 0
	for _, p := range s.players {
		if p.IsSimulated {
			existing++
		}
	}
	for i := 0; i < n; i++ {
		p := &Player{
			ID:                uuid.New(),
			DisplayName:       fmt.Sprintf("CPU %d", existing+i+1),
			IsSimulated:       true,
			SimulatedAccuracy: 0.3 + s.rng.Float64()*0.6,
			Connected:         true,
		}
		s.players = append(s.players, p)
	}
	log.Info().
		Str("session_id", s.id.String()).
		Int("count", n).
		Msg("simulated players added")
	s.emitLocked(EventComputerPlayersAdded, actor)
	return nil
}

// UpdateSettings applies a partial settings update. Host only, lobby
// only. Non-positive values are rejected; maxPlayers cannot drop below
// the current player count.
func (s *Session) UpdateSettings(actor uuid.UUID, patch SettingsPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor != s.hostID {
		return ErrNotHost
	}
	if s.status != StatusWaiting {
		return ErrNotWaiting
	}

	updated := s.settings
	if patch.MaxPlayers != nil {
		if *patch.MaxPlayers < 1 || *patch.MaxPlayers < len(s.players) {
			return fmt.Errorf("invalid maxPlayers %d", *patch.MaxPlayers)
		}
		updated.MaxPlayers = *patch.MaxPlayers
	}
	if patch.RoundDurationMs != nil {
		if *patch.RoundDurationMs < 1000 {
			return fmt.Errorf("invalid roundDurationMs %d", *patch.RoundDurationMs)
		}
		updated.RoundDurationMs = *patch.RoundDurationMs
	}
	if patch.TotalRounds != nil {
		if *patch.TotalRounds < 1 {
			return fmt.Errorf("invalid totalRounds %d", *patch.TotalRounds)
		}
		updated.TotalRounds = *patch.TotalRounds
	}
	if patch.Difficulty != nil {
		updated.Difficulty = *patch.Difficulty
	}
	s.settings = updated
	s.emitLocked(EventSettingsUpdated, actor)
	return nil
}

// Start begins round 1. Host only; requires at least one player.
func (s *Session) Start(actor uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor != s.hostID {
		return ErrNotHost
	}
	if s.status != StatusWaiting {
		return ErrNotWaiting
	}
	if len(s.players) == 0 {
		return ErrNoPlayers
	}

	s.status = StatusActive
	log.Info().
		Str("session_id", s.id.String()).
		Int("players", len(s.players)).
		Int("rounds", s.settings.TotalRounds).
		Msg("game started")
	s.emitLocked(EventGameStarted, actor)
	s.startRoundLocked()
	return nil
}

// AdvanceRound begins the next round after results. Host only.
func (s *Session) AdvanceRound(actor uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor != s.hostID {
		return ErrNotHost
	}
	if s.status != StatusActive {
		return ErrNotActive
	}
	current := s.currentRoundLocked()
	if current != nil && !current.IsComplete {
		return ErrRoundInProgress
	}
	if len(s.rounds) >= s.settings.TotalRounds {
		return ErrNoMoreRounds
	}
	s.startRoundLocked()
	return nil
}

// SubmitGuess records one guess for the current round. Simulated
// players submit through the identical path; the returned guess is the
// sender's ack payload.
func (s *Session) SubmitGuess(playerID uuid.UUID, lat, lng float64) (*Guess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitGuessLocked(playerID, scoring.LatLng{Lat: lat, Lng: lng})
}

func (s *Session) submitGuessLocked(playerID uuid.UUID, loc scoring.LatLng) (*Guess, error) {
	if s.status != StatusActive {
		return nil, ErrNotActive
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return nil, ErrInvalidCoordinates
	}
	player := s.playerLocked(playerID)
	if player == nil {
		return nil, ErrUnknownPlayer
	}
	round := s.currentRoundLocked()
	if round == nil || round.IsComplete {
		return nil, ErrRoundClosed
	}

	// The deadline and the all-guessed condition are checked under the
	// same lock, so a guess at the exact expiry instant is accepted iff
	// it is not yet past the deadline.
	now := s.clock.Now()
	duration := time.Duration(s.settings.RoundDurationMs) * time.Millisecond
	if now.Sub(round.StartedAt) >= duration {
		s.closeRoundLocked(round)
		return nil, ErrRoundClosed
	}
	for _, g := range round.Guesses {
		if g.PlayerID == playerID {
			return nil, ErrDuplicateGuess
		}
	}

	guess := Guess{
		PlayerID:    playerID,
		Lat:         loc.Lat,
		Lng:         loc.Lng,
		DistanceKm:  scoring.DistanceKm(loc, round.target),
		SubmittedAt: now,
	}
	round.Guesses = append(round.Guesses, guess)
	log.Debug().
		Str("session_id", s.id.String()).
		Str("player_id", playerID.String()).
		Float64("distance_km", guess.DistanceKm).
		Msg("guess accepted")
	s.emitLocked(EventPlayerGuessed, playerID)

	if len(round.Guesses) >= len(s.players) {
		s.closeRoundLocked(round)
	}
	accepted := guess
	return &accepted, nil
}

// Leave removes a player. Their guess in an open round is dropped; if
// the host leaves, the longest-joined remaining player becomes host.
// Returns the number of players remaining.
func (s *Session) Leave(playerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return len(s.players), ErrUnknownPlayer
	}
	s.players = append(s.players[:idx], s.players[idx+1:]...)
	if playerID == s.hostID && len(s.players) > 0 {
		s.hostID = s.players[0].ID
	}

	round := s.currentRoundLocked()
	if round != nil && !round.IsComplete {
		for i, g := range round.Guesses {
			if g.PlayerID == playerID {
				round.Guesses = append(round.Guesses[:i], round.Guesses[i+1:]...)
				break
			}
		}
	}

	log.Info().
		Str("session_id", s.id.String()).
		Str("player_id", playerID.String()).
		Int("remaining", len(s.players)).
		Msg("player left")
	s.emitLocked(EventPlayerLeft, playerID)

	// Departure may satisfy the all-guessed condition for the rest.
	if round != nil && !round.IsComplete && len(s.players) > 0 && len(round.Guesses) >= len(s.players) {
		s.closeRoundLocked(round)
	}
	return len(s.players), nil
}

// Disconnect marks a player's transport as gone without removing them;
// they keep their seat and may reconnect.
func (s *Session) Disconnect(playerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.playerLocked(playerID)
	if p == nil || !p.Connected {
		return
	}
	p.Connected = false
	log.Info().
		Str("session_id", s.id.String()).
		Str("player_id", playerID.String()).
		Msg("player disconnected")
	s.emitLocked(EventPlayerDisconnected, playerID)
}

// Reconnect validates that the player belongs to this session, marks
// them connected, and returns the current snapshot for the RECONNECTED
// reply.
func (s *Session) Reconnect(playerID uuid.UUID) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.playerLocked(playerID)
	if p == nil {
		return nil, ErrUnknownPlayer
	}
	p.Connected = true
	log.Info().
		Str("session_id", s.id.String()).
		Str("player_id", playerID.String()).
		Msg("player reconnected")
	return s.snapshotLocked(), nil
}

// Close stops all timers. Called when the registry evicts the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.timerGen++
	s.stopTimersLocked()
}

func (s *Session) startRoundLocked() {
	s.stopTimersLocked()
	s.timerGen++
	gen := s.timerGen
	s.timerDone = make(chan struct{})
	done := s.timerDone

	roundNumber := len(s.rounds) + 1
	round := &Round{
		ID:        uuid.New(),
		target:    s.targets.Next(s.settings.Difficulty, roundNumber),
		Guesses:   []Guess{},
		StartedAt: s.clock.Now(),
	}
	s.rounds = append(s.rounds, round)

	duration := time.Duration(s.settings.RoundDurationMs) * time.Millisecond
	s.roundTimer = s.clock.NewTimer(duration)
	go func(t clockwork.Timer, gen int) {
		select {
		case <-t.Chan():
			s.expireRound(gen)
		case <-done:
		}
	}(s.roundTimer, gen)

	for _, p := range s.players {
		if !p.IsSimulated {
			continue
		}
		delay := simMinDelay + time.Duration(s.rng.Int63n(int64(simExtraDelay)))
		if latest := duration * 8 / 10; delay > latest {
			delay = latest
		}
		timer := s.clock.NewTimer(delay)
		s.simTimers = append(s.simTimers, timer)
		go func(t clockwork.Timer, gen int, playerID uuid.UUID) {
			select {
			case <-t.Chan():
				s.submitSimulatedGuess(gen, playerID)
			case <-done:
			}
		}(timer, gen, p.ID)
	}

	log.Info().
		Str("session_id", s.id.String()).
		Int("round", roundNumber).
		Dur("duration", duration).
		Msg("round started")
	s.emitLocked(EventRoundStarted, uuid.Nil)
}

// expireRound is the server-side deadline tick for a round.
func (s *Session) expireRound(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.status != StatusActive {
		return
	}
	round := s.currentRoundLocked()
	if round == nil || round.IsComplete {
		return
	}
	duration := time.Duration(s.settings.RoundDurationMs) * time.Millisecond
	if s.clock.Now().Sub(round.StartedAt) < duration {
		return
	}
	log.Info().
		Str("session_id", s.id.String()).
		Int("round", len(s.rounds)).
		Msg("round deadline reached")
	s.closeRoundLocked(round)
}

func (s *Session) submitSimulatedGuess(gen int, playerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen {
		return
	}
	round := s.currentRoundLocked()
	if round == nil || round.IsComplete {
		return
	}
	p := s.playerLocked(playerID)
	if p == nil {
		return
	}
	loc := s.strategy.Guess(round.target, p.SimulatedAccuracy)
	if _, err := s.submitGuessLocked(playerID, loc); err != nil {
		log.Debug().
			Str("session_id", s.id.String()).
			Str("player_id", playerID.String()).
			Err(err).
			Msg("simulated guess rejected")
	}
}

// closeRoundLocked scores the entire guess set in one synchronous pass
// before any broadcast: placement, placement points, bonus points and
// total points become observable together, never partially.
func (s *Session) closeRoundLocked(round *Round) {
	entries := make([]scoring.Entry, len(round.Guesses))
	for i, g := range round.Guesses {
		entries[i] = scoring.Entry{PlayerID: g.PlayerID, DistanceKm: g.DistanceKm}
	}
	results := scoring.ScoreRound(entries, len(s.players))

	byPlayer := make(map[uuid.UUID]scoring.Result, len(results))
	for _, r := range results {
		byPlayer[r.PlayerID] = r
	}
	for i := range round.Guesses {
		r, ok := byPlayer[round.Guesses[i].PlayerID]
		if !ok {
			continue
		}
		round.Guesses[i].Placement = r.Placement
		round.Guesses[i].PlacementPoints = r.PlacementPoints
		round.Guesses[i].BonusPoints = r.BonusPoints
		round.Guesses[i].TotalPoints = r.TotalPoints
		if p := s.playerLocked(round.Guesses[i].PlayerID); p != nil {
			p.CumulativeScore += r.TotalPoints
		}
	}

	now := s.clock.Now()
	round.EndedAt = &now
	round.IsComplete = true
	s.stopTimersLocked()

	log.Info().
		Str("session_id", s.id.String()).
		Int("round", len(s.rounds)).
		Int("guesses", len(round.Guesses)).
		Msg("round scored")

	if len(s.rounds) < s.settings.TotalRounds {
		s.emitLocked(EventRoundResults, uuid.Nil)
		return
	}

	totals := make([]scoring.PlayerTotal, len(s.players))
	for i, p := range s.players {
		totals[i] = scoring.PlayerTotal{PlayerID: p.ID, CumulativeScore: p.CumulativeScore}
	}
	placements, winners := scoring.FinalPlacements(totals)
	s.final = &FinalResults{
		PlayerScores: placements,
		WinnerIDs:    winners,
		FinishedAt:   now,
	}
	s.status = StatusFinished
	log.Info().
		Str("session_id", s.id.String()).
		Int("winners", len(winners)).
		Msg("game finished")
	s.emitLocked(EventRoundResults, uuid.Nil)
	s.emitLocked(EventGameFinished, uuid.Nil)
}

// stopTimersLocked stops any pending timers and closes timerDone so
// their waiting goroutines exit instead of blocking on a channel that
// will never fire.
func (s *Session) stopTimersLocked() {
	if s.timerDone != nil {
		close(s.timerDone)
		s.timerDone = nil
	}
	if s.roundTimer != nil {
		s.roundTimer.Stop()
		s.roundTimer = nil
	}
	for _, t := range s.simTimers {
		t.Stop()
	}
	s.simTimers = nil
}

func (s *Session) currentRoundLocked() *Round {
	if len(s.rounds) == 0 {
		return nil
	}
	return s.rounds[len(s.rounds)-1]
}

func (s *Session) playerLocked(id uuid.UUID) *Player {
	for _, p := range s.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}
