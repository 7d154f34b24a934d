package session

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Join codes avoid 0/O/1/I to stay readable when shared out loud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const codeLength = 5

// finishedTTL is how long a finished session stays resolvable so late
// reconnects can still fetch the final snapshot.
const finishedTTL = 10 * time.Minute

// RegistryConfig wires a Registry's collaborators. Zero-value fields
// fall back to production defaults.
type RegistryConfig struct {
	Clock    clockwork.Clock
	Strategy GuessStrategy
	Targets  TargetSource
	Defaults Settings
	// OnEvent receives every broadcast from every session. Handlers run
	// while the session lock is held and must not call back in.
	OnEvent func(Event)
	Seed    int64
}

// Registry owns all live sessions, resolves them by id and join code,
// and evicts them after they finish.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Session
	byCode map[string]*Session

	clock    clockwork.Clock
	strategy GuessStrategy
	targets  TargetSource
	defaults Settings
	onEvent  func(Event)
	rng      *rand.Rand
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Seed == 0 {
		cfg.Seed = cfg.Clock.Now().UnixNano()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = NewOffsetStrategy(cfg.Seed)
	}
	if cfg.Targets == nil {
		cfg.Targets = NewRandomTargets(cfg.Seed)
	}
	if cfg.Defaults == (Settings{}) {
		cfg.Defaults = DefaultSettings()
	}
	return &Registry{
		byID:     make(map[uuid.UUID]*Session),
		byCode:   make(map[string]*Session),
		clock:    cfg.Clock,
		strategy: cfg.Strategy,
		targets:  cfg.Targets,
		defaults: cfg.Defaults,
		onEvent:  cfg.OnEvent,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Create makes a new session with the given host, applying any settings
// overrides on top of the defaults.
func (r *Registry) Create(hostName string, overrides *SettingsPatch) (*Session, *Player, error) {
	r.mu.Lock()
	code := r.uniqueCodeLocked()

	settings := r.defaults
	if overrides != nil {
		if overrides.MaxPlayers != nil && *overrides.MaxPlayers >= 1 {
			settings.MaxPlayers = *overrides.MaxPlayers
		}
		if overrides.RoundDurationMs != nil && *overrides.RoundDurationMs >= 1000 {
			settings.RoundDurationMs = *overrides.RoundDurationMs
		}
		if overrides.TotalRounds != nil && *overrides.TotalRounds >= 1 {
			settings.TotalRounds = *overrides.TotalRounds
		}
		if overrides.Difficulty != nil {
			settings.Difficulty = *overrides.Difficulty
		}
	}

	seed := r.rng.Int63()
	s := newSession(code, settings, r.clock, r.strategy, r.targets, rand.New(rand.NewSource(seed)), nil)
	r.byID[s.id] = s
	r.byCode[code] = s
	r.mu.Unlock()

	// The host joins before the event callback is wired: creation emits
	// nothing, since the GAME_CREATED reply already carries the snapshot
	// and no other connection is bound yet.
	host, err := s.Join(hostName)
	if err != nil {
		r.Remove(s.id)
		return nil, nil, err
	}
	s.mu.Lock()
	s.hostID = host.ID
	s.onEvent = func(ev Event) {
		if r.onEvent != nil {
			r.onEvent(ev)
		}
		if ev.Type == EventGameFinished {
			r.scheduleEviction(ev.Snapshot.ID)
		}
	}
	s.mu.Unlock()

	log.Info().
		Str("session_id", s.id.String()).
		Str("join_code", code).
		Msg("session created")
	return s, host, nil
}

// Get resolves a session by id.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// GetByCode resolves a session by join code, case-insensitively.
func (r *Registry) GetByCode(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Join adds a player to the session with the given join code.
func (r *Registry) Join(code, displayName string) (*Session, *Player, error) {
	s, err := r.GetByCode(code)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.Join(displayName)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

// Leave removes a player from their session and drops the session once
// it has no players left.
func (r *Registry) Leave(sessionID, playerID uuid.UUID) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	remaining, err := s.Leave(playerID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		r.Remove(sessionID)
	}
	return nil
}

// Remove evicts a session and stops its timers.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byCode, s.joinCode)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
		log.Info().Str("session_id", id.String()).Msg("session evicted")
	}
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) scheduleEviction(id uuid.UUID) {
	timer := r.clock.NewTimer(finishedTTL)
	go func() {
		<-timer.Chan()
		r.Remove(id)
	}()
}

func (r *Registry) uniqueCodeLocked() string {
	for {
		b := make([]byte, codeLength)
		for i := range b {
			b[i] = codeAlphabet[r.rng.Intn(len(codeAlphabet))]
		}
		code := string(b)
		if _, taken := r.byCode[code]; !taken {
			return code
		}
	}
}
