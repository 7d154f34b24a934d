package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/scoring"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/zerolog/log"
)

// tickInterval is how often the advisory timer re-checks the deadline.
const tickInterval = 250 * time.Millisecond

// autoSubmitThreshold is how close to the deadline a staged guess is
// flushed to the server.
const autoSubmitThreshold = time.Second

// RoundTimer is the client-side countdown. It is advisory: the server
// alone decides when a round is over. Its one job with teeth is the
// auto-submit, which flushes the staged guess once per round when the
// local countdown nearly runs out, so a decided-but-unconfirmed guess
// is not lost to the deadline.
type RoundTimer struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	submit func(lat, lng float64) error

	roundID   uuid.UUID
	startedAt time.Time
	duration  time.Duration
	staged    *scoring.LatLng
	doneRound uuid.UUID

	stop chan struct{}
	once sync.Once
}

// NewRoundTimer creates a timer that flushes staged guesses through
// submit, normally Client.MakeGuess.
func NewRoundTimer(clock clockwork.Clock, submit func(lat, lng float64) error) *RoundTimer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoundTimer{
		clock:  clock,
		submit: submit,
		stop:   make(chan struct{}),
	}
}

// Start runs the countdown loop until Stop.
func (rt *RoundTimer) Start() {
	go rt.loop()
}

// Stop halts the countdown loop.
func (rt *RoundTimer) Stop() {
	rt.once.Do(func() { close(rt.stop) })
}

// Observe feeds each new snapshot into the timer. A new open round
// resets the countdown and clears any staged guess from the previous
// round; a completed or absent round disarms the timer.
func (rt *RoundTimer) Observe(snap *session.Snapshot) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	round := snap.CurrentRound()
	if round == nil || round.IsComplete {
		rt.roundID = uuid.Nil
		rt.staged = nil
		return
	}
	if round.ID == rt.roundID {
		return
	}
	rt.roundID = round.ID
	rt.startedAt = round.StartedAt
	rt.duration = time.Duration(snap.Settings.RoundDurationMs) * time.Millisecond
	rt.staged = nil
}

// Stage records the guess to flush if the round runs out. Staging is
// local; nothing reaches the server until Confirm or auto-submit.
func (rt *RoundTimer) Stage(lat, lng float64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.roundID == uuid.Nil || rt.roundID == rt.doneRound {
		return
	}
	rt.staged = &scoring.LatLng{Lat: lat, Lng: lng}
}

// Confirm submits the staged guess immediately.
func (rt *RoundTimer) Confirm() error {
	rt.mu.Lock()
	if rt.staged == nil || rt.roundID == uuid.Nil || rt.roundID == rt.doneRound {
		rt.mu.Unlock()
		return nil
	}
	guess := *rt.staged
	rt.doneRound = rt.roundID
	rt.staged = nil
	rt.mu.Unlock()
	return rt.submit(guess.Lat, guess.Lng)
}

// Remaining reports the advisory time left in the current round.
func (rt *RoundTimer) Remaining() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.roundID == uuid.Nil {
		return 0
	}
	remaining := rt.duration - rt.clock.Now().Sub(rt.startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rt *RoundTimer) loop() {
	ticker := rt.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.Chan():
			rt.tick()
		}
	}
}

// tick flushes the staged guess at most once per round. A submit that
// loses to the server deadline comes back as a round-closed error,
// which the client layer suppresses.
func (rt *RoundTimer) tick() {
	rt.mu.Lock()
	if rt.roundID == uuid.Nil || rt.roundID == rt.doneRound || rt.staged == nil {
		rt.mu.Unlock()
		return
	}
	remaining := rt.duration - rt.clock.Now().Sub(rt.startedAt)
	if remaining > autoSubmitThreshold {
		rt.mu.Unlock()
		return
	}
	guess := *rt.staged
	rt.doneRound = rt.roundID
	rt.staged = nil
	rt.mu.Unlock()

	if err := rt.submit(guess.Lat, guess.Lng); err != nil {
		log.Debug().Err(err).Msg("auto-submit failed")
	}
}
