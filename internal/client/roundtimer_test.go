package client

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/scoring"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitRecorder struct {
	mu    sync.Mutex
	calls []scoring.LatLng
}

func (r *submitRecorder) submit(lat, lng float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scoring.LatLng{Lat: lat, Lng: lng})
	return nil
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func activeSnapshot(clock clockwork.Clock, durationMs int) *session.Snapshot {
	settings := session.DefaultSettings()
	settings.RoundDurationMs = durationMs
	return &session.Snapshot{
		ID:       uuid.New(),
		Status:   session.StatusActive,
		Settings: settings,
		Rounds: []session.Round{{
			ID:        uuid.New(),
			Guesses:   []session.Guess{},
			StartedAt: clock.Now(),
		}},
	}
}

func TestRemainingCountsDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	assert.Zero(t, rt.Remaining(), "no round, no countdown")

	rt.Observe(activeSnapshot(clock, 10_000))
	assert.Equal(t, 10*time.Second, rt.Remaining())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, rt.Remaining())

	clock.Advance(20 * time.Second)
	assert.Zero(t, rt.Remaining(), "remaining never goes negative")
}

func TestAutoSubmitFlushesStagedGuessOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	rt.Observe(activeSnapshot(clock, 10_000))
	rt.Stage(48.85, 2.35)

	rt.tick()
	assert.Zero(t, rec.count(), "plenty of time left, nothing flushed")

	clock.Advance(9*time.Second + 200*time.Millisecond)
	rt.tick()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, scoring.LatLng{Lat: 48.85, Lng: 2.35}, rec.calls[0])

	// Later ticks in the same round never resubmit.
	rt.tick()
	clock.Advance(time.Second)
	rt.tick()
	assert.Equal(t, 1, rec.count())
}

func TestNothingStagedNothingSubmitted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	rt.Observe(activeSnapshot(clock, 5_000))
	clock.Advance(5 * time.Second)
	rt.tick()
	assert.Zero(t, rec.count())
}

func TestConfirmSubmitsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	rt.Observe(activeSnapshot(clock, 10_000))
	rt.Stage(10, 20)
	require.NoError(t, rt.Confirm())
	assert.Equal(t, 1, rec.count())

	// Confirming again, or letting the clock run out, does nothing more.
	require.NoError(t, rt.Confirm())
	clock.Advance(10 * time.Second)
	rt.tick()
	assert.Equal(t, 1, rec.count())

	// Staging after the round's submission is spent is ignored.
	rt.Stage(30, 40)
	rt.tick()
	assert.Equal(t, 1, rec.count())
}

func TestNewRoundResetsStagedGuess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	rt.Observe(activeSnapshot(clock, 10_000))
	rt.Stage(1, 1)

	// The next round arrives before the stale guess is flushed.
	rt.Observe(activeSnapshot(clock, 10_000))
	clock.Advance(10 * time.Second)
	rt.tick()
	assert.Zero(t, rec.count(), "a staged guess never leaks into the next round")
}

func TestCompletedRoundDisarms(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)

	snap := activeSnapshot(clock, 10_000)
	rt.Observe(snap)
	rt.Stage(1, 1)

	snap.Rounds[0].IsComplete = true
	rt.Observe(snap)
	clock.Advance(10 * time.Second)
	rt.tick()
	assert.Zero(t, rec.count())
	assert.Zero(t, rt.Remaining())
}

func TestTickerLoopFlushes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &submitRecorder{}
	rt := NewRoundTimer(clock, rec.submit)
	rt.Start()
	t.Cleanup(rt.Stop)

	rt.Observe(activeSnapshot(clock, 2_000))
	rt.Stage(5, 6)

	clock.BlockUntil(1)
	clock.Advance(1500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 2*time.Second, time.Millisecond)
}
