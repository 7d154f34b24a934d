package session

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapdash/mapdash/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder captures session broadcasts for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func (r *eventRecorder) last(eventType EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// pinStrategy always guesses the target exactly.
type pinStrategy struct{}

func (pinStrategy) Guess(target scoring.LatLng, accuracy float64) scoring.LatLng {
	return target
}

type fixture struct {
	clock    *clockwork.FakeClock
	registry *Registry
	recorder *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	recorder := &eventRecorder{}
	registry := NewRegistry(RegistryConfig{
		Clock:    clock,
		Strategy: pinStrategy{},
		Targets:  NewFixedTargets(scoring.LatLng{Lat: 48.8566, Lng: 2.3522}),
		OnEvent:  recorder.record,
		Seed:     1,
	})
	return &fixture{clock: clock, registry: registry, recorder: recorder}
}

func (f *fixture) newGame(t *testing.T, overrides *SettingsPatch) (*Session, *Player) {
	t.Helper()
	s, host, err := f.registry.Create("host", overrides)
	require.NoError(t, err)
	return s, host
}

func intPtr(v int) *int { return &v }

func TestCreateAndJoin(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)

	snap := s.Snapshot()
	assert.Equal(t, StatusWaiting, snap.Status)
	assert.Equal(t, host.ID, snap.HostPlayerID)
	assert.Len(t, snap.JoinCode, codeLength)
	require.Len(t, snap.Players, 1)
	assert.True(t, snap.Players[0].Connected)
	assert.Empty(t, f.recorder.types(), "creating a session broadcasts nothing")

	guest, err := s.Join("guest")
	require.NoError(t, err)
	assert.NotEqual(t, host.ID, guest.ID)
	assert.Len(t, s.Snapshot().Players, 2)

	ev, ok := f.recorder.last(EventPlayerJoined)
	require.True(t, ok)
	assert.Equal(t, guest.ID, ev.PlayerID)
}

func TestJoinRejections(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{MaxPlayers: intPtr(2)})

	_, err := s.Join("guest")
	require.NoError(t, err)
	_, err = s.Join("third")
	assert.ErrorIs(t, err, ErrSessionFull)

	require.NoError(t, s.Start(host.ID))
	_, _, err = f.registry.Join(s.JoinCode(), "late")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestHostOnlyCommands(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	guest, err := s.Join("guest")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(guest.ID), ErrNotHost)
	assert.ErrorIs(t, s.AddSimulatedPlayers(guest.ID, 1), ErrNotHost)
	assert.ErrorIs(t, s.UpdateSettings(guest.ID, SettingsPatch{TotalRounds: intPtr(3)}), ErrNotHost)

	require.NoError(t, s.Start(host.ID))
	assert.ErrorIs(t, s.Start(host.ID), ErrNotWaiting)
	assert.ErrorIs(t, s.AdvanceRound(guest.ID), ErrNotHost)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	_, err := s.Join("guest")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSettings(host.ID, SettingsPatch{
		TotalRounds:     intPtr(3),
		RoundDurationMs: intPtr(30_000),
	}))
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Settings.TotalRounds)
	assert.Equal(t, 30_000, snap.Settings.RoundDurationMs)
	assert.Equal(t, DefaultSettings().MaxPlayers, snap.Settings.MaxPlayers, "untouched fields keep their value")

	assert.Error(t, s.UpdateSettings(host.ID, SettingsPatch{MaxPlayers: intPtr(1)}),
		"maxPlayers below current player count")
	assert.Error(t, s.UpdateSettings(host.ID, SettingsPatch{TotalRounds: intPtr(0)}))
}

func TestAddSimulatedPlayers(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{MaxPlayers: intPtr(3)})

	require.NoError(t, s.AddSimulatedPlayers(host.ID, 2))
	snap := s.Snapshot()
	require.Len(t, snap.Players, 3)
	for _, p := range snap.Players[1:] {
		assert.True(t, p.IsSimulated)
		assert.GreaterOrEqual(t, p.SimulatedAccuracy, 0.3)
		assert.LessOrEqual(t, p.SimulatedAccuracy, 0.9)
	}

	assert.ErrorIs(t, s.AddSimulatedPlayers(host.ID, 1), ErrSessionFull)
}

func TestGuessAcceptance(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	guest, err := s.Join("guest")
	require.NoError(t, err)
	require.NoError(t, s.Start(host.ID))

	guess, err := s.SubmitGuess(host.ID, 48.8566, 2.3522)
	require.NoError(t, err)
	assert.Zero(t, guess.DistanceKm)
	assert.Zero(t, guess.Placement, "placement is not assigned until the round closes")

	_, err = s.SubmitGuess(host.ID, 0, 0)
	assert.ErrorIs(t, err, ErrDuplicateGuess)
	_, err = s.SubmitGuess(uuid.New(), 0, 0)
	assert.ErrorIs(t, err, ErrUnknownPlayer)
	_, err = s.SubmitGuess(guest.ID, 91, 0)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
	_, err = s.SubmitGuess(guest.ID, 0, -181)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)

	// Second guess completes the round and publishes all scores at once.
	_, err = s.SubmitGuess(guest.ID, 51.5074, -0.1278)
	require.NoError(t, err)

	snap := s.Snapshot()
	round := snap.CurrentRound()
	require.True(t, round.IsComplete)
	require.NotNil(t, round.TargetLocation)
	require.Len(t, round.Guesses, 2)
	for _, g := range round.Guesses {
		assert.NotZero(t, g.Placement)
		assert.Equal(t, g.PlacementPoints+g.BonusPoints, g.TotalPoints)
	}

	_, err = s.SubmitGuess(guest.ID, 0, 0)
	assert.ErrorIs(t, err, ErrRoundClosed)
}

func TestRoundDeadline(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{RoundDurationMs: intPtr(10_000)})
	guest, err := s.Join("guest")
	require.NoError(t, err)
	require.NoError(t, s.Start(host.ID))

	_, err = s.SubmitGuess(host.ID, 10, 10)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return s.Snapshot().CurrentRound().IsComplete
	}, time.Second, time.Millisecond, "deadline closes the round without the second guess")

	// A guess arriving after expiry is rejected, never scored.
	_, err = s.SubmitGuess(guest.ID, 10, 10)
	assert.ErrorIs(t, err, ErrRoundClosed)

	round := s.Snapshot().CurrentRound()
	require.Len(t, round.Guesses, 1)
	assert.Equal(t, host.ID, round.Guesses[0].PlayerID)
	// Best of one guess among two players: 2 placement points.
	assert.Equal(t, 2, round.Guesses[0].PlacementPoints)
}

func TestEarlyRoundCloseReleasesTimerGoroutines(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(30)})
	require.NoError(t, s.Start(host.ID))

	before := runtime.NumGoroutine()
	// Every round closes on the guess, long before its deadline fires.
	for i := 0; i < 30; i++ {
		_, err := s.SubmitGuess(host.ID, 1, 1)
		require.NoError(t, err)
		if i < 29 {
			require.NoError(t, s.AdvanceRound(host.ID))
		}
	}
	require.Equal(t, StatusFinished, s.Snapshot().Status)

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 5*time.Millisecond,
		"stopped deadline timers must not leave their goroutines behind")
}

func TestSnapshotHidesOpenTarget(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	require.NoError(t, s.Start(host.ID))

	round := s.Snapshot().CurrentRound()
	require.NotNil(t, round)
	assert.False(t, round.IsComplete)
	assert.Nil(t, round.TargetLocation, "open rounds never expose the target")
}

func TestSimulatedPlayersGuess(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(1)})
	require.NoError(t, s.AddSimulatedPlayers(host.ID, 2))
	require.NoError(t, s.Start(host.ID))

	f.clock.Advance(simMinDelay + simExtraDelay)
	require.Eventually(t, func() bool {
		return len(s.Snapshot().CurrentRound().Guesses) == 2
	}, time.Second, time.Millisecond, "both simulated players guess after their delay")

	_, err := s.SubmitGuess(host.ID, 48.8566, 2.3522)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, StatusFinished, snap.Status)
	require.NotNil(t, snap.FinalResults)
	// Everyone pinned the target exactly, so all three tie for first.
	assert.Len(t, snap.FinalResults.WinnerIDs, 3)
}

func TestAdvanceRound(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(2)})
	require.NoError(t, s.Start(host.ID))

	assert.ErrorIs(t, s.AdvanceRound(host.ID), ErrRoundInProgress)

	_, err := s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)
	require.True(t, s.Snapshot().CurrentRound().IsComplete)

	require.NoError(t, s.AdvanceRound(host.ID))
	snap := s.Snapshot()
	require.Len(t, snap.Rounds, 2)
	assert.False(t, snap.CurrentRound().IsComplete)

	_, err = s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, s.Snapshot().Status)
	assert.ErrorIs(t, s.AdvanceRound(host.ID), ErrNotActive)
}

func TestCumulativeScoring(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(2)})
	guest, err := s.Join("guest")
	require.NoError(t, err)
	require.NoError(t, s.Start(host.ID))

	// Round 1: host on target (2+5), guest far away (1+0).
	_, err = s.SubmitGuess(host.ID, 48.8566, 2.3522)
	require.NoError(t, err)
	_, err = s.SubmitGuess(guest.ID, -30, 140)
	require.NoError(t, err)

	require.NoError(t, s.AdvanceRound(host.ID))

	// Round 2: guest on target, host far away.
	_, err = s.SubmitGuess(guest.ID, 48.8566, 2.3522)
	require.NoError(t, err)
	_, err = s.SubmitGuess(host.ID, -30, 140)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Equal(t, StatusFinished, snap.Status)
	for _, p := range snap.Players {
		assert.Equal(t, 8, p.CumulativeScore)
	}
	require.NotNil(t, snap.FinalResults)
	assert.Len(t, snap.FinalResults.WinnerIDs, 2, "equal totals tie for first")
	for _, fp := range snap.FinalResults.PlayerScores {
		assert.Equal(t, 1, fp.FinalPlacement)
	}
}

func TestLeaveReassignsHost(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	guest, err := s.Join("guest")
	require.NoError(t, err)

	_, err = s.Leave(host.ID)
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, guest.ID, snap.HostPlayerID)
	require.Len(t, snap.Players, 1)
}

func TestLeaveDropsGuessAndCompletesRound(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	guest, err := s.Join("guest")
	require.NoError(t, err)
	require.NoError(t, s.Start(host.ID))

	_, err = s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)

	// The holdout leaving satisfies the all-guessed condition.
	_, err = s.Leave(guest.ID)
	require.NoError(t, err)

	round := s.Snapshot().CurrentRound()
	require.True(t, round.IsComplete)
	require.Len(t, round.Guesses, 1)
	assert.Equal(t, host.ID, round.Guesses[0].PlayerID)
}

func TestDisconnectKeepsSeat(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)
	guest, err := s.Join("guest")
	require.NoError(t, err)
	require.NoError(t, s.Start(host.ID))

	s.Disconnect(guest.ID)
	snap := s.Snapshot()
	require.Len(t, snap.Players, 2)
	assert.False(t, snap.Players[1].Connected)

	// Disconnected players still count toward round completion.
	_, err = s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)
	assert.False(t, s.Snapshot().CurrentRound().IsComplete)

	reSnap, err := s.Reconnect(guest.ID)
	require.NoError(t, err)
	assert.True(t, reSnap.Players[1].Connected)

	_, err = s.Reconnect(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestEventSequence(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(1)})
	require.NoError(t, s.Start(host.ID))
	_, err := s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventGameStarted,
		EventRoundStarted,
		EventPlayerGuessed,
		EventRoundResults,
		EventGameFinished,
	}, f.recorder.types())

	ev, ok := f.recorder.last(EventGameFinished)
	require.True(t, ok)
	assert.Equal(t, StatusFinished, ev.Snapshot.Status)
	require.NotNil(t, ev.Snapshot.FinalResults)
}

func TestRegistryLookupAndEviction(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, &SettingsPatch{TotalRounds: intPtr(1)})

	byCode, err := f.registry.GetByCode(s.JoinCode())
	require.NoError(t, err)
	assert.Same(t, s, byCode)
	lower, err := f.registry.GetByCode(" " + lowercase(s.JoinCode()) + " ")
	require.NoError(t, err)
	assert.Same(t, s, lower)

	_, err = f.registry.Get(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownSession)

	require.NoError(t, s.Start(host.ID))
	_, err = s.SubmitGuess(host.ID, 1, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, s.Snapshot().Status)

	// Finished sessions stay resolvable for the grace period.
	assert.Equal(t, 1, f.registry.Len())
	f.clock.Advance(finishedTTL)
	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, time.Second, time.Millisecond)
}

func TestRegistryLeaveEvictsEmptySession(t *testing.T) {
	f := newFixture(t)
	s, host := f.newGame(t, nil)

	require.NoError(t, f.registry.Leave(s.ID(), host.ID))
	assert.Equal(t, 0, f.registry.Len())
}

func lowercase(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
