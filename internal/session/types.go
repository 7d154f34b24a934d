package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/mapdash/mapdash/internal/scoring"
)

// Status is the lifecycle phase of a session. Transitions are
// one-directional: Waiting -> Active -> Finished.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// Settings are the host-configurable session parameters.
type Settings struct {
	MaxPlayers      int    `json:"maxPlayers"`
	RoundDurationMs int    `json:"roundDurationMs"`
	TotalRounds     int    `json:"totalRounds"`
	Difficulty      string `json:"difficulty"`
}

// SettingsPatch is a partial settings update; nil fields are unchanged.
type SettingsPatch struct {
	MaxPlayers      *int    `json:"maxPlayers,omitempty"`
	RoundDurationMs *int    `json:"roundDurationMs,omitempty"`
	TotalRounds     *int    `json:"totalRounds,omitempty"`
	Difficulty      *string `json:"difficulty,omitempty"`
}

// DefaultSettings returns the session defaults used when the host does
// not override them.
func DefaultSettings() Settings {
	return Settings{
		MaxPlayers:      8,
		RoundDurationMs: 60_000,
		TotalRounds:     5,
		Difficulty:      "normal",
	}
}

// Player is a session member, human or simulated.
type Player struct {
	ID                uuid.UUID `json:"id"`
	DisplayName       string    `json:"displayName"`
	IsSimulated       bool      `json:"isSimulated"`
	CumulativeScore   int       `json:"cumulativeScore"`
	SimulatedAccuracy float64   `json:"simulatedAccuracy,omitempty"`
	Connected         bool      `json:"connected"`
}

// Guess is one player's submission for a round. Placement, placement
// points and total points stay zero until the round's scoring pass
// writes all of them in a single transition.
type Guess struct {
	PlayerID        uuid.UUID `json:"playerId"`
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	DistanceKm      float64   `json:"distanceKm"`
	PlacementPoints int       `json:"placementPoints"`
	BonusPoints     int       `json:"bonusPoints"`
	TotalPoints     int       `json:"totalPoints"`
	Placement       int       `json:"placement"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// Round holds one round's target and guesses. The target coordinate is
// kept unexported while the round is open so snapshots cannot leak the
// answer; TargetLocation is published when the round completes.
type Round struct {
	ID             uuid.UUID       `json:"id"`
	TargetLocation *scoring.LatLng `json:"targetLocation,omitempty"`
	Guesses        []Guess         `json:"guesses"`
	IsComplete     bool            `json:"isComplete"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`

	target scoring.LatLng
}

// FinalResults is the end-of-game standing. WinnerIDs holds every
// player tied for first.
type FinalResults struct {
	PlayerScores []scoring.FinalPlacement `json:"playerScores"`
	WinnerIDs    []uuid.UUID              `json:"winnerIds"`
	FinishedAt   time.Time                `json:"finishedAt"`
}

// Snapshot is the complete serialized session state. It is the only
// shape clients ever receive; they replace their local copy wholesale
// and never patch individual fields.
type Snapshot struct {
	ID           uuid.UUID     `json:"id"`
	JoinCode     string        `json:"joinCode"`
	HostPlayerID uuid.UUID     `json:"hostPlayerId"`
	Players      []Player      `json:"players"`
	Rounds       []Round       `json:"rounds"`
	Status       Status        `json:"status"`
	Settings     Settings      `json:"settings"`
	FinalResults *FinalResults `json:"finalResults,omitempty"`
}

// CurrentRound returns the most recent round of a snapshot, or nil in
// the lobby.
func (s *Snapshot) CurrentRound() *Round {
	if s == nil || len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

// EventType identifies a session broadcast. Values double as the wire
// event names.
type EventType string

const (
	EventPlayerJoined         EventType = "PLAYER_JOINED"
	EventComputerPlayersAdded EventType = "COMPUTER_PLAYERS_ADDED"
	EventSettingsUpdated      EventType = "SETTINGS_UPDATED"
	EventGameStarted          EventType = "GAME_STARTED"
	EventRoundStarted         EventType = "ROUND_STARTED"
	EventPlayerGuessed        EventType = "PLAYER_GUESSED"
	EventRoundResults         EventType = "ROUND_RESULTS"
	EventGameFinished         EventType = "GAME_FINISHED"
	EventPlayerLeft           EventType = "PLAYER_LEFT"
	EventPlayerDisconnected   EventType = "PLAYER_DISCONNECTED"
)

// Event is a session broadcast carrying the full post-transition
// snapshot. PlayerID identifies the acting player where one exists.
type Event struct {
	Type     EventType `json:"type"`
	PlayerID uuid.UUID `json:"playerId,omitempty"`
	Snapshot *Snapshot `json:"session"`
}
