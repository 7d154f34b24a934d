package scoring

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entriesFromDistances(distances []float64) []Entry {
	entries := make([]Entry, len(distances))
	for i, d := range distances {
		entries[i] = Entry{PlayerID: uuid.New(), DistanceKm: d}
	}
	return entries
}

func TestDistanceKm(t *testing.T) {
	paris := LatLng{Lat: 48.8566, Lng: 2.3522}
	london := LatLng{Lat: 51.5074, Lng: -0.1278}

	d := DistanceKm(paris, london)
	assert.InDelta(t, 344, d, 5, "Paris-London is roughly 344 km")

	assert.Zero(t, DistanceKm(paris, paris))
	assert.InDelta(t, DistanceKm(paris, london), DistanceKm(london, paris), 1e-9)
}

func TestScoreRoundCompetitionRanking(t *testing.T) {
	results := ScoreRound(entriesFromDistances([]float64{100, 100, 200}), 3)
	require.Len(t, results, 3)

	assert.Equal(t, 1, results[0].Placement)
	assert.Equal(t, 1, results[1].Placement)
	assert.Equal(t, 3, results[2].Placement)

	assert.Equal(t, 3, results[0].PlacementPoints)
	assert.Equal(t, 3, results[1].PlacementPoints)
	assert.Equal(t, 1, results[2].PlacementPoints)
}

func TestScoreRoundTotals(t *testing.T) {
	// Distances [0, 150, 300]: placements 3+5, 2+2, 1+2.
	results := ScoreRound(entriesFromDistances([]float64{0, 150, 300}), 3)
	require.Len(t, results, 3)

	totals := []int{results[0].TotalPoints, results[1].TotalPoints, results[2].TotalPoints}
	assert.Equal(t, []int{8, 4, 3}, totals)

	for _, r := range results {
		assert.Equal(t, r.PlacementPoints+r.BonusPoints, r.TotalPoints)
	}
}

func TestScoreRoundPlacementPointsSum(t *testing.T) {
	// Distinct distances hand out exactly the points 1..N.
	distinct := [][]float64{
		{10, 20, 30},
		{5, 80, 120, 9000},
		{},
		{42},
	}
	for _, distances := range distinct {
		n := len(distances)
		sum := 0
		for _, r := range ScoreRound(entriesFromDistances(distances), n) {
			sum += r.PlacementPoints
		}
		assert.Equal(t, n*(n+1)/2, sum, "distances %v", distances)
	}
}

func TestScoreRoundTiesRaiseThePointsSum(t *testing.T) {
	// Competition ranking gives a tied group the best rank's points, so
	// ties can only push the sum above the distinct-distance total.
	sumFor := func(distances []float64) int {
		sum := 0
		for _, r := range ScoreRound(entriesFromDistances(distances), len(distances)) {
			sum += r.PlacementPoints
		}
		return sum
	}

	assert.Equal(t, 9, sumFor([]float64{10, 10, 10}), "three-way tie for first: 3+3+3")
	assert.Equal(t, 16, sumFor([]float64{5, 5, 80, 120, 9000}), "pair tied for first: 5+5+3+2+1")
	assert.Equal(t, 7, sumFor([]float64{100, 100, 200}), "3+3+1")
}

func TestScoreRoundFewerGuessesThanPlayers(t *testing.T) {
	// 2 guesses among 4 players: best guess still earns 4 points.
	results := ScoreRound(entriesFromDistances([]float64{50, 2000}), 4)
	require.Len(t, results, 2)
	assert.Equal(t, 4, results[0].PlacementPoints)
	assert.Equal(t, 3, results[1].PlacementPoints)
}

func TestBonusPoints(t *testing.T) {
	cases := []struct {
		distance float64
		want     int
	}{
		{0, 5},
		{100, 5},
		{100.01, 2},
		{500, 2},
		{500.01, 1},
		{1000, 1},
		{1000.01, 0},
		{15000, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BonusPoints(tc.distance), "distance %v", tc.distance)
	}
}

func TestFinalPlacements(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	placements, winners := FinalPlacements([]PlayerTotal{
		{PlayerID: a, CumulativeScore: 12},
		{PlayerID: b, CumulativeScore: 20},
		{PlayerID: c, CumulativeScore: 20},
	})

	require.Len(t, placements, 3)
	assert.Equal(t, 1, placements[0].FinalPlacement)
	assert.Equal(t, 1, placements[1].FinalPlacement)
	assert.Equal(t, 3, placements[2].FinalPlacement)
	assert.Equal(t, a, placements[2].PlayerID)

	assert.ElementsMatch(t, []uuid.UUID{b, c}, winners)
}

func TestFinalPlacementsSingleWinner(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	_, winners := FinalPlacements([]PlayerTotal{
		{PlayerID: a, CumulativeScore: 3},
		{PlayerID: b, CumulativeScore: 9},
	})
	assert.Equal(t, []uuid.UUID{b}, winners)
}
