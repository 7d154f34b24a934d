package scoring

import (
	"math"
	"sort"

	"github.com/google/uuid"
)

const earthRadiusKm = 6371.0

// Bonus thresholds in kilometers and the points they award.
const (
	bonusCloseKm  = 100
	bonusNearKm   = 500
	bonusRegionKm = 1000
)

// LatLng is a coordinate pair in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceKm returns the great-circle distance between two coordinates
// using the haversine formula.
func DistanceKm(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Entry is one player's guess distance going into a round scoring pass.
type Entry struct {
	PlayerID   uuid.UUID
	DistanceKm float64
}

// Result carries everything the scoring pass decided for one guess.
// Placement points and total points are always produced together.
type Result struct {
	PlayerID        uuid.UUID
	DistanceKm      float64
	Placement       int
	PlacementPoints int
	BonusPoints     int
	TotalPoints     int
}

// ScoreRound ranks a round's guesses by distance and assigns points.
//
// Placement uses competition ranking: equal distances share a placement
// and the next distinct distance is ranked by how many guesses beat it,
// so [100, 100, 200] on three players yields placements [1, 1, 3].
// Placement points are max(0, totalPlayers-placement+1); totalPlayers is
// the count of players in the session, which may exceed the number of
// guesses when some players never submitted.
func ScoreRound(entries []Entry, totalPlayers int) []Result {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DistanceKm < sorted[j].DistanceKm
	})

	results := make([]Result, len(sorted))
	for i, e := range sorted {
		placement := i + 1
		if i > 0 && e.DistanceKm == sorted[i-1].DistanceKm {
			placement = results[i-1].Placement
		}
		placementPoints := totalPlayers - placement + 1
		if placementPoints < 0 {
			placementPoints = 0
		}
		bonus := BonusPoints(e.DistanceKm)
		results[i] = Result{
			PlayerID:        e.PlayerID,
			DistanceKm:      e.DistanceKm,
			Placement:       placement,
			PlacementPoints: placementPoints,
			BonusPoints:     bonus,
			TotalPoints:     placementPoints + bonus,
		}
	}
	return results
}

// BonusPoints awards points purely from absolute distance to the target.
func BonusPoints(distanceKm float64) int {
	switch {
	case distanceKm <= bonusCloseKm:
		return 5
	case distanceKm <= bonusNearKm:
		return 2
	case distanceKm <= bonusRegionKm:
		return 1
	default:
		return 0
	}
}

// PlayerTotal is a player's cumulative score going into final placement.
type PlayerTotal struct {
	PlayerID        uuid.UUID
	CumulativeScore int
}

// FinalPlacement is a player's rank at the end of the game.
type FinalPlacement struct {
	PlayerID        uuid.UUID `json:"playerId"`
	CumulativeScore int       `json:"cumulativeScore"`
	FinalPlacement  int       `json:"finalPlacement"`
}

// FinalPlacements ranks players by cumulative score descending with the
// same competition-ranking tie rule as ScoreRound, and returns the ids
// of every player tied for first.
func FinalPlacements(totals []PlayerTotal) ([]FinalPlacement, []uuid.UUID) {
	sorted := make([]PlayerTotal, len(totals))
	copy(sorted, totals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CumulativeScore > sorted[j].CumulativeScore
	})

	placements := make([]FinalPlacement, len(sorted))
	var winners []uuid.UUID
	for i, p := range sorted {
		placement := i + 1
		if i > 0 && p.CumulativeScore == sorted[i-1].CumulativeScore {
			placement = placements[i-1].FinalPlacement
		}
		placements[i] = FinalPlacement{
			PlayerID:        p.PlayerID,
			CumulativeScore: p.CumulativeScore,
			FinalPlacement:  placement,
		}
		if placement == 1 {
			winners = append(winners, p.PlayerID)
		}
	}
	return placements, winners
}
