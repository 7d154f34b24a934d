package session

import (
	"math"
	"math/rand"
	"sync"

	"github.com/mapdash/mapdash/internal/scoring"
)

// GuessStrategy produces a simulated player's guess for a target.
// Implementations must be safe for concurrent use.
type GuessStrategy interface {
	Guess(target scoring.LatLng, accuracy float64) scoring.LatLng
}

// TargetSource picks the target coordinate for a round. Implementations
// must be safe for concurrent use.
type TargetSource interface {
	Next(difficulty string, roundNumber int) scoring.LatLng
}

// maxOffsetKm bounds how far a zero-accuracy simulated guess can land
// from the target.
const maxOffsetKm = 5000.0

// OffsetStrategy guesses by displacing the target a random distance in a
// random direction. Accuracy 1 lands on the target; accuracy 0 can miss
// by up to maxOffsetKm.
type OffsetStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewOffsetStrategy(seed int64) *OffsetStrategy {
	return &OffsetStrategy{rng: rand.New(rand.NewSource(seed))}
}

func (o *OffsetStrategy) Guess(target scoring.LatLng, accuracy float64) scoring.LatLng {
	if accuracy < 0 {
		accuracy = 0
	}
	if accuracy > 1 {
		accuracy = 1
	}

	o.mu.Lock()
	radiusKm := (1 - accuracy) * maxOffsetKm * o.rng.Float64()
	bearing := o.rng.Float64() * 2 * math.Pi
	o.mu.Unlock()

	return displace(target, radiusKm, bearing)
}

// displace moves a coordinate along a great circle by distanceKm toward
// the given bearing (radians).
func displace(from scoring.LatLng, distanceKm, bearing float64) scoring.LatLng {
	const earthRadiusKm = 6371.0
	d := distanceKm / earthRadiusKm

	lat1 := from.Lat * math.Pi / 180
	lng1 := from.Lng * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(
		math.Sin(bearing)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2),
	)

	lngDeg := lng2 * 180 / math.Pi
	for lngDeg > 180 {
		lngDeg -= 360
	}
	for lngDeg < -180 {
		lngDeg += 360
	}
	return scoring.LatLng{Lat: lat2 * 180 / math.Pi, Lng: lngDeg}
}

// RandomTargets draws uniform random targets inside a latitude band that
// skips the polar oceans. Difficulty-specific location datasets live
// outside this package; every difficulty draws from the same band here.
type RandomTargets struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomTargets(seed int64) *RandomTargets {
	return &RandomTargets{rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomTargets) Next(difficulty string, roundNumber int) scoring.LatLng {
	r.mu.Lock()
	defer r.mu.Unlock()
	return scoring.LatLng{
		Lat: -60 + r.rng.Float64()*130,
		Lng: -180 + r.rng.Float64()*360,
	}
}

// FixedTargets replays a preset list of targets, cycling when exhausted.
type FixedTargets struct {
	mu        sync.Mutex
	locations []scoring.LatLng
	next      int
}

func NewFixedTargets(locations ...scoring.LatLng) *FixedTargets {
	return &FixedTargets{locations: locations}
}

func (f *FixedTargets) Next(difficulty string, roundNumber int) scoring.LatLng {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc := f.locations[f.next%len(f.locations)]
	f.next++
	return loc
}
