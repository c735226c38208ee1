// Package trail records per-drone position history during a mission.
package trail

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultMaxPoints   = 500
	DefaultMinDistance = 0.00001 // degrees, roughly one metre
)

// Point is one recorded position.
type Point struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Trails maps drone id to its ordered points, oldest first.
type Trails map[string][]Point

// Store holds trails for every drone. It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	maxPoints   int
	minDistance float64
	trails      Trails
}

// NewStore returns a store capped at maxPoints per drone that ignores points
// closer than minDistance (planar degrees) to the previous one. A
// non-positive maxPoints or a negative minDistance selects the default; a
// zero minDistance only skips exact repeats.
func NewStore(maxPoints int, minDistance float64) *Store {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if minDistance < 0 {
		minDistance = DefaultMinDistance
	}
	return &Store{maxPoints: maxPoints, minDistance: minDistance, trails: make(Trails)}
}

// Append records a point for id and reports whether the trail grew or
// shifted. When full, the oldest point is dropped.
func (s *Store) Append(id string, lat, lng float64, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.trails[id]
	if n := len(pts); n > 0 {
		last := pts[n-1]
		if math.Hypot(lat-last.Lat, lng-last.Lng) <= s.minDistance {
			return false
		}
	}
	pts = append(pts, Point{Lat: lat, Lng: lng, Timestamp: ts})
	if len(pts) > s.maxPoints {
		pts = append(pts[:0:0], pts[len(pts)-s.maxPoints:]...)
	}
	s.trails[id] = pts
	return true
}

// Clear drops every trail and reports whether anything was recorded.
func (s *Store) Clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := len(s.trails) > 0
	s.trails = make(Trails)
	return had
}

// Len returns the number of points recorded for id.
func (s *Store) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trails[id])
}

// Snapshot returns a deep copy of all trails.
func (s *Store) Snapshot() Trails {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Trails, len(s.trails))
	for id, pts := range s.trails {
		out[id] = append([]Point(nil), pts...)
	}
	return out
}
