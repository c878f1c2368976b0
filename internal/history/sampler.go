// Package history keeps a rate-limited, bounded time series per device for
// charting.
package history

import (
	"sync"
	"time"

	"github.com/aminovpavel/meshgate/internal/nodes"
	"github.com/aminovpavel/meshgate/internal/ring"
)

const (
	DefaultCapacity = 300
	DefaultInterval = 2 * time.Second
)

// Point is one sample. Temperature is in °C.
type Point struct {
	Time        time.Time
	Battery     *float64
	TempC       *float64
	PressureHPA *float64
	Humidity    *float64
	RSSI        *float64
	SNR         *float64
}

// Sampler owns every device's series.
type Sampler struct {
	mu       sync.Mutex
	series   map[string]*ring.Ring[Point]
	last     map[string]time.Time
	capacity int
	interval time.Duration
}

// New creates a sampler.
func New(capacity int, interval time.Duration) *Sampler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval < 0 {
		interval = 0
	}
	return &Sampler{
		series:   make(map[string]*ring.Ring[Point]),
		last:     make(map[string]time.Time),
		capacity: capacity,
		interval: interval,
	}
}

// MaybeSample appends a point for id unless the previous accepted sample is
// younger than the sampling interval. It reports whether a point was added.
func (s *Sampler) MaybeSample(id string, rec nodes.Record, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[id]; ok && now.Sub(last) < s.interval {
		return false
	}
	s.last[id] = now

	series, ok := s.series[id]
	if !ok {
		series = ring.New[Point](s.capacity)
		s.series[id] = series
	}
	series.Push(Point{
		Time:        now,
		Battery:     rec.Battery,
		TempC:       rec.TempC,
		PressureHPA: rec.PressureHPA,
		Humidity:    rec.Humidity,
		RSSI:        rec.RSSI,
		SNR:         rec.SNR,
	})
	return true
}

// SetInterval changes the minimum spacing for subsequent samples.
func (s *Sampler) SetInterval(interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
}

// Resize rebuilds every series at the new capacity, keeping the most recent
// points. The lock is held for the whole rebuild.
func (s *Sampler) Resize(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	for _, series := range s.series {
		series.Resize(capacity)
	}
}

// Snapshot copies up to limit of the most recent points per device; a
// non-positive limit returns everything.
func (s *Sampler) Snapshot(limit int) map[string][]Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Point, len(s.series))
	for id, series := range s.series {
		out[id] = clonePoints(series.Last(limit))
	}
	return out
}

func clonePoints(pts []Point) []Point {
	for i := range pts {
		p := &pts[i]
		p.Battery = copyFloat(p.Battery)
		p.TempC = copyFloat(p.TempC)
		p.PressureHPA = copyFloat(p.PressureHPA)
		p.Humidity = copyFloat(p.Humidity)
		p.RSSI = copyFloat(p.RSSI)
		p.SNR = copyFloat(p.SNR)
	}
	return pts
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
