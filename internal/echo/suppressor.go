// Package echo recognises the gateway's own transmissions when the mesh
// relays them back, so they are not recorded twice.
package echo

import (
	"sync"
	"time"

	"github.com/aminovpavel/meshgate/internal/ring"
)

const (
	// DefaultCapacity bounds the recent-send log.
	DefaultCapacity = 512
	// DefaultWindow is how long after a send an identical inbound text is
	// treated as our own echo.
	DefaultWindow = 5 * time.Second
)

type send struct {
	to   string
	text string
	at   time.Time
}

// Suppressor is a bounded log of recent outbound texts.
type Suppressor struct {
	mu     sync.Mutex
	sends  *ring.Ring[send]
	window time.Duration
}

// New creates a suppressor. Zero values select the defaults.
func New(capacity int, window time.Duration) *Suppressor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Suppressor{sends: ring.New[send](capacity), window: window}
}

// RecordSend notes that text was just sent to the given destination.
func (s *Suppressor) RecordSend(to, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends.Push(send{to: to, text: text, at: at})
}

// IsOwnEcho reports whether an inbound text from self to the given destination
// matches a send recorded within the window.
func (s *Suppressor) IsOwnEcho(from, to, text string, now time.Time, self string) bool {
	if from == "" || to == "" || text == "" || self == "" || from != self {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	s.sends.Backward(func(rec send) bool {
		if rec.to == to && rec.text == text && now.Sub(rec.at) <= s.window {
			found = true
			return false
		}
		return true
	})
	return found
}
