// Package dedup remembers recently seen packet identifiers so a packet heard
// through several relays is applied only once.
package dedup

import (
	"sync"

	"github.com/aminovpavel/meshgate/internal/ring"
)

// DefaultCapacity is the number of identifiers remembered.
const DefaultCapacity = 10000

// Ledger is a membership set mirrored by an insertion-ordered ring. The set is
// rebuilt from the ring each time the ring wraps, so evicted identifiers
// linger in the set for at most one extra pass.
type Ledger struct {
	mu    sync.Mutex
	order *ring.Ring[string]
	set   map[string]struct{}
}

// New creates a ledger remembering up to capacity identifiers.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		order: ring.New[string](capacity),
		set:   make(map[string]struct{}, capacity),
	}
}

// SeenOnce reports whether id was already recorded, recording it otherwise.
// An empty id is never deduplicated.
func (l *Ledger) SeenOnce(id string) bool {
	if id == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[id]; ok {
		return true
	}
	l.set[id] = struct{}{}
	if l.order.Push(id) {
		l.rebuild()
	}
	return false
}

// Len returns the number of identifiers currently in the membership set.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.set)
}

func (l *Ledger) rebuild() {
	ids := l.order.Items()
	l.set = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		l.set[id] = struct{}{}
	}
}
