package nodes

import (
	"strings"
	"sync"
)

// Directory maps device ids to the names they advertise over the link. It is
// filled out-of-band from node info packets and link metadata.
type Directory struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{names: make(map[string]string)}
}

// Set records a name; blank names are ignored.
func (d *Directory) Set(id, name string) {
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return
	}
	d.mu.Lock()
	d.names[id] = name
	d.mu.Unlock()
}

// Name returns the advertised name or "".
func (d *Directory) Name(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[id]
}

// IDs lists every named device.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.names))
	for id := range d.names {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot copies the directory.
func (d *Directory) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.names))
	for id, name := range d.names {
		out[id] = name
	}
	return out
}
