// Package chat stores conversations built over the mesh broadcast channel and
// direct messages between device pairs.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/ring"
)

const (
	// DefaultCapacity is the per-conversation message cap.
	DefaultCapacity = 2000
	// BroadcastLabel names the broadcast conversation.
	BroadcastLabel = "Broadcast (^all)"
	// LocalSender marks messages the gateway sent before knowing its own id.
	LocalSender = "me"

	pairPrefix    = "pair:"
	pairSeparator = "|"
)

// Scope tags whether a message went to everyone or to one recipient.
type Scope string

const (
	ScopeBroadcast Scope = "broadcast"
	ScopeDirect    Scope = "dm"
)

// Message is one chat line.
type Message struct {
	ID    string    `json:"id"`
	Time  time.Time `json:"time"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Text  string    `json:"text"`
	RSSI  *float64  `json:"rssi,omitempty"`
	SNR   *float64  `json:"snr,omitempty"`
	Scope Scope     `json:"scope"`
}

func (m Message) clone() Message {
	if m.RSSI != nil {
		v := *m.RSSI
		m.RSSI = &v
	}
	if m.SNR != nil {
		v := *m.SNR
		m.SNR = &v
	}
	return m
}

// Summary describes a conversation in the conversation list.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"last_activity"`
}

// Directory supplies what the conversation list needs to know about devices.
type Directory interface {
	// Peers lists every device the gateway has heard of.
	Peers() []string
	DisplayName(id string) string
	LastSeen(id string) time.Time
}

// CanonicalID returns the broadcast token when either side is broadcast or
// empty, and otherwise an order-independent pair key.
func CanonicalID(a, b string) string {
	if a == "" || b == "" || a == mesh.Broadcast || b == mesh.Broadcast {
		return mesh.Broadcast
	}
	if b < a {
		a, b = b, a
	}
	return pairPrefix + a + pairSeparator + b
}

// ParsePair splits a pair key into its two members.
func ParsePair(id string) (string, string, bool) {
	body, ok := strings.CutPrefix(id, pairPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(body, pairSeparator)
	if !ok {
		return "", "", false
	}
	return a, b, true
}

// Store holds every conversation's bounded ring and last activity time.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*ring.Ring[Message]
	last     map[string]time.Time
	capacity int
}

// New creates a store capping each conversation at capacity messages.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		convs:    make(map[string]*ring.Ring[Message]),
		last:     make(map[string]time.Time),
		capacity: capacity,
	}
}

// Append pushes msg onto the conversation, evicting the oldest message when
// full, and returns the stored copy (with an ID assigned if it had none and
// its time truncated to the microsecond).
func (s *Store) Append(conv string, msg Message) Message {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	// Microseconds survive the float epoch cursors clients send back as since.
	msg.Time = msg.Time.Truncate(time.Microsecond)
	if msg.ID == "" {
		msg.ID = ulid.MustNew(ulid.Timestamp(msg.Time), ulid.DefaultEntropy()).String()
	}
	msg = msg.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.convs[conv]
	if !ok {
		r = ring.New[Message](s.capacity)
		s.convs[conv] = r
	}
	r.Push(msg)
	s.last[conv] = msg.Time
	return msg.clone()
}

// Len returns the number of conversations holding messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// ListConversations returns every conversation with messages plus a direct
// conversation with each known device, paired with self. Without a known self
// no pairs are synthesised.
func (s *Store) ListConversations(self string, includeSelfAsPeer bool, dir Directory) []Summary {
	s.mu.RLock()
	ids := make(map[string]struct{}, len(s.convs))
	last := make(map[string]time.Time, len(s.last))
	for id := range s.convs {
		ids[id] = struct{}{}
	}
	for id, t := range s.last {
		last[id] = t
	}
	s.mu.RUnlock()

	if self != "" && dir != nil {
		for _, peer := range dir.Peers() {
			if peer == self && !includeSelfAsPeer {
				continue
			}
			ids[CanonicalID(self, peer)] = struct{}{}
		}
	}

	out := make([]Summary, 0, len(ids))
	for id := range ids {
		summary := Summary{ID: id, LastActivity: last[id]}
		a, b, isPair := ParsePair(id)
		switch {
		case id == mesh.Broadcast:
			summary.Name = BroadcastLabel
		case !isPair:
			summary.Name = id
		case self != "" && (self == a || self == b):
			peer := b
			if self == b {
				peer = a
			}
			if peer == self && !includeSelfAsPeer {
				continue
			}
			summary.Name = displayName(dir, peer)
			if summary.LastActivity.IsZero() && dir != nil {
				summary.LastActivity = dir.LastSeen(peer)
			}
		default:
			summary.Name = fmt.Sprintf("%s ↔ %s", displayName(dir, a), displayName(dir, b))
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].ID == mesh.Broadcast, out[j].ID == mesh.Broadcast
		if bi != bj {
			return bi
		}
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Messages returns the conversation's messages oldest first. With overlay
// set, a direct conversation also includes broadcast messages sent by either
// member, tagged as broadcast. since filters strictly newer messages; a
// positive limit keeps only the most recent ones.
func (s *Store) Messages(conv string, since *time.Time, limit int, overlay bool) []Message {
	a, b, isPair := ParsePair(conv)

	s.mu.RLock()
	var out []Message
	if r, ok := s.convs[conv]; ok {
		out = r.Items()
	}
	if overlay && isPair {
		if r, ok := s.convs[mesh.Broadcast]; ok {
			for _, m := range r.Items() {
				if m.From == a || m.From == b {
					m.Scope = ScopeBroadcast
					out = append(out, m)
				}
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})

	if since != nil {
		filtered := out[:0]
		for _, m := range out {
			if m.Time.After(*since) {
				filtered = append(filtered, m)
			}
		}
		out = filtered
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	result := make([]Message, len(out))
	for i, m := range out {
		result[i] = m.clone()
	}
	return result
}

// ImpliedPeer resolves who a conversation is with. A known self picks the
// other pair member; otherwise the most recent sender other than self stands
// in for the peer, and a pair nobody has spoken in yields its second member.
func (s *Store) ImpliedPeer(conv, self string) (string, bool) {
	if conv == mesh.Broadcast {
		return mesh.Broadcast, true
	}
	a, b, isPair := ParsePair(conv)
	if isPair {
		if self != "" && (self == a || self == b) {
			if self == a {
				return b, true
			}
			return a, true
		}
		if a == b {
			return a, true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.convs[conv]
	peer := ""
	if ok {
		r.Backward(func(m Message) bool {
			if m.From != "" && m.From != self && m.From != LocalSender {
				peer = m.From
				return false
			}
			return true
		})
	}
	if peer == "" && isPair {
		peer = b
	}
	return peer, peer != ""
}

func displayName(dir Directory, id string) string {
	if dir == nil {
		return id
	}
	if name := dir.DisplayName(id); name != "" {
		return name
	}
	return id
}
