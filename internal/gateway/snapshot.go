package gateway

import (
	"context"
	"time"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/history"
	"github.com/aminovpavel/meshgate/internal/nodes"
	"github.com/aminovpavel/meshgate/internal/settings"
)

// Device is the client view of one device record.
type Device struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	To          string     `json:"to,omitempty"`
	RSSI        *float64   `json:"rssi"`
	SNR         *float64   `json:"snr"`
	Battery     *float64   `json:"battery"`
	Voltage     *float64   `json:"voltage"`
	TempC       *float64   `json:"temp_c"`
	TempF       *float64   `json:"temp_f"`
	Humidity    *float64   `json:"humidity"`
	PressureHPA *float64   `json:"pressure_hpa"`
	Latitude    *float64   `json:"lat"`
	Longitude   *float64   `json:"lon"`
	Altitude    *float64   `json:"alt"`
	Text        string     `json:"text,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	Updated     *time.Time `json:"updated"`
}

// DevicesSnapshot is everything the device table needs in one read.
type DevicesSnapshot struct {
	Connected  bool              `json:"connected"`
	ServerTime time.Time         `json:"server_time"`
	SelfID     string            `json:"my_id,omitempty"`
	SelfName   string            `json:"my_name,omitempty"`
	Names      map[string]string `json:"names"`
	Settings   settings.Settings `json:"settings"`
	Devices    map[string]Device `json:"nodes"`
}

// HistoryPoint is the client view of one history sample.
type HistoryPoint struct {
	Time        time.Time `json:"t"`
	Battery     *float64  `json:"battery"`
	TempC       *float64  `json:"temp_c"`
	TempF       *float64  `json:"temp_f"`
	PressureHPA *float64  `json:"pressure_hpa"`
	Humidity    *float64  `json:"humidity"`
	RSSI        *float64  `json:"rssi"`
	SNR         *float64  `json:"snr"`
}

// Devices returns every device record plus link and identity state.
func (g *Gateway) Devices() DevicesSnapshot {
	cfg := g.settings.Get()
	self := g.Self()
	snap := DevicesSnapshot{
		Connected:  g.Connected(),
		ServerTime: g.now(),
		SelfID:     self,
		Names:      g.names.Snapshot(),
		Settings:   cfg,
		Devices:    make(map[string]Device),
	}
	if self != "" {
		snap.SelfName = g.displayName(cfg, self)
	}
	for _, rec := range g.nodes.Snapshot() {
		snap.Devices[rec.ID] = g.deviceView(cfg, rec)
	}
	return snap
}

// Device returns one device record.
func (g *Gateway) Device(id string) (Device, bool) {
	rec, ok := g.nodes.Get(id)
	if !ok {
		return Device{}, false
	}
	return g.deviceView(g.settings.Get(), rec), true
}

func (g *Gateway) deviceView(cfg settings.Settings, rec nodes.Record) Device {
	d := Device{
		ID:          rec.ID,
		Name:        rec.Name,
		To:          rec.To,
		RSSI:        rec.RSSI,
		SNR:         rec.SNR,
		Battery:     rec.Battery,
		Voltage:     rec.Voltage,
		TempC:       rec.TempC,
		TempF:       rec.TempF(),
		Humidity:    rec.Humidity,
		PressureHPA: rec.PressureHPA,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		Altitude:    rec.Altitude,
		Text:        rec.Text,
		FirstSeen:   rec.FirstSeen,
	}
	if alias := cfg.Alias(rec.ID); alias != "" {
		d.Name = alias
	}
	if !rec.Updated.IsZero() {
		updated := rec.Updated
		d.Updated = &updated
	}
	return d
}

// History returns up to limit of the most recent points per device; a
// non-positive limit returns everything held.
func (g *Gateway) History(limit int) map[string][]HistoryPoint {
	raw := g.history.Snapshot(limit)
	out := make(map[string][]HistoryPoint, len(raw))
	for id, pts := range raw {
		out[id] = historyView(pts)
	}
	return out
}

func historyView(pts []history.Point) []HistoryPoint {
	out := make([]HistoryPoint, len(pts))
	for i, p := range pts {
		hp := HistoryPoint{
			Time:        p.Time,
			Battery:     p.Battery,
			TempC:       p.TempC,
			PressureHPA: p.PressureHPA,
			Humidity:    p.Humidity,
			RSSI:        p.RSSI,
			SNR:         p.SNR,
		}
		if p.TempC != nil {
			f := nodes.CelsiusToFahrenheit(*p.TempC)
			hp.TempF = &f
		}
		out[i] = hp
	}
	return out
}

// Conversations lists conversations for the chat view.
func (g *Gateway) Conversations() []chat.Summary {
	cfg := g.settings.Get()
	return g.chat.ListConversations(g.Self(), !cfg.HideSelfAsRecipient, directory{g: g, cfg: cfg, now: g.now()})
}

// Messages returns one conversation's messages; see chat.Store.Messages.
func (g *Gateway) Messages(conv string, since *time.Time, limit int, overlay bool) []chat.Message {
	return g.chat.Messages(conv, since, limit, overlay)
}

// Settings returns the effective settings.
func (g *Gateway) Settings() settings.Settings {
	return g.settings.Get()
}

// MergeSettings applies a partial settings document and returns the result.
func (g *Gateway) MergeSettings(ctx context.Context, partial map[string]any) settings.Settings {
	return g.settings.Merge(ctx, partial)
}

func (g *Gateway) displayName(cfg settings.Settings, id string) string {
	if alias := cfg.Alias(id); alias != "" {
		return alias
	}
	if rec, ok := g.nodes.Get(id); ok && rec.Name != "" {
		return rec.Name
	}
	return g.names.Name(id)
}

// directory adapts the gateway's device knowledge for the conversation list.
type directory struct {
	g   *Gateway
	cfg settings.Settings
	now time.Time
}

func (d directory) Peers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if stale := d.cfg.StaleAfter(); stale > 0 {
			last := d.g.nodes.LastUpdated(id)
			if last.IsZero() || d.now.Sub(last) > stale {
				return
			}
		}
		out = append(out, id)
	}
	for _, id := range d.g.names.IDs() {
		add(id)
	}
	for _, id := range d.g.nodes.IDs() {
		add(id)
	}
	return out
}

func (d directory) DisplayName(id string) string {
	return d.g.displayName(d.cfg, id)
}

func (d directory) LastSeen(id string) time.Time {
	return d.g.nodes.LastUpdated(id)
}
