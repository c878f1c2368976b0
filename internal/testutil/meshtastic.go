package testutil

import (
	"encoding/json"
	"testing"
)

// Broadcast is the numeric broadcast address used in uplink JSON.
const Broadcast uint32 = 0xFFFFFFFF

// Uplink describes one Meshtastic JSON uplink message for tests.
type Uplink struct {
	ID      uint32
	From    uint32
	To      uint32
	Channel int
	Type    string
	Sender  string
	RSSI    *float64
	SNR     *float64
	Payload any
}

// UplinkTopic returns the topic a gateway node publishes JSON uplinks on.
func UplinkTopic(gateway string) string {
	return "msh/US/2/json/LongFast/" + gateway
}

// BuildUplink marshals an uplink with common defaults used in tests.
func BuildUplink(t testing.TB, up Uplink) []byte {
	t.Helper()
	doc := map[string]any{
		"from":    up.From,
		"to":      up.To,
		"channel": up.Channel,
		"type":    up.Type,
	}
	if up.ID != 0 {
		doc["id"] = up.ID
	}
	if up.Sender != "" {
		doc["sender"] = up.Sender
	}
	if up.RSSI != nil {
		doc["rssi"] = *up.RSSI
	}
	if up.SNR != nil {
		doc["snr"] = *up.SNR
	}
	if up.Payload != nil {
		doc["payload"] = up.Payload
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal uplink: %v", err)
	}
	return data
}

// TextUplink produces a text message uplink.
func TextUplink(t testing.TB, id, from, to uint32, text string) []byte {
	t.Helper()
	return BuildUplink(t, Uplink{ID: id, From: from, To: to, Type: "text", Payload: map[string]any{"text": text}})
}

// TelemetryUplink produces a telemetry uplink with the given payload fields.
func TelemetryUplink(t testing.TB, id, from uint32, fields map[string]any) []byte {
	t.Helper()
	return BuildUplink(t, Uplink{ID: id, From: from, To: Broadcast, Type: "telemetry", Payload: fields})
}

// PositionUplink produces a position uplink in Meshtastic's integer format.
func PositionUplink(t testing.TB, id, from uint32, lat, lon float64, alt int) []byte {
	t.Helper()
	return BuildUplink(t, Uplink{ID: id, From: from, To: Broadcast, Type: "position", Payload: map[string]any{
		"latitude_i":  int64(lat * 1e7),
		"longitude_i": int64(lon * 1e7),
		"altitude":    alt,
	}})
}

// NodeInfoUplink produces a node info uplink.
func NodeInfoUplink(t testing.TB, id, from uint32, longName, shortName string) []byte {
	t.Helper()
	return BuildUplink(t, Uplink{ID: id, From: from, To: Broadcast, Type: "nodeinfo", Payload: map[string]any{
		"longname":  longName,
		"shortname": shortName,
	}})
}
