// Package mesh holds the decoded radio packet model shared by the link,
// decoder and aggregation packages.
package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Broadcast is the reserved destination meaning every listener on the channel.
const Broadcast = "^all"

// BroadcastNum is the numeric node address Meshtastic uses for broadcasts.
const BroadcastNum uint32 = 0xFFFFFFFF

// Kind classifies a decoded payload.
type Kind string

const (
	KindText      Kind = "text"
	KindPosition  Kind = "position"
	KindTelemetry Kind = "telemetry"
	KindNodeInfo  Kind = "nodeinfo"
	KindOther     Kind = "other"
)

// Packet is one decoded inbound radio packet.
type Packet struct {
	ID      string
	From    string
	To      string
	Channel int
	RSSI    *float64
	SNR     *float64
	Kind    Kind
	// PortName is the raw type reported by the link, kept for logging.
	PortName string

	Text      string
	Position  *Position
	Telemetry *Telemetry
	Node      *NodeInfo

	// Gateway is the link-level identity of the node that relayed the packet
	// to us, when the transport reports one.
	Gateway    string
	ReceivedAt time.Time
	// Topic and Raw are the link-level envelope the packet was decoded from.
	Topic string
	Raw   []byte
}

// Position carries whichever coordinates the packet reported.
type Position struct {
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
}

// Telemetry carries device and environment metrics. Temperature may arrive in
// either unit; TemperatureF is only consulted when TemperatureC is absent.
type Telemetry struct {
	BatteryLevel *float64
	Voltage      *float64
	TemperatureC *float64
	TemperatureF *float64
	Humidity     *float64
	Pressure     *float64
}

// NodeInfo is the identity block a device advertises about itself.
type NodeInfo struct {
	LongName  string
	ShortName string
}

// DisplayName prefers the long name.
func (n *NodeInfo) DisplayName() string {
	if n == nil {
		return ""
	}
	if name := strings.TrimSpace(n.LongName); name != "" {
		return name
	}
	return strings.TrimSpace(n.ShortName)
}

// IsBroadcast reports whether the packet was addressed to everyone.
func (p Packet) IsBroadcast() bool {
	return p.To == Broadcast || p.To == ""
}

// NodeID renders a numeric node address in the canonical "!%08x" form.
func NodeID(num uint32) string {
	if num == BroadcastNum {
		return Broadcast
	}
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts "!a0cb0f88" (or bare hex) back to a node number.
func ParseNodeID(id string) (uint32, bool) {
	trimmed := strings.TrimSpace(id)
	if trimmed == Broadcast {
		return BroadcastNum, true
	}
	trimmed = strings.TrimPrefix(trimmed, "!")
	if trimmed == "" {
		return 0, false
	}
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(value), true
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
