package decode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
)

// ErrNotJSON is returned for payloads that are not a JSON object.
var ErrNotJSON = errors.New("decode: payload is not a JSON object")

// coordScale converts Meshtastic's integer degrees (1e-7) to degrees.
const coordScale = 1e-7

// MeshtasticConfig controls how packets are decoded.
type MeshtasticConfig struct {
	// KeepRaw copies the uplink payload into Packet.Raw for the activity log.
	KeepRaw bool
}

// MeshtasticDecoder parses Meshtastic JSON uplink messages
// (msh/<region>/2/json/<channel>/!<gateway>).
type MeshtasticDecoder struct {
	cfg MeshtasticConfig
}

// NewMeshtasticDecoder constructs a decoder with the provided configuration.
func NewMeshtasticDecoder(cfg MeshtasticConfig) MeshtasticDecoder {
	return MeshtasticDecoder{cfg: cfg}
}

type uplink struct {
	ID      number          `json:"id"`
	From    number          `json:"from"`
	To      number          `json:"to"`
	Channel number          `json:"channel"`
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	RSSI    number          `json:"rssi"`
	SNR     number          `json:"snr"`
	Payload json.RawMessage `json:"payload"`
}

type textPayload struct {
	Text string `json:"text"`
}

type positionPayload struct {
	LatitudeI  number `json:"latitude_i"`
	LongitudeI number `json:"longitude_i"`
	Latitude   number `json:"latitude"`
	Longitude  number `json:"longitude"`
	Altitude   number `json:"altitude"`
}

type telemetryPayload struct {
	BatteryLevel       number `json:"battery_level"`
	Voltage            number `json:"voltage"`
	Temperature        number `json:"temperature"`
	TemperatureF       number `json:"temperature_f"`
	RelativeHumidity   number `json:"relative_humidity"`
	BarometricPressure number `json:"barometric_pressure"`
}

type nodeInfoPayload struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
}

// Decode converts one uplink message. Only a payload that is not a JSON object
// is an error; malformed fields are left unset and unknown types decode as
// mesh.KindOther.
func (d MeshtasticDecoder) Decode(_ context.Context, msg mqtt.Message) (mesh.Packet, error) {
	pkt := mesh.Packet{
		Topic:      msg.Topic,
		ReceivedAt: msg.Time,
		Gateway:    gatewayFromTopic(msg.Topic),
	}
	if d.cfg.KeepRaw && len(msg.Payload) > 0 {
		pkt.Raw = append([]byte(nil), msg.Payload...)
	}

	var up uplink
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		return pkt, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if id, ok := up.ID.asUint32(); ok && id != 0 {
		pkt.ID = strconv.FormatUint(uint64(id), 10)
	}
	if from, ok := up.From.asUint32(); ok {
		pkt.From = mesh.NodeID(from)
	}
	if to, ok := up.To.asUint32(); ok {
		pkt.To = mesh.NodeID(to)
	}
	if ch, ok := up.Channel.asUint32(); ok {
		pkt.Channel = int(ch)
	}
	if sender := strings.TrimSpace(up.Sender); strings.HasPrefix(sender, "!") {
		pkt.Gateway = sender
	}
	pkt.RSSI = up.RSSI.ptr()
	pkt.SNR = up.SNR.ptr()

	kind := strings.ToLower(strings.TrimSpace(up.Type))
	pkt.Kind, pkt.PortName = classify(kind)

	switch pkt.Kind {
	case mesh.KindText:
		var p textPayload
		if decodeObject(up.Payload, &p) {
			pkt.Text = p.Text
		} else if s, ok := decodeString(up.Payload); ok {
			pkt.Text = s
		}
	case mesh.KindPosition:
		var p positionPayload
		if decodeObject(up.Payload, &p) {
			pkt.Position = p.position()
		}
	case mesh.KindTelemetry:
		var p telemetryPayload
		if decodeObject(up.Payload, &p) {
			pkt.Telemetry = &mesh.Telemetry{
				BatteryLevel: p.BatteryLevel.ptr(),
				Voltage:      p.Voltage.ptr(),
				TemperatureC: p.Temperature.ptr(),
				TemperatureF: p.TemperatureF.ptr(),
				Humidity:     p.RelativeHumidity.ptr(),
				Pressure:     p.BarometricPressure.ptr(),
			}
		}
	case mesh.KindNodeInfo:
		var p nodeInfoPayload
		if decodeObject(up.Payload, &p) {
			pkt.Node = &mesh.NodeInfo{LongName: p.LongName, ShortName: p.ShortName}
		}
	}

	return pkt, nil
}

func classify(kind string) (mesh.Kind, string) {
	switch kind {
	case "text", "sendtext":
		return mesh.KindText, "TEXT_MESSAGE_APP"
	case "position":
		return mesh.KindPosition, "POSITION_APP"
	case "telemetry":
		return mesh.KindTelemetry, "TELEMETRY_APP"
	case "nodeinfo":
		return mesh.KindNodeInfo, "NODEINFO_APP"
	case "":
		return mesh.KindOther, "UNKNOWN"
	default:
		return mesh.KindOther, strings.ToUpper(kind)
	}
}

func (p positionPayload) position() *mesh.Position {
	pos := &mesh.Position{Altitude: p.Altitude.ptr()}
	if v := p.LatitudeI.ptr(); v != nil {
		pos.Latitude = mesh.Float(*v * coordScale)
	} else {
		pos.Latitude = p.Latitude.ptr()
	}
	if v := p.LongitudeI.ptr(); v != nil {
		pos.Longitude = mesh.Float(*v * coordScale)
	} else {
		pos.Longitude = p.Longitude.ptr()
	}
	return pos
}

// gatewayFromTopic returns the trailing "!xxxxxxxx" topic segment, if any.
func gatewayFromTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	last := topic[idx+1:]
	if strings.HasPrefix(last, "!") && len(last) > 1 {
		return last
	}
	return ""
}

func decodeObject(raw json.RawMessage, dst any) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, dst) == nil
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// number accepts a JSON number or a numeric string. Anything else, including
// NaN and infinities, leaves it unset without failing the surrounding decode.
type number struct {
	v   float64
	set bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.v, n.set = v, true
	return nil
}

func (n number) ptr() *float64 {
	if !n.set {
		return nil
	}
	return mesh.Float(n.v)
}

func (n number) asUint32() (uint32, bool) {
	if !n.set || n.v < 0 || n.v > math.MaxUint32 || n.v != math.Trunc(n.v) {
		return 0, false
	}
	return uint32(n.v), true
}
