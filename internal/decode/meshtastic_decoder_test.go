package decode

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/testutil"
)

func decodeMsg(t *testing.T, payload []byte) mesh.Packet {
	t.Helper()
	decoder := NewMeshtasticDecoder(MeshtasticConfig{KeepRaw: true})
	pkt, err := decoder.Decode(context.Background(), mqtt.Message{
		Topic:   testutil.UplinkTopic("!gatew001"),
		Payload: payload,
		Time:    time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	return pkt
}

func TestDecodeText(t *testing.T) {
	pkt := decodeMsg(t, testutil.TextUplink(t, 99, 0xa0cb0f88, testutil.Broadcast, "hello mesh"))

	if pkt.Kind != mesh.KindText || pkt.PortName != "TEXT_MESSAGE_APP" {
		t.Fatalf("expected text kind, got %q/%q", pkt.Kind, pkt.PortName)
	}
	if pkt.From != "!a0cb0f88" {
		t.Fatalf("expected sender !a0cb0f88, got %q", pkt.From)
	}
	if pkt.To != mesh.Broadcast {
		t.Fatalf("expected broadcast destination, got %q", pkt.To)
	}
	if pkt.ID != "99" {
		t.Fatalf("expected id 99, got %q", pkt.ID)
	}
	if pkt.Text != "hello mesh" {
		t.Fatalf("unexpected text %q", pkt.Text)
	}
	if pkt.Gateway != "!gatew001" {
		t.Fatalf("expected gateway from topic, got %q", pkt.Gateway)
	}
	if len(pkt.Raw) == 0 || pkt.Topic == "" {
		t.Fatalf("expected raw payload and topic to be kept")
	}
}

func TestDecodeTelemetryLenientNumbers(t *testing.T) {
	pkt := decodeMsg(t, testutil.TelemetryUplink(t, 1, 0x10, map[string]any{
		"battery_level":       "87",
		"voltage":             "n/a",
		"temperature":         21.5,
		"relative_humidity":   nil,
		"barometric_pressure": 101325,
	}))

	tele := pkt.Telemetry
	if tele == nil {
		t.Fatalf("expected telemetry block")
	}
	if tele.BatteryLevel == nil || *tele.BatteryLevel != 87 {
		t.Fatalf("expected numeric string battery to parse, got %v", tele.BatteryLevel)
	}
	if tele.Voltage != nil {
		t.Fatalf("expected malformed voltage to stay unset, got %v", *tele.Voltage)
	}
	if tele.Humidity != nil {
		t.Fatalf("expected null humidity to stay unset")
	}
	if tele.TemperatureC == nil || *tele.TemperatureC != 21.5 {
		t.Fatalf("expected temperature 21.5, got %v", tele.TemperatureC)
	}
	if tele.Pressure == nil || *tele.Pressure != 101325 {
		t.Fatalf("decoder must pass pressure through unchanged, got %v", tele.Pressure)
	}
}

func TestDecodePosition(t *testing.T) {
	pkt := decodeMsg(t, testutil.PositionUplink(t, 2, 0x10, 51.5, -0.125, 30))

	pos := pkt.Position
	if pos == nil || pos.Latitude == nil || pos.Longitude == nil || pos.Altitude == nil {
		t.Fatalf("expected full position, got %+v", pos)
	}
	if math.Abs(*pos.Latitude-51.5) > 1e-6 || math.Abs(*pos.Longitude+0.125) > 1e-6 {
		t.Fatalf("unexpected coordinates %v,%v", *pos.Latitude, *pos.Longitude)
	}
	if *pos.Altitude != 30 {
		t.Fatalf("expected altitude 30, got %v", *pos.Altitude)
	}
}

func TestDecodeNodeInfo(t *testing.T) {
	pkt := decodeMsg(t, testutil.NodeInfoUplink(t, 3, 0x10, "Roof Node", "RN"))

	if pkt.Kind != mesh.KindNodeInfo {
		t.Fatalf("expected nodeinfo kind, got %q", pkt.Kind)
	}
	if pkt.Node.DisplayName() != "Roof Node" {
		t.Fatalf("unexpected name %q", pkt.Node.DisplayName())
	}
}

func TestDecodeUnknownTypeIsOther(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		wantPort string
	}{
		{name: "neighbor info", typ: "neighborinfo", wantPort: "NEIGHBORINFO"},
		{name: "missing type", typ: "", wantPort: "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := decodeMsg(t, testutil.BuildUplink(t, testutil.Uplink{From: 0x10, To: testutil.Broadcast, Type: tt.typ}))
			if pkt.Kind != mesh.KindOther || pkt.PortName != tt.wantPort {
				t.Fatalf("expected other/%s, got %q/%q", tt.wantPort, pkt.Kind, pkt.PortName)
			}
		})
	}
}

func TestDecodeMalformedPayloadBlock(t *testing.T) {
	pkt := decodeMsg(t, testutil.BuildUplink(t, testutil.Uplink{ID: 5, From: 0x10, To: 0x20, Type: "position", Payload: "garbage"}))

	if pkt.Kind != mesh.KindPosition {
		t.Fatalf("expected position kind, got %q", pkt.Kind)
	}
	if pkt.Position != nil {
		t.Fatalf("expected no position block for malformed payload")
	}
	if pkt.To != "!00000020" {
		t.Fatalf("expected direct destination, got %q", pkt.To)
	}
}

func TestDecodeSignalAndSender(t *testing.T) {
	rssi, snr := -97.0, 6.25
	pkt := decodeMsg(t, testutil.BuildUplink(t, testutil.Uplink{
		From: 0x10, To: testutil.Broadcast, Type: "text", Sender: "!0000beef",
		RSSI: &rssi, SNR: &snr, Payload: map[string]any{"text": "x"},
	}))

	if pkt.RSSI == nil || *pkt.RSSI != rssi || pkt.SNR == nil || *pkt.SNR != snr {
		t.Fatalf("unexpected signal %v/%v", pkt.RSSI, pkt.SNR)
	}
	if pkt.Gateway != "!0000beef" {
		t.Fatalf("expected sender field to win over topic, got %q", pkt.Gateway)
	}
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	decoder := NewMeshtasticDecoder(MeshtasticConfig{})
	_, err := decoder.Decode(context.Background(), mqtt.Message{Payload: []byte{0x0a, 0x02, 0xff}})
	if !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}
}

func TestGatewayFromTopic(t *testing.T) {
	tests := map[string]string{
		"msh/US/2/json/LongFast/!a0cb0f88": "!a0cb0f88",
		"msh/US/2/json/LongFast":           "",
		"!":                                "",
		"":                                 "",
	}
	for topic, want := range tests {
		if got := gatewayFromTopic(topic); got != want {
			t.Fatalf("gatewayFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}
