package nodes_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/nodes"
)

var t0 = time.Unix(1_700_000_000, 0)

func telemetry(tele mesh.Telemetry) mesh.Packet {
	return mesh.Packet{From: "!a", To: mesh.Broadcast, Kind: mesh.KindTelemetry, Telemetry: &tele}
}

func TestApplyEnrichesMonotonically(t *testing.T) {
	s := nodes.NewStore(nil)

	changed, _ := s.Apply("!a", telemetry(mesh.Telemetry{BatteryLevel: mesh.Float(50)}), t0)
	require.True(t, changed)
	changed, rec := s.Apply("!a", telemetry(mesh.Telemetry{TemperatureC: mesh.Float(70)}), t0.Add(time.Second))
	require.True(t, changed)

	require.NotNil(t, rec.Battery)
	require.NotNil(t, rec.TempC)
	assert.Equal(t, 50.0, *rec.Battery)
	assert.Equal(t, 70.0, *rec.TempC)
	assert.Equal(t, t0.Add(time.Second), rec.Updated)
}

func TestPressureNormalization(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: 101325, want: 1013.25},
		{in: 1013, want: 1013},
		{in: 1100, want: 1100},
		{in: 1100.5, want: 11.005},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, nodes.NormalizePressure(tt.in), 1e-9, "input %v", tt.in)
	}

	s := nodes.NewStore(nil)
	_, rec := s.Apply("!a", telemetry(mesh.Telemetry{Pressure: mesh.Float(101325)}), t0)
	require.NotNil(t, rec.PressureHPA)
	assert.InDelta(t, 1013.25, *rec.PressureHPA, 1e-9)
}

func TestTemperatureUnits(t *testing.T) {
	s := nodes.NewStore(nil)

	_, rec := s.Apply("!a", telemetry(mesh.Telemetry{TemperatureC: mesh.Float(20)}), t0)
	require.NotNil(t, rec.TempF())
	assert.InDelta(t, 68.0, *rec.TempF(), 1e-9)

	_, rec = s.Apply("!b", telemetry(mesh.Telemetry{TemperatureF: mesh.Float(212)}), t0)
	require.NotNil(t, rec.TempC)
	assert.InDelta(t, 100.0, *rec.TempC, 1e-9)
}

func TestMalformedNumbersLeaveFieldUnset(t *testing.T) {
	s := nodes.NewStore(nil)
	s.Apply("!a", telemetry(mesh.Telemetry{BatteryLevel: mesh.Float(80)}), t0)

	_, rec := s.Apply("!a", telemetry(mesh.Telemetry{
		BatteryLevel: mesh.Float(math.NaN()),
		Voltage:      mesh.Float(math.Inf(1)),
	}), t0)

	require.NotNil(t, rec.Battery)
	assert.Equal(t, 80.0, *rec.Battery)
	assert.Nil(t, rec.Voltage)
}

func TestPositionChangedOnlyWithBlock(t *testing.T) {
	s := nodes.NewStore(nil)

	changed, rec := s.Apply("!a", mesh.Packet{Kind: mesh.KindPosition}, t0)
	assert.False(t, changed)
	assert.True(t, rec.Updated.IsZero())

	changed, rec = s.Apply("!a", mesh.Packet{Kind: mesh.KindPosition, Position: &mesh.Position{
		Latitude:  mesh.Float(1.0),
		Longitude: mesh.Float(2.0),
	}}, t0)
	assert.True(t, changed)
	assert.Equal(t, 1.0, *rec.Latitude)
	assert.Nil(t, rec.Altitude)

	_, rec = s.Apply("!a", mesh.Packet{Kind: mesh.KindPosition, Position: &mesh.Position{Altitude: mesh.Float(30)}}, t0)
	assert.Equal(t, 1.0, *rec.Latitude, "absent latitude must not clear the known one")
	assert.Equal(t, 30.0, *rec.Altitude)
}

func TestOtherKindCreatesRecordWithoutChange(t *testing.T) {
	dir := nodes.NewDirectory()
	dir.Set("!a", "Alpha")
	s := nodes.NewStore(dir)

	changed, rec := s.Apply("!a", mesh.Packet{Kind: mesh.KindOther, To: "!b", RSSI: mesh.Float(-90)}, t0)

	assert.False(t, changed)
	assert.Equal(t, "Alpha", rec.Name)
	assert.Equal(t, "!b", rec.To)
	assert.Equal(t, -90.0, *rec.RSSI)
	assert.Equal(t, 1, s.Len())
}

func TestTextIsTruncated(t *testing.T) {
	s := nodes.NewStore(nil)
	long := strings.Repeat("é", nodes.MaxTextLen+10)

	changed, rec := s.Apply("!a", mesh.Packet{Kind: mesh.KindText, Text: long}, t0)

	assert.True(t, changed)
	assert.Equal(t, strings.Repeat("é", nodes.MaxTextLen), rec.Text)
}

func TestFirstNameWins(t *testing.T) {
	dir := nodes.NewDirectory()
	s := nodes.NewStore(dir)
	s.Apply("!a", mesh.Packet{Kind: mesh.KindOther}, t0)

	dir.Set("!a", "First")
	s.Apply("!a", mesh.Packet{Kind: mesh.KindOther}, t0)
	dir.Set("!a", "Second")
	_, rec := s.Apply("!a", mesh.Packet{Kind: mesh.KindOther}, t0)

	assert.Equal(t, "First", rec.Name)
}

func TestSnapshotIsDisconnected(t *testing.T) {
	s := nodes.NewStore(nil)
	s.Apply("!a", telemetry(mesh.Telemetry{BatteryLevel: mesh.Float(10)}), t0)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	*snap[0].Battery = 99

	rec, ok := s.Get("!a")
	require.True(t, ok)
	assert.Equal(t, 10.0, *rec.Battery)
}
