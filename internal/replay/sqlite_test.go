package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
	"github.com/aminovpavel/meshgate/internal/testutil"
)

func TestReplaySQLite(t *testing.T) {
	ctx := context.Background()
	sourcePath := filepath.Join(t.TempDir(), "activity.db")

	writer, err := storage.NewSQLiteWriter(
		storage.SQLiteConfig{Path: sourcePath, QueueSize: 64},
		storage.WithLogger(observability.NoOpLogger()),
	)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}

	topic := testutil.UplinkTopic("!0000aaaa")
	logged := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []storage.Activity{
		{Time: logged, Event: "TELEMETRY_APP", From: "!00000010", Topic: topic,
			Raw: testutil.TelemetryUplink(t, 1, 0x10, map[string]any{"battery_level": 55})},
		{Time: logged.Add(time.Second), Event: "TEXT_MESSAGE_APP", From: "!00000010", Topic: topic,
			Raw: testutil.TextUplink(t, 2, 0x10, testutil.Broadcast, "replayed")},
		{Time: logged.Add(2 * time.Second), Event: "UNKNOWN", From: "!00000010", Topic: topic, Raw: []byte("not json")},
		{Time: logged.Add(3 * time.Second), Event: "send", From: "!00000001"},
	}
	for _, row := range rows {
		if err := writer.Store(ctx, row); err != nil {
			t.Fatalf("store row: %v", err)
		}
	}
	if err := writer.Stop(); err != nil {
		t.Fatalf("stop writer: %v", err)
	}

	gw := gateway.New(gateway.Config{}, settings.NewStore())
	decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{})

	stats, err := ReplaySQLite(ctx, sourcePath, decoder, gw, Options{})
	if err != nil {
		t.Fatalf("replay sqlite: %v", err)
	}
	if stats.Replayed != 2 || stats.Skipped != 1 {
		t.Fatalf("expected 2 replayed and 1 skipped, got %+v", stats)
	}

	dev, ok := gw.Device("!00000010")
	if !ok {
		t.Fatalf("expected replayed device")
	}
	if dev.Battery == nil || *dev.Battery != 55 {
		t.Fatalf("expected battery 55, got %v", dev.Battery)
	}
	if dev.Updated == nil || !dev.Updated.Equal(logged.Add(time.Second)) {
		t.Fatalf("expected logged timestamps to be kept, got %v", dev.Updated)
	}

	msgs := gw.Messages(mesh.Broadcast, nil, 0, false)
	if len(msgs) != 1 || msgs[0].Text != "replayed" {
		t.Fatalf("expected replayed broadcast message, got %+v", msgs)
	}
}

func TestReplayLimitAndRange(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		query string
		args  int
	}{
		{name: "all", opts: Options{}, query: `SELECT id, topic, raw_payload, timestamp FROM activity WHERE raw_payload IS NOT NULL ORDER BY id`},
		{name: "range and limit", opts: Options{StartID: 2, EndID: 9, Limit: 3}, query: `SELECT id, topic, raw_payload, timestamp FROM activity WHERE raw_payload IS NOT NULL AND id >= ? AND id <= ? ORDER BY id LIMIT ?`, args: 3},
		{name: "since", opts: Options{Since: time.Unix(100, 0)}, query: `SELECT id, topic, raw_payload, timestamp FROM activity WHERE raw_payload IS NOT NULL AND timestamp >= ? ORDER BY id`, args: 1},
	}
	for _, tt := range tests {
		query, args := buildQuery(tt.opts)
		if query != tt.query {
			t.Fatalf("%s: unexpected query %q", tt.name, query)
		}
		if len(args) != tt.args {
			t.Fatalf("%s: expected %d args, got %d", tt.name, tt.args, len(args))
		}
	}
}

func TestReplayValidatesArguments(t *testing.T) {
	decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{})
	gw := gateway.New(gateway.Config{}, settings.NewStore())

	if _, err := ReplaySQLite(context.Background(), "", decoder, gw, Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := ReplaySQLite(context.Background(), "x.db", nil, gw, Options{}); err == nil {
		t.Fatalf("expected error for nil decoder")
	}
	if _, err := ReplaySQLite(context.Background(), "x.db", decoder, nil, Options{}); err == nil {
		t.Fatalf("expected error for nil ingester")
	}
}
