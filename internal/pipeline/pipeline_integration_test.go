package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
	"github.com/aminovpavel/meshgate/internal/testutil"
)

func TestPipelineFeedsGatewayAndActivityLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := t.TempDir() + "/activity.db"
	writer, err := storage.NewSQLiteWriter(storage.SQLiteConfig{Path: dbPath, QueueSize: 32})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	defer func() {
		if err := writer.Stop(); err != nil {
			t.Errorf("stop writer: %v", err)
		}
	}()

	gw := gateway.New(gateway.Config{}, settings.NewStore(), gateway.WithActivityLog(writer))
	decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{KeepRaw: true})
	client := newIntegrationStubClient()
	pipe := New(client, decoder, gw, WithHousekeepInterval(0))

	errCh := make(chan error, 1)
	go func() {
		if err := pipe.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	<-client.started

	topic := testutil.UplinkTopic("!0000aaaa")
	now := time.Now()
	client.messages <- mqtt.Message{Topic: topic, Time: now, Payload: testutil.NodeInfoUplink(t, 1, 0x10, "Roof", "RF")}
	client.messages <- mqtt.Message{Topic: topic, Time: now, Payload: testutil.TelemetryUplink(t, 2, 0x10, map[string]any{
		"battery_level": 91,
		"temperature":   20,
	})}
	client.messages <- mqtt.Message{Topic: topic, Time: now, Payload: testutil.TextUplink(t, 3, 0x10, testutil.Broadcast, "hello")}
	// duplicate id is dropped before it reaches the stores
	client.messages <- mqtt.Message{Topic: topic, Time: now, Payload: testutil.TextUplink(t, 3, 0x10, testutil.Broadcast, "hello")}

	waitFor(t, func() error {
		dev, ok := gw.Device("!00000010")
		if !ok {
			return fmt.Errorf("device not tracked yet")
		}
		if dev.Battery == nil || *dev.Battery != 91 {
			return fmt.Errorf("battery not applied yet")
		}
		if dev.Name != "Roof" {
			return fmt.Errorf("name not applied yet: %q", dev.Name)
		}
		if msgs := gw.Messages(mesh.Broadcast, nil, 0, false); len(msgs) != 1 {
			return fmt.Errorf("expected one broadcast message, got %d", len(msgs))
		}
		return nil
	})

	waitFor(t, func() error {
		db, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM activity`).Scan(&count); err != nil {
			return err
		}
		// nodeinfo is logged because show_unknown defaults to true
		if count != 3 {
			return fmt.Errorf("expected 3 activity rows, got %d", count)
		}
		return nil
	})

	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("pipeline run returned error: %v", err)
		}
	}
}

type integrationStubClient struct {
	messages chan mqtt.Message
	errs     chan error
	started  chan struct{}
}

func newIntegrationStubClient() *integrationStubClient {
	return &integrationStubClient{
		messages: make(chan mqtt.Message, 4),
		errs:     make(chan error, 1),
		started:  make(chan struct{}),
	}
}

func (c *integrationStubClient) Start(context.Context) error {
	close(c.started)
	return nil
}

func (c *integrationStubClient) Stop() {}

func (c *integrationStubClient) Messages() <-chan mqtt.Message { return c.messages }
func (c *integrationStubClient) Errors() <-chan error          { return c.errs }

func waitFor(t *testing.T, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := fn(); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met: %v", lastErr)
}
