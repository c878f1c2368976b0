package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		sub      string
		downlink string
	}{
		{name: "prefix and region", cfg: Config{TopicPrefix: "msh", Region: "US"}, sub: "msh/US/2/json/#", downlink: "msh/US/2/json/mqtt/"},
		{name: "trailing slashes", cfg: Config{TopicPrefix: "msh/", Region: "/EU_868/"}, sub: "msh/EU_868/2/json/#", downlink: "msh/EU_868/2/json/mqtt/"},
		{name: "prefix only", cfg: Config{TopicPrefix: "mesh"}, sub: "mesh/2/json/#", downlink: "mesh/2/json/mqtt/"},
		{name: "both empty", cfg: Config{}, sub: "msh/2/json/#", downlink: "msh/2/json/mqtt/"},
	}

	for _, tt := range tests {
		if topic := tt.cfg.SubscriptionTopic(); topic != tt.sub {
			t.Fatalf("%s: expected subscription %q, got %q", tt.name, tt.sub, topic)
		}
		if topic := tt.cfg.DownlinkTopic(); topic != tt.downlink {
			t.Fatalf("%s: expected downlink %q, got %q", tt.name, tt.downlink, topic)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}

	client, err := NewClient(Config{BrokerHost: "mqtt.meshtastic.org", BrokerPort: 1883})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected client instance")
	}
}

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	tok := &doneToken{err: err, done: make(chan struct{})}
	close(tok.done)
	return tok
}

func (d *doneToken) Wait() bool                     { return true }
func (d *doneToken) WaitTimeout(time.Duration) bool { return true }
func (d *doneToken) Done() <-chan struct{}          { return d.done }
func (d *doneToken) Error() error                   { return d.err }

type stubPublisher struct {
	connected bool
	err       error
	topic     string
	qos       byte
	payload   []byte
}

func (s *stubPublisher) IsConnected() bool { return s.connected }

func (s *stubPublisher) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	s.topic = topic
	s.qos = qos
	s.payload, _ = payload.([]byte)
	return newDoneToken(s.err)
}

func newTestClient(t *testing.T, cfg Config, pub publisher, opts ...Option) *Client {
	t.Helper()
	cfg.BrokerHost = "localhost"
	cfg.BrokerPort = 1883
	client, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.pub = pub
	return client
}

func TestSendTextPublishesDownlink(t *testing.T) {
	pub := &stubPublisher{connected: true}
	client := newTestClient(t, Config{TopicPrefix: "msh", Region: "US", NodeID: "!a0cb0f88"}, pub)

	if err := client.SendText(context.Background(), "!0000beef", "hello", 2, true); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if pub.topic != "msh/US/2/json/mqtt/" || pub.qos != 1 {
		t.Fatalf("unexpected publish target %q qos=%d", pub.topic, pub.qos)
	}

	var got downlink
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	want := downlink{From: 0xa0cb0f88, To: 0xbeef, Channel: 2, Type: "sendtext", Payload: "hello"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestSendTextBroadcastUsesSelfFunc(t *testing.T) {
	pub := &stubPublisher{connected: true}
	client := newTestClient(t, Config{}, pub, WithSelf(func() string { return "!00000001" }))

	if err := client.SendText(context.Background(), "^all", "to everyone", 0, false); err != nil {
		t.Fatalf("send text: %v", err)
	}
	var got downlink
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	if got.From != 1 || got.To != 0xFFFFFFFF || pub.qos != 0 {
		t.Fatalf("unexpected broadcast downlink %+v qos=%d", got, pub.qos)
	}
}

func TestSendTextErrors(t *testing.T) {
	publishErr := errors.New("broker said no")
	tests := []struct {
		name string
		cfg  Config
		pub  *stubPublisher
		dest string
		want error
	}{
		{name: "disconnected", cfg: Config{NodeID: "!00000001"}, pub: &stubPublisher{}, dest: "!00000002", want: ErrNotConnected},
		{name: "self unknown", cfg: Config{}, pub: &stubPublisher{connected: true}, dest: "!00000002", want: ErrSelfUnknown},
		{name: "bad destination", cfg: Config{NodeID: "!00000001"}, pub: &stubPublisher{connected: true}, dest: "bob", want: ErrBadDestination},
		{name: "publish failure", cfg: Config{NodeID: "!00000001"}, pub: &stubPublisher{connected: true, err: publishErr}, dest: "!00000002", want: publishErr},
	}

	for _, tt := range tests {
		client := newTestClient(t, tt.cfg, tt.pub)
		err := client.SendText(context.Background(), tt.dest, "x", 0, false)
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestStopClosesChannelsAndReportsDisconnect(t *testing.T) {
	var states []bool
	client := newTestClient(t, Config{}, &stubPublisher{connected: true}, WithConnectionListener(func(c bool) {
		states = append(states, c)
	}))

	client.deliver(Message{Topic: "msh/US/2/json/LongFast/!1"})
	client.Stop()
	client.Stop()

	if msg, ok := <-client.Messages(); !ok || msg.Topic != "msh/US/2/json/LongFast/!1" {
		t.Fatalf("expected buffered message before close, got %+v ok=%v", msg, ok)
	}
	if _, ok := <-client.Messages(); ok {
		t.Fatalf("expected messages channel to be closed")
	}
	if _, ok := <-client.Errors(); ok {
		t.Fatalf("expected errors channel to be closed")
	}
	if len(states) != 1 || states[0] {
		t.Fatalf("expected a single disconnect notification, got %v", states)
	}

	// Late callbacks after stop must not panic.
	client.deliver(Message{Topic: "late"})
	client.publishErr(errors.New("late"))
}
