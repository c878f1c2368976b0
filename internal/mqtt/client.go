package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aminovpavel/meshgate/internal/mesh"
)

const (
	defaultKeepAlive          = 30 * time.Second
	defaultConnectRetry       = 5 * time.Second
	defaultMessageBufferDepth = 1024
	defaultTopicPrefix        = "msh"
)

var (
	// ErrNotConnected is returned when publishing without a broker session.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrSelfUnknown is returned when the downlink "from" node cannot be resolved.
	ErrSelfUnknown = errors.New("mqtt: own node id unknown")
	// ErrBadDestination is returned for destinations that are not node ids.
	ErrBadDestination = errors.New("mqtt: destination is not a node id")
)

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	// TopicPrefix and Region form the Meshtastic root topic, e.g. "msh/US".
	TopicPrefix string
	Region      string
	// NodeID is the gateway node ("!a0cb0f88") used as downlink sender.
	NodeID       string
	ClientID     string
	KeepAlive    time.Duration
	ReconnectGap time.Duration
}

// RootTopic joins prefix and region.
func (c Config) RootTopic() string {
	prefix := strings.Trim(c.TopicPrefix, "/")
	region := strings.Trim(c.Region, "/")
	switch {
	case prefix == "" && region == "":
		return defaultTopicPrefix
	case prefix == "":
		return region
	case region == "":
		return prefix
	default:
		return prefix + "/" + region
	}
}

// SubscriptionTopic is the JSON uplink filter for every channel and gateway.
func (c Config) SubscriptionTopic() string {
	return c.RootTopic() + "/2/json/#"
}

// DownlinkTopic is where firmware with JSON downlink enabled listens for sendtext.
func (c Config) DownlinkTopic() string {
	return c.RootTopic() + "/2/json/mqtt/"
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 {
		return errors.New("mqtt: broker port must be positive")
	}
	return nil
}

// Message represents a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Time     time.Time
}

// publisher is the slice of the paho client used for downlink.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionListener registers a callback for broker connect and loss.
func WithConnectionListener(fn func(connected bool)) Option {
	return func(c *Client) {
		c.onConn = fn
	}
}

// WithSelf supplies the own node id when Config.NodeID is empty.
func WithSelf(fn func() string) Option {
	return func(c *Client) {
		c.self = fn
	}
}

// Client manages MQTT connectivity and exposes an async message stream.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	onConn   func(bool)
	self     func() string
	mu       sync.RWMutex
	pub      publisher
	messages chan Message
	errs     chan error
	stopOnce sync.Once
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()

	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		messages: make(chan Message, defaultMessageBufferDepth),
		errs:     make(chan error, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Messages returns a read-only channel with incoming MQTT messages.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns asynchronous error notifications (connection loss, subscribe failures, etc.).
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Start connects to the broker and begins streaming messages until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)

	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	topic := c.cfg.SubscriptionTopic()

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(Message{
			Topic:    msg.Topic(),
			Payload:  append([]byte(nil), msg.Payload()...),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
			Time:     time.Now(),
		})
	})

	opts.OnConnect = func(m mqtt.Client) {
		token := m.Subscribe(topic, 0, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.publishErr(fmt.Errorf("mqtt: subscribe failed for %s: %w", topic, err))
			return
		}
		c.logger.Info("mqtt subscribed", slog.String("topic", topic))
		c.setConnected(true)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.publishErr(fmt.Errorf("mqtt: connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.pub = client
	c.mu.Unlock()

	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	go func() {
		<-ctx.Done()
		c.stop(client)
	}()

	return nil
}

// Stop terminates the MQTT session and closes channels.
func (c *Client) Stop() {
	c.mu.RLock()
	pub := c.pub
	c.mu.RUnlock()
	client, _ := pub.(mqtt.Client)
	c.stop(client)
}

func (c *Client) stop(client mqtt.Client) {
	c.stopOnce.Do(func() {
		if client != nil && client.IsConnected() {
			client.Disconnect(250)
		}
		c.setConnected(false)
		c.mu.Lock()
		c.pub = nil
		close(c.messages)
		close(c.errs)
		c.mu.Unlock()
	})
}

// deliver holds the read lock so stop cannot close the channel mid-send.
func (c *Client) deliver(msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pub == nil {
		return
	}
	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("mqtt dropping message, channel full", slog.String("topic", msg.Topic))
	}
}

func (c *Client) setConnected(connected bool) {
	if c.onConn != nil {
		c.onConn(connected)
	}
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pub == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("mqtt dropping error", slog.Any("error", err))
	}
}

// downlink is the Meshtastic JSON downlink envelope.
type downlink struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func buildDownlink(from uint32, dest string, text string, channel int) ([]byte, error) {
	to, ok := mesh.ParseNodeID(dest)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadDestination, dest)
	}
	return json.Marshal(downlink{From: from, To: to, Channel: channel, Type: "sendtext", Payload: text})
}

func (c *Client) selfNum() (uint32, bool) {
	if num, ok := mesh.ParseNodeID(c.cfg.NodeID); ok && num != mesh.BroadcastNum {
		return num, true
	}
	if c.self != nil {
		if num, ok := mesh.ParseNodeID(c.self()); ok && num != mesh.BroadcastNum {
			return num, true
		}
	}
	return 0, false
}

// SendText publishes a sendtext downlink. QoS 1 is used when an ack is wanted;
// the JSON downlink has no per-packet ack flag of its own.
func (c *Client) SendText(ctx context.Context, dest, text string, channel int, wantAck bool) error {
	c.mu.RLock()
	pub := c.pub
	c.mu.RUnlock()
	if pub == nil || !pub.IsConnected() {
		return ErrNotConnected
	}
	from, ok := c.selfNum()
	if !ok {
		return ErrSelfUnknown
	}
	payload, err := buildDownlink(from, dest, text, channel)
	if err != nil {
		return err
	}

	var qos byte
	if wantAck {
		qos = 1
	}
	token := pub.Publish(c.cfg.DownlinkTopic(), qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	c.logger.Debug("mqtt downlink published",
		slog.String("to", dest),
		slog.Int("channel", channel),
		slog.Bool("want_ack", wantAck),
	)
	return nil
}
