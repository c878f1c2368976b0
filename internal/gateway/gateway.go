// Package gateway is the aggregation core: it applies inbound packets to the
// per-component stores in order, answers snapshot queries and sends text.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/dedup"
	"github.com/aminovpavel/meshgate/internal/echo"
	"github.com/aminovpavel/meshgate/internal/history"
	"github.com/aminovpavel/meshgate/internal/nodes"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
)

// Radio delivers outbound text to the mesh.
type Radio interface {
	SendText(ctx context.Context, dest, text string, channel int, wantAck bool) error
}

// EventType names what changed.
type EventType string

const (
	EventDevice   EventType = "device"
	EventMessage  EventType = "message"
	EventSettings EventType = "settings"
	EventLink     EventType = "link"
)

// Event tells live clients which snapshot to re-fetch.
type Event struct {
	Type         EventType `json:"type"`
	Device       string    `json:"device,omitempty"`
	Conversation string    `json:"conv,omitempty"`
	Time         time.Time `json:"time"`
}

// Notifier receives change events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Config sizes the stores and bounds outbound sends.
type Config struct {
	MessagesPerConversation int
	DedupCapacity           int
	RecentSends             int
	EchoWindow              time.Duration
	SendRatePerMinute       int
	SendTimeout             time.Duration
	// SelfID, when set, is the gateway's own node id from configuration.
	SelfID string
	// SelfFromGateway adopts the relaying gateway id reported by the link as
	// self when self is still unknown.
	SelfFromGateway bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithRadio sets the outbound link.
func WithRadio(r Radio) Option {
	return func(g *Gateway) {
		g.radio = r
	}
}

// WithActivityLog sets where per-packet activity rows go.
func WithActivityLog(w storage.Writer) Option {
	return func(g *Gateway) {
		if w != nil {
			g.activity = w
		}
	}
}

// WithNotifier sets the change event sink.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) {
		g.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway owns every store. Each store guards itself; the gateway never holds
// two store locks at once.
type Gateway struct {
	cfg Config

	dedup    *dedup.Ledger
	echo     *echo.Suppressor
	names    *nodes.Directory
	nodes    *nodes.Store
	history  *history.Sampler
	chat     *chat.Store
	settings *settings.Store

	idMu      sync.RWMutex
	self      string
	connected bool

	radio    Radio
	limiter  *rate.Limiter
	activity storage.Writer
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// New builds a gateway around st. The history store is sized from the current
// settings and follows later changes.
func New(cfg Config, st *settings.Store, opts ...Option) *Gateway {
	if st == nil {
		st = settings.NewStore()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	current := st.Get()
	names := nodes.NewDirectory()

	g := &Gateway{
		cfg:      cfg,
		dedup:    dedup.New(cfg.DedupCapacity),
		echo:     echo.New(cfg.RecentSends, cfg.EchoWindow),
		names:    names,
		nodes:    nodes.NewStore(names),
		history:  history.New(current.HistoryMax, current.SampleInterval()),
		chat:     chat.New(cfg.MessagesPerConversation),
		settings: st,
		self:     cfg.SelfID,
		limiter:  newLimiter(cfg.SendRatePerMinute),
		activity: storage.NopWriter{},
		logger:   observability.NoOpLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	st.OnChange(g.applySettings)
	return g
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func (g *Gateway) applySettings(prev, next settings.Settings) {
	if prev.HistoryMax != next.HistoryMax {
		g.history.Resize(next.HistoryMax)
		g.logger.Info("history resized", slog.Int("capacity", next.HistoryMax))
	}
	if prev.SampleSecs != next.SampleSecs {
		g.history.SetInterval(next.SampleInterval())
	}
	g.notify(Event{Type: EventSettings})
}

// Self returns the gateway's own node id, "" while unknown.
func (g *Gateway) Self() string {
	g.idMu.RLock()
	defer g.idMu.RUnlock()
	return g.self
}

// SetSelf records the gateway's own node id. Once known it is kept.
func (g *Gateway) SetSelf(id string) {
	if id == "" {
		return
	}
	g.idMu.Lock()
	if g.self != "" {
		g.idMu.Unlock()
		return
	}
	g.self = id
	g.idMu.Unlock()
	g.logger.Info("self identity learned", slog.String("node", id))
}

// Connected reports whether the radio link is up.
func (g *Gateway) Connected() bool {
	g.idMu.RLock()
	defer g.idMu.RUnlock()
	return g.connected
}

// SetConnected records link state changes.
func (g *Gateway) SetConnected(connected bool) {
	g.idMu.Lock()
	changed := g.connected != connected
	g.connected = connected
	g.idMu.Unlock()

	g.metrics.SetLinkConnected(connected)
	if changed {
		g.logger.Info("link state changed", slog.Bool("connected", connected))
		g.notify(Event{Type: EventLink})
	}
}

// Housekeep refreshes gauges and logs a short summary.
func (g *Gateway) Housekeep(now time.Time) {
	devices, convs := g.nodes.Len(), g.chat.Len()
	g.metrics.SetTracked(devices, convs)
	g.logger.Debug("mesh summary",
		slog.Int("devices", devices),
		slog.Int("conversations", convs),
		slog.Int("dedup_ids", g.dedup.Len()),
		slog.String("self", g.Self()),
		slog.Bool("connected", g.Connected()),
		slog.Time("at", now))
}

func (g *Gateway) notify(ev Event) {
	if g.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = g.now()
	}
	g.notifier.Notify(ev)
}
