package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/observability"
)

const defaultHousekeepInterval = 5 * time.Second

// Client abstracts the MQTT client behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Ingester consumes decoded packets. Ingest is only ever called from the
// pipeline's single consumer goroutine.
type Ingester interface {
	Ingest(ctx context.Context, pkt mesh.Packet)
	Housekeep(now time.Time)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithHousekeepInterval overrides how often Housekeep runs. Zero or negative
// disables it.
func WithHousekeepInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.housekeep = d
	}
}

// WithMaxPayloadBytes drops messages whose payload exceeds limit bytes.
func WithMaxPayloadBytes(limit int) Option {
	return func(p *Pipeline) {
		p.maxPayload = limit
	}
}

// Pipeline wires the MQTT client with the decoder and the gateway.
type Pipeline struct {
	client     Client
	decoder    decode.Decoder
	ingester   Ingester
	logger     *slog.Logger
	metrics    *observability.Metrics
	housekeep  time.Duration
	maxPayload int
	errCh      chan error
	wg         sync.WaitGroup
}

// New creates a pipeline instance.
func New(client Client, decoder decode.Decoder, ingester Ingester, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:    client,
		decoder:   decoder,
		ingester:  ingester,
		logger:    observability.NoOpLogger(),
		housekeep: defaultHousekeepInterval,
		errCh:     make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("pipeline: client is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.ingester == nil {
		return fmt.Errorf("pipeline: ingester is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardClientErrors(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	close(p.errCh)

	return nil
}

// consume owns the ingestion path and the housekeeping tick so both run on
// the same goroutine.
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.housekeep > 0 {
		ticker := time.NewTicker(p.housekeep)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick:
			p.ingester.Housekeep(now)
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg mqtt.Message) {
	p.metrics.IncPacketsReceived()
	if p.maxPayload > 0 && len(msg.Payload) > p.maxPayload {
		p.metrics.IncDecodeErrors()
		p.publishErr(fmt.Errorf("pipeline: payload of %d bytes exceeds limit %d (topic=%s)", len(msg.Payload), p.maxPayload, msg.Topic))
		return
	}
	pkt, err := p.decoder.Decode(ctx, msg)
	if err != nil {
		p.metrics.IncDecodeErrors()
		p.logger.Debug("decode failed", slog.String("topic", msg.Topic), slog.Any("error", err))
		p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
		return
	}
	p.ingester.Ingest(ctx, pkt)
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	p.metrics.IncPipelineErrors()
	select {
	case p.errCh <- err:
	default:
		p.metrics.IncDroppedMessages()
	}
}
