package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/nodes"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
)

// Ingest applies one inbound packet. It must only be called from the single
// ingesting goroutine.
func (g *Gateway) Ingest(ctx context.Context, pkt mesh.Packet) {
	if g.dedup.SeenOnce(pkt.ID) {
		g.metrics.IncDuplicates()
		return
	}
	if pkt.From == "" {
		g.logger.Debug("packet without sender dropped", slog.String("port", pkt.PortName))
		return
	}
	if pkt.To == "" {
		pkt.To = mesh.Broadcast
	}
	now := pkt.ReceivedAt
	if now.IsZero() {
		now = g.now()
	}
	cfg := g.settings.Get()
	g.metrics.ObservePacket(string(pkt.Kind))

	if g.cfg.SelfFromGateway && pkt.Gateway != "" && g.Self() == "" {
		g.SetSelf(pkt.Gateway)
	}
	if pkt.Kind == mesh.KindNodeInfo {
		g.names.Set(pkt.From, pkt.Node.DisplayName())
	}
	if pkt.Kind == mesh.KindText && !pkt.IsBroadcast() && g.Self() == "" {
		g.SetSelf(pkt.To)
	}

	appended := ""
	if pkt.Kind == mesh.KindText {
		appended = g.appendInbound(pkt, now)
	}

	changed, rec := g.nodes.Apply(pkt.From, pkt, now)
	if changed && g.history.MaybeSample(pkt.From, rec, now) {
		g.metrics.IncHistorySamples()
	}

	g.logPacket(cfg, pkt)
	g.logActivity(ctx, cfg, pkt, rec, now)

	if changed {
		g.notify(Event{Type: EventDevice, Device: pkt.From, Time: now})
	}
	if appended != "" {
		g.notify(Event{Type: EventMessage, Conversation: appended, Time: now})
	}
}

// appendInbound files a text packet under its conversation unless it is our
// own send heard back. It returns the conversation id, or "" when suppressed.
func (g *Gateway) appendInbound(pkt mesh.Packet, now time.Time) string {
	if g.echo.IsOwnEcho(pkt.From, pkt.To, pkt.Text, now, g.Self()) {
		g.metrics.IncEchoesSuppressed()
		g.logger.Debug("own echo suppressed", slog.String("to", pkt.To))
		return ""
	}

	conv := mesh.Broadcast
	scope := chat.ScopeBroadcast
	if !pkt.IsBroadcast() {
		conv = chat.CanonicalID(pkt.From, pkt.To)
		scope = chat.ScopeDirect
	}
	g.chat.Append(conv, chat.Message{
		Time:  now,
		From:  pkt.From,
		To:    pkt.To,
		Text:  pkt.Text,
		RSSI:  pkt.RSSI,
		SNR:   pkt.SNR,
		Scope: scope,
	})
	g.metrics.IncMessagesAppended()
	return conv
}

func (g *Gateway) logPacket(cfg settings.Settings, pkt mesh.Packet) {
	if !cfg.ShowPerPacket {
		return
	}
	attrs := []any{
		slog.String("from", pkt.From),
		slog.String("to", pkt.To),
		slog.Any("rssi", pkt.RSSI),
		slog.Any("snr", pkt.SNR),
	}
	switch pkt.Kind {
	case mesh.KindText:
		g.logger.Info("text", append(attrs, slog.String("text", pkt.Text))...)
	case mesh.KindPosition:
		if pos := pkt.Position; pos != nil {
			attrs = append(attrs, slog.Any("lat", pos.Latitude), slog.Any("lon", pos.Longitude), slog.Any("alt", pos.Altitude))
		}
		g.logger.Info("position", attrs...)
	case mesh.KindTelemetry:
	default:
		if cfg.ShowUnknown {
			g.logger.Info("unhandled packet", append(attrs, slog.String("port", pkt.PortName))...)
		}
	}
}

func (g *Gateway) logActivity(ctx context.Context, cfg settings.Settings, pkt mesh.Packet, rec nodes.Record, now time.Time) {
	row := storage.Activity{
		Time:     now,
		Event:    pkt.PortName,
		From:     pkt.From,
		To:       pkt.To,
		PortName: pkt.PortName,
		RSSI:     pkt.RSSI,
		SNR:      pkt.SNR,
		Raw:      pkt.Raw,
		Topic:    pkt.Topic,
	}
	if row.Event == "" {
		row.Event = string(pkt.Kind)
	}

	switch pkt.Kind {
	case mesh.KindText:
		row.Text = pkt.Text
	case mesh.KindPosition:
		row.Latitude, row.Longitude, row.Altitude = rec.Latitude, rec.Longitude, rec.Altitude
	case mesh.KindTelemetry:
		row.Battery, row.Voltage = rec.Battery, rec.Voltage
		row.TempC, row.TempF = rec.TempC, rec.TempF()
		row.Humidity, row.PressureHPA = rec.Humidity, rec.PressureHPA
	default:
		if !cfg.ShowUnknown {
			return
		}
	}

	if err := g.activity.Store(ctx, row); err != nil {
		g.metrics.IncActivityErrors()
		if !errors.Is(err, context.Canceled) {
			g.logger.Warn("activity log write failed", slog.Any("error", err))
		}
	}
}
