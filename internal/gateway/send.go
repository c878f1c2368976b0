package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/mesh"
)

var (
	ErrEmptyText      = errors.New("gateway: empty text")
	ErrNoDestination  = errors.New("gateway: no destination")
	ErrNotConnected   = errors.New("gateway: not connected")
	ErrReadOnly       = errors.New("gateway: read-only mode")
	ErrRateLimited    = errors.New("gateway: send rate exceeded")
	ErrInvalidChannel = errors.New("gateway: channel index out of range")
)

const maxChannel = 7

// SendRequest is an outbound text command. Channel and WantAck fall back to
// the settings defaults when nil.
type SendRequest struct {
	To      string
	Conv    string
	Text    string
	Channel *int
	WantAck *bool
}

// SendResult reports where the sent message was filed.
type SendResult struct {
	Conv    string       `json:"conv"`
	Message chat.Message `json:"message"`
}

// Send resolves the destination, hands the text to the radio and, on success,
// records it for echo suppression and appends it to its conversation.
//
// A pair conversation that includes self forces the destination to the other
// member. Without a destination, any other conversation is sent to its
// implied peer. A broadcast conversation or destination sends to everyone.
// Otherwise the message is filed under the given conversation, or the pair of
// self and the destination.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	text := strings.TrimSpace(req.Text)
	to := strings.TrimSpace(req.To)
	if text == "" {
		return SendResult{}, ErrEmptyText
	}
	cfg := g.settings.Get()
	if cfg.ReadOnly {
		return SendResult{}, ErrReadOnly
	}
	if g.radio == nil || !g.Connected() {
		return SendResult{}, ErrNotConnected
	}

	self := g.Self()
	if a, b, ok := chat.ParsePair(req.Conv); ok && self != "" && (a == self || b == self) {
		to = b
		if b == self {
			to = a
		}
	}
	if to == "" && req.Conv != "" && req.Conv != mesh.Broadcast {
		if peer, ok := g.chat.ImpliedPeer(req.Conv, self); ok {
			to = peer
		}
	}
	broadcast := req.Conv == mesh.Broadcast || to == mesh.Broadcast
	if to == "" && !broadcast {
		return SendResult{}, ErrNoDestination
	}

	channel := cfg.DefaultChannel
	if req.Channel != nil {
		channel = *req.Channel
	}
	if channel < 0 || channel > maxChannel {
		return SendResult{}, ErrInvalidChannel
	}
	wantAck := cfg.RequestAck
	if req.WantAck != nil {
		wantAck = *req.WantAck
	}

	if !g.limiter.Allow() {
		g.metrics.ObserveSend(false)
		return SendResult{}, ErrRateLimited
	}

	dest, conv, scope := to, req.Conv, chat.ScopeDirect
	switch {
	case broadcast:
		dest, conv, scope = mesh.Broadcast, mesh.Broadcast, chat.ScopeBroadcast
	case conv == "" && self != "":
		conv = chat.CanonicalID(self, to)
	case conv == "":
		conv = chat.CanonicalID(to, to)
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()
	if err := g.radio.SendText(sendCtx, dest, text, channel, wantAck); err != nil {
		g.metrics.ObserveSend(false)
		g.logger.Warn("send failed", slog.String("to", dest), slog.Any("error", err))
		return SendResult{}, fmt.Errorf("gateway: send to %s: %w", dest, err)
	}
	g.metrics.ObserveSend(true)

	now := g.now()
	g.echo.RecordSend(dest, text, now)

	from := self
	if from == "" {
		from = chat.LocalSender
	}
	msg := g.chat.Append(conv, chat.Message{
		Time:  now,
		From:  from,
		To:    dest,
		Text:  text,
		Scope: scope,
	})
	g.metrics.IncMessagesAppended()
	g.notify(Event{Type: EventMessage, Conversation: conv, Time: now})

	return SendResult{Conv: conv, Message: msg}, nil
}
