package daemon

import (
	"context"
	"errors"

	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/rs/zerolog"
)

// ErrNoBridge is returned for inbound messages when the agent bridge is
// disabled.
var ErrNoBridge = errors.New("agent bridge is disabled")

// Bridge hands accepted inbound messages to agents. *gateway.Server
// satisfies it.
type Bridge interface {
	HandleInbound(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) error
}

// Router is the agent callback of the inbound pipeline. It forwards every
// accepted message to the bridge.
type Router struct {
	bridge Bridge
	logger zerolog.Logger
}

// NewRouter creates a new message router. A nil bridge makes every message
// fail with ErrNoBridge.
func NewRouter(bridge Bridge, logger zerolog.Logger) *Router {
	return &Router{
		bridge: bridge,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// RouteMessage implements channels.AgentHandler.
func (r *Router) RouteMessage(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) error {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("channel", msg.Channel).
		Str("account", msg.AccountID).
		Str("sender", msg.SenderID).
		Str("chat_type", string(msg.ChatType)).
		Msg("Routing message")

	if r.bridge == nil {
		return ErrNoBridge
	}
	return r.bridge.HandleInbound(ctx, msg, replier)
}
