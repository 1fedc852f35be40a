// Package inbound turns messages decoded by channel transports into agent
// callbacks: it deduplicates, stamps account status, applies the DM policy
// and queues the callback on the account's lane.
package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/commandqueue"
	"github.com/harun/chatgate/pkg/dedup"
	"github.com/harun/chatgate/pkg/security"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StatusRecorder stamps inbound and outbound activity on account snapshots.
// *lifecycle.Manager satisfies it.
type StatusRecorder interface {
	RecordInbound(channel, accountID string, at time.Time)
	RecordOutbound(channel, accountID string, at time.Time)
}

// Options configures a Normalizer.
type Options struct {
	Plugins *channels.Registry
	// Config returns the current config snapshot.
	Config  func() *config.Config
	Dedup   *dedup.Cache
	Gate    *security.Gate
	Queue   *commandqueue.CommandQueue
	Status  StatusRecorder
	Handler channels.AgentHandler
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Normalizer implements channels.Dispatcher.
type Normalizer struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.New(dedup.Options{})
	}
	return &Normalizer{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "inbound").Logger(),
	}
}

// Lane returns the command-queue lane for an account.
func Lane(channel, accountID string) string {
	return channel + ":" + accountID
}

// Dispatch runs the inbound pipeline for one message. It never blocks on the
// agent and never returns agent errors to the transport.
func (n *Normalizer) Dispatch(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) channels.DispatchResult {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = n.opts.Now()
	}
	if msg.ChatType == "" {
		msg.ChatType = channels.ChatDirect
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = tracing.GetCorrelationID(ctx)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = tracing.NewCorrelationID()
	}
	ctx = tracing.WithCorrelationID(tracing.WithAccount(ctx, msg.Channel, msg.AccountID), msg.CorrelationID)
	logger := tracing.LoggerFromContext(ctx, n.logger)

	ctx, span := tracing.StartSpan(ctx, "chatgate.inbound", "inbound.dispatch",
		tracing.AccountAttributes(msg.Channel, msg.AccountID)...)
	defer span.End()

	result := n.dispatch(ctx, logger, msg, replier)
	span.SetAttributes(attribute.String("outcome", result.String()))
	metrics.RecordInbound(msg.Channel, msg.AccountID, result.String())
	return result
}

func (n *Normalizer) dispatch(ctx context.Context, logger zerolog.Logger, msg channels.InboundMessage, replier channels.Replier) channels.DispatchResult {
	key := msg.DedupKey()
	if key != "" && n.opts.Dedup.Observe(key) {
		logger.Debug().Str("message_id", msg.MessageID).Msg("Duplicate inbound message skipped")
		return channels.Duplicate
	}

	if n.opts.Status != nil {
		n.opts.Status.RecordInbound(msg.Channel, msg.AccountID, msg.ReceivedAt)
	}

	plugin, ok := n.opts.Plugins.Get(msg.Channel)
	if !ok {
		logger.Warn().Msg("Inbound message for unknown channel dropped")
		return channels.Dropped
	}
	cfg := n.opts.Config()
	account := plugin.Config.ResolveAccount(cfg, msg.AccountID)
	res, err := plugin.Security.ResolveDMPolicy(cfg, account)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve DM policy")
		return channels.Dropped
	}

	decision := n.opts.Gate.Evaluate(ctx, security.Subject{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		SenderID:  msg.SenderID,
		Group:     msg.ChatType == channels.ChatGroup,
	}, res)
	if !decision.Allowed {
		logger.Debug().
			Str("sender", msg.SenderID).
			Str("reason", decision.Reason).
			Msg("Inbound message rejected by policy")
		if decision.Created && replier != nil &&
			n.sendPairingNotice(ctx, logger, msg, replier, res, decision.Pairing.Code) {
			return channels.PairingRequested
		}
		return channels.Rejected
	}

	if n.opts.Handler == nil {
		logger.Warn().Msg("No agent handler configured, inbound message dropped")
		return channels.Dropped
	}

	wrapped := n.stampingReplier(msg, replier)
	handler := n.opts.Handler
	task := func(taskCtx context.Context) (interface{}, error) {
		return nil, n.runHandler(taskCtx, handler, msg, wrapped)
	}
	if err := n.opts.Queue.Submit(ctx, Lane(msg.Channel, msg.AccountID), task, nil); err != nil {
		logger.Warn().Err(err).Msg("Failed to queue inbound message")
		// The message never ran; let a platform redelivery through.
		n.opts.Dedup.Forget(key)
		return channels.Dropped
	}
	return channels.Accepted
}

// runHandler calls the agent and absorbs its errors and panics.
func (n *Normalizer) runHandler(ctx context.Context, handler channels.AgentHandler, msg channels.InboundMessage, replier channels.Replier) (err error) {
	ctx, span := tracing.StartSpan(ctx, "chatgate.inbound", "inbound.agent",
		tracing.AccountAttributes(msg.Channel, msg.AccountID)...)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, n.logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent handler panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordAgentError(msg.Channel, msg.AccountID)
			logger.Error().Err(err).Msg("Agent handler failed")
		}
		// Errors stay here; the queue only sees success.
		err = nil
	}()
	return handler(ctx, msg, replier)
}

// sendPairingNotice queues the pairing code reply and reports whether it was queued.
func (n *Normalizer) sendPairingNotice(ctx context.Context, logger zerolog.Logger, msg channels.InboundMessage, replier channels.Replier, res security.Resolution, code string) bool {
	wrapped := n.stampingReplier(msg, replier)
	notice := security.PairingNotice(res, code)
	task := func(taskCtx context.Context) (interface{}, error) {
		if err := wrapped.Reply(taskCtx, notice); err != nil {
			logger.Warn().Err(err).Msg("Failed to send pairing notice")
		}
		return nil, nil
	}
	if err := n.opts.Queue.Submit(ctx, Lane(msg.Channel, msg.AccountID), task, nil); err != nil {
		logger.Warn().Err(err).Msg("Failed to queue pairing notice")
		return false
	}
	return true
}

func (n *Normalizer) stampingReplier(msg channels.InboundMessage, replier channels.Replier) channels.Replier {
	if replier == nil {
		return channels.ReplyFunc(func(context.Context, string) error {
			return channels.ErrUnsupported
		})
	}
	return channels.ReplyFunc(func(ctx context.Context, text string) error {
		start := n.opts.Now()
		err := replier.Reply(ctx, text)
		metrics.RecordOutbound(msg.Channel, msg.AccountID, err == nil, n.opts.Now().Sub(start))
		if err == nil && n.opts.Status != nil {
			n.opts.Status.RecordOutbound(msg.Channel, msg.AccountID, n.opts.Now())
		}
		return err
	})
}
