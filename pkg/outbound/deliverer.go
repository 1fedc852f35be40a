// Package outbound sends proactive messages through channel plugins with
// chunking, per-account rate limiting and retries.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var (
	ErrAccountNotRunning = errors.New("account is not running")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrMissingTarget     = errors.New("message target is required")
)

const (
	DefaultRetryMax      = 3
	DefaultRetryBackoff  = 500 * time.Millisecond
	DefaultRatePerSecond = 5
	DefaultBurst         = 5
)

// Accounts reports account liveness and records outbound activity.
// *lifecycle.Manager satisfies it.
type Accounts interface {
	IsRunning(channel, accountID string) bool
	RecordOutbound(channel, accountID string, at time.Time)
}

// Options configures a Deliverer.
type Options struct {
	Plugins  *channels.Registry
	Config   func() *config.Config
	Accounts Accounts

	RetryMax      int
	RetryBackoff  time.Duration
	RatePerSecond float64
	Burst         int

	Logger zerolog.Logger
	Now    func() time.Time
}

// Request is a proactive text send.
type Request struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// Deliverer implements sendText for every registered channel.
type Deliverer struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Deliverer.
func New(opts Options) *Deliverer {
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deliverer{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "outbound").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SendText delivers req.Text to req.To, split into the channel's chunk size.
// It returns one result per delivered chunk. Accounts that are not running
// are skipped with ErrAccountNotRunning.
func (d *Deliverer) SendText(ctx context.Context, req Request) ([]channels.DeliveryResult, error) {
	plugin, ok := d.opts.Plugins.Get(req.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, req.Channel)
	}
	cfg := d.opts.Config()
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = plugin.Config.DefaultAccountID(cfg)
	}
	accountID = channels.NormalizeAccountID(accountID)

	ctx = tracing.WithAccount(ctx, plugin.ID, accountID)
	logger := tracing.LoggerFromContext(ctx, d.logger)

	if d.opts.Accounts != nil && !d.opts.Accounts.IsRunning(plugin.ID, accountID) {
		logger.Warn().Msg("Outbound message dropped, account is not running")
		return nil, fmt.Errorf("%s/%s: %w", plugin.ID, accountID, ErrAccountNotRunning)
	}

	to := plugin.Messaging.NormalizeTarget(req.To)
	if to == "" {
		return nil, ErrMissingTarget
	}
	chunks := ChunkText(req.Text, plugin.Outbound.TextChunkLimit())
	if len(chunks) == 0 {
		return nil, ErrEmptyMessage
	}

	attrs := append(tracing.AccountAttributes(plugin.ID, accountID), attribute.Int("chunks", len(chunks)))
	ctx, span := tracing.StartSpan(ctx, "chatgate.outbound", "outbound.send_text", attrs...)
	defer span.End()

	account := plugin.Config.ResolveAccount(cfg, accountID)
	limiter := d.limiter(plugin.ID, accountID)
	results := make([]channels.DeliveryResult, 0, len(chunks))
	for i, chunk := range chunks {
		if err := limiter.Wait(ctx); err != nil {
			return results, err
		}
		msg := channels.OutboundMessage{
			AccountID: accountID,
			To:        to,
			Text:      chunk,
			ReplyToID: req.ReplyToID,
		}
		if i == len(chunks)-1 {
			msg.MediaURL = req.MediaURL
		}
		result, err := d.sendWithRetry(ctx, logger, plugin, cfg, account, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (d *Deliverer) sendWithRetry(ctx context.Context, logger zerolog.Logger, plugin *channels.Plugin, cfg *config.Config, account channels.ResolvedAccount, msg channels.OutboundMessage) (channels.DeliveryResult, error) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.RetryMax; attempt++ {
		start := d.opts.Now()
		result, err := plugin.Outbound.SendText(ctx, cfg, account, msg)
		metrics.RecordOutbound(plugin.ID, account.AccountID, err == nil, d.opts.Now().Sub(start))
		if err == nil {
			if result.Channel == "" {
				result.Channel = plugin.ID
			}
			if result.Timestamp.IsZero() {
				result.Timestamp = d.opts.Now()
			}
			if d.opts.Accounts != nil {
				d.opts.Accounts.RecordOutbound(plugin.ID, account.AccountID, result.Timestamp)
			}
			return result, nil
		}
		if errors.Is(err, channels.ErrUnsupported) {
			return channels.DeliveryResult{}, err
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Outbound send failed")
		if attempt == d.opts.RetryMax {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * d.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return channels.DeliveryResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return channels.DeliveryResult{}, fmt.Errorf("send failed after %d attempts: %w", d.opts.RetryMax, lastErr)
}

func (d *Deliverer) limiter(channel, accountID string) *rate.Limiter {
	key := channel + ":" + accountID
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), d.opts.Burst)
		d.limiters[key] = l
	}
	return l
}
