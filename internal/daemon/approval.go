package daemon

import (
	"context"
	"fmt"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/pairing"
	"github.com/rs/zerolog"
)

// AllowListWriter persists an allow-list entry. *config.Loader satisfies it.
type AllowListWriter interface {
	AppendAllowFrom(key, entry string) (bool, error)
}

// Approver resolves pairing requests and writes approved senders into the
// allow-list of the account they paired with.
type Approver struct {
	pairing *pairing.Manager
	plugins *channels.Registry
	writer  AllowListWriter
	config  func() *config.Config
	logger  zerolog.Logger
}

// NewApprover creates an approver. A nil writer only records the approval in
// the pairing store.
func NewApprover(manager *pairing.Manager, plugins *channels.Registry, writer AllowListWriter, cfg func() *config.Config, logger zerolog.Logger) *Approver {
	return &Approver{
		pairing: manager,
		plugins: plugins,
		writer:  writer,
		config:  cfg,
		logger:  logger.With().Str("component", "pairing").Logger(),
	}
}

// ListPending lists pending requests; empty channel lists all.
func (a *Approver) ListPending(ctx context.Context, channel string) ([]pairing.Request, error) {
	return a.pairing.ListPending(ctx, channel)
}

// Approve approves the request with code and appends its sender to the
// account's allow_from list in the config file.
func (a *Approver) Approve(ctx context.Context, channel, code string) (pairing.Request, error) {
	req, err := a.pairing.Approve(ctx, channel, code)
	if err != nil {
		return pairing.Request{}, err
	}
	observability.AuditPairing(ctx, "pairing.approve", req.PeerID, "success", map[string]interface{}{
		"channel": req.Channel,
		"account": req.AccountID,
	})

	logger := a.logger.With().
		Str("channel", req.Channel).
		Str("account", req.AccountID).
		Str("peer", req.PeerID).
		Logger()
	logger.Info().Msg("Pairing request approved")

	if a.writer == nil {
		return req, nil
	}
	plugin, ok := a.plugins.Get(req.Channel)
	if !ok {
		return req, fmt.Errorf("approved %s but channel %q is not registered", req.PeerID, req.Channel)
	}
	cfg := a.config()
	account := plugin.Config.ResolveAccount(cfg, req.AccountID)
	res, err := plugin.Security.ResolveDMPolicy(cfg, account)
	if err != nil {
		return req, fmt.Errorf("approved %s but failed to resolve allow-list: %w", req.PeerID, err)
	}

	entry := req.PeerID
	if res.Normalize != nil {
		entry = res.Normalize(entry)
	}
	changed, err := a.writer.AppendAllowFrom(res.AllowFromPath, entry)
	if err != nil {
		return req, fmt.Errorf("approved %s but failed to update %s: %w", req.PeerID, res.AllowFromPath, err)
	}
	if changed {
		logger.Info().Str("path", res.AllowFromPath).Msg("Sender added to allow-list")
	}
	return req, nil
}

// Reject drops the request with code.
func (a *Approver) Reject(ctx context.Context, channel, code string) (pairing.Request, error) {
	req, err := a.pairing.Reject(ctx, channel, code)
	if err != nil {
		return pairing.Request{}, err
	}
	observability.AuditPairing(ctx, "pairing.reject", req.PeerID, "success", map[string]interface{}{
		"channel": req.Channel,
		"account": req.AccountID,
	})
	a.logger.Info().
		Str("channel", req.Channel).
		Str("peer", req.PeerID).
		Msg("Pairing request rejected")
	return req, nil
}
