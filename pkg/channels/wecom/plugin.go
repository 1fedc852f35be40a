// Package wecom binds encrypted-webhook accounts (Enterprise WeChat style
// callbacks) to the gateway.
package wecom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/envelope"
	"github.com/harun/chatgate/pkg/security"
	"github.com/harun/chatgate/pkg/webhook"
)

const (
	// ChannelID is the registry id of this channel.
	ChannelID = "wecom"

	defaultPath    = "/wecom"
	textChunkLimit = 1000
)

var normalizeEntry = security.NormalizeEntry("wecom:", "wework:")

// Account is the resolved settings of one wecom account.
type Account struct {
	config.WeComAccount
	HasSection bool   `json:"has_section"`
	Path       string `json:"path"`
}

// New returns the wecom channel plugin.
func New() *channels.Plugin {
	return &channels.Plugin{
		ID: ChannelID,
		Meta: channels.Meta{
			Label:    "WeCom",
			Blurb:    "Encrypted XML callbacks with passive replies",
			DocsPath: "/channels/wecom",
		},
		Capabilities: channels.Capabilities{
			ChatTypes: []channels.ChatType{channels.ChatDirect},
		},
		Config:    configAdapter{},
		Security:  securityAdapter{},
		Messaging: messagingAdapter{},
		Outbound:  outboundAdapter{},
		Status:    statusAdapter{},
		Gateway:   gatewayAdapter{},
	}
}

func resolve(cfg *config.Config, accountID string) Account {
	section := cfg.Channels.WeCom
	acct, ok := section.Account(accountID)
	return Account{
		WeComAccount: acct,
		HasSection:   ok,
		Path:         webhook.ResolvePath(acct.WebhookPath, acct.WebhookURL, defaultPath),
	}
}

func settings(cfg *config.Config, account channels.ResolvedAccount) Account {
	if a, ok := account.Settings.(Account); ok {
		return a
	}
	return resolve(cfg, account.AccountID)
}

func configured(a Account) bool {
	return strings.TrimSpace(a.Token) != "" &&
		strings.TrimSpace(a.EncodingAESKey) != "" &&
		strings.TrimSpace(a.ReceiveID) != ""
}

type configAdapter struct{}

func (configAdapter) ListAccountIDs(cfg *config.Config) []string {
	return cfg.Channels.WeCom.AccountIDs()
}

func (configAdapter) ResolveAccount(cfg *config.Config, accountID string) channels.ResolvedAccount {
	accountID = channels.NormalizeAccountID(accountID)
	a := resolve(cfg, accountID)
	return channels.ResolvedAccount{
		AccountID:  accountID,
		Name:       a.Name,
		Enabled:    a.IsEnabled(),
		Configured: configured(a),
		Settings:   a,
	}
}

func (c configAdapter) DefaultAccountID(cfg *config.Config) string {
	return channels.PickDefaultAccount(cfg.Channels.WeCom.DefaultAccount, c.ListAccountIDs(cfg))
}

type securityAdapter struct{}

func (securityAdapter) ResolveDMPolicy(cfg *config.Config, account channels.ResolvedAccount) (security.Resolution, error) {
	a := settings(cfg, account)
	return security.ResolveDMPolicy(security.Input{
		Channel:           ChannelID,
		AccountID:         account.AccountID,
		HasAccountSection: a.HasSection,
		Policy:            a.DMPolicy,
		AccountAllowFrom:  a.AllowFrom,
		ChannelAllowFrom:  cfg.Channels.WeCom.AllowFrom,
		Normalize:         normalizeEntry,
	})
}

type messagingAdapter struct{}

func (messagingAdapter) NormalizeTarget(raw string) string {
	return normalizeEntry(raw)
}

// Proactive sends need the platform's app API; replies ride on the callback.
type outboundAdapter struct{}

func (outboundAdapter) TextChunkLimit() int { return textChunkLimit }

func (outboundAdapter) SendText(context.Context, *config.Config, channels.ResolvedAccount, channels.OutboundMessage) (channels.DeliveryResult, error) {
	return channels.DeliveryResult{}, channels.ErrUnsupported
}

type statusAdapter struct{}

func (statusAdapter) Summary(cfg *config.Config, account channels.ResolvedAccount) map[string]any {
	a := settings(cfg, account)
	return map[string]any{
		"webhookPath": a.Path,
		"receiveId":   a.ReceiveID,
	}
}

type gatewayAdapter struct{}

func (gatewayAdapter) StartAccount(_ context.Context, gc channels.GatewayContext) (func(), error) {
	a := settings(gc.Config, gc.Account)
	codec, err := envelope.NewCodec(a.Token, a.EncodingAESKey, a.ReceiveID)
	if err != nil {
		return nil, fmt.Errorf("wecom account %s: %w", gc.Account.AccountID, err)
	}

	fallbackMs := a.ReplyFallbackMs
	if fallbackMs <= 0 {
		fallbackMs = gc.Config.Server.ReplyFallbackMs
	}

	unregister := gc.Webhooks.Register(&webhook.Target{
		Path:      a.Path,
		Channel:   ChannelID,
		AccountID: gc.Account.AccountID,
		Protocol:  newProtocol(codec, gc),
		Fallback:  time.Duration(fallbackMs) * time.Millisecond,
	})
	gc.Logger.Info().Str("path", a.Path).Msg("wecom webhook registered")
	return unregister, nil
}
