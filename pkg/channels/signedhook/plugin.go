// Package signedhook is a generic JSON webhook channel authenticated with an
// HMAC-SHA256 body signature. It suits self-hosted bridges and tests.
package signedhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/security"
	"github.com/harun/chatgate/pkg/webhook"
)

const (
	// ChannelID is the registry id of this channel.
	ChannelID = "signedhook"
	// SignatureHeader carries "sha256=<hex>" of the request body.
	SignatureHeader = "X-Chatgate-Signature"

	defaultPath    = "/signedhook"
	textChunkLimit = 4000
)

// ErrNoCallback is returned by SendText when the account has no callback URL.
var ErrNoCallback = errors.New("signedhook: callback_url not configured")

var normalizeEntry = security.NormalizeEntry("signedhook:")

// Account is the resolved settings of one signed webhook.
type Account struct {
	config.SignedHookAccount
	HasSection bool   `json:"has_section"`
	Path       string `json:"path"`
}

type plugin struct {
	httpClient *http.Client
}

// Option configures the signedhook plugin.
type Option func(*plugin)

// WithHTTPClient sets the client used for callback deliveries.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *plugin) { p.httpClient = hc }
}

// New returns the signedhook channel plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{httpClient: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(p)
	}
	return &channels.Plugin{
		ID: ChannelID,
		Meta: channels.Meta{
			Label:    "Signed webhook",
			Blurb:    "HMAC-signed JSON in, JSON reply out",
			DocsPath: "/channels/signedhook",
		},
		Capabilities: channels.Capabilities{
			ChatTypes: []channels.ChatType{channels.ChatDirect, channels.ChatGroup},
		},
		Config:   configAdapter{},
		Security: securityAdapter{},
		Outbound: outboundAdapter{p},
		Status:   statusAdapter{},
		Gateway:  gatewayAdapter{},
	}
}

func resolve(cfg *config.Config, accountID string) Account {
	acct, ok := cfg.Channels.SignedHook.Account(accountID)
	return Account{
		SignedHookAccount: acct,
		HasSection:        ok,
		Path:              webhook.ResolvePath(acct.WebhookPath, "", defaultPath),
	}
}

func settings(cfg *config.Config, account channels.ResolvedAccount) Account {
	if a, ok := account.Settings.(Account); ok {
		return a
	}
	return resolve(cfg, account.AccountID)
}

type configAdapter struct{}

func (configAdapter) ListAccountIDs(cfg *config.Config) []string {
	return cfg.Channels.SignedHook.AccountIDs()
}

func (configAdapter) ResolveAccount(cfg *config.Config, accountID string) channels.ResolvedAccount {
	accountID = channels.NormalizeAccountID(accountID)
	a := resolve(cfg, accountID)
	return channels.ResolvedAccount{
		AccountID:  accountID,
		Name:       a.Name,
		Enabled:    a.IsEnabled(),
		Configured: strings.TrimSpace(a.Secret) != "",
		Settings:   a,
	}
}

func (c configAdapter) DefaultAccountID(cfg *config.Config) string {
	return channels.PickDefaultAccount(cfg.Channels.SignedHook.DefaultAccount, c.ListAccountIDs(cfg))
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
		ChannelAllowFrom:  cfg.Channels.SignedHook.AllowFrom,
		Normalize:         normalizeEntry,
	})
}

type outboundAdapter struct{ p *plugin }

func (outboundAdapter) TextChunkLimit() int { return textChunkLimit }

type callbackPayload struct {
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaURL  string `json:"media_url,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

func (o outboundAdapter) SendText(ctx context.Context, cfg *config.Config, account channels.ResolvedAccount, msg channels.OutboundMessage) (channels.DeliveryResult, error) {
	a := settings(cfg, account)
	if strings.TrimSpace(a.CallbackURL) == "" {
		return channels.DeliveryResult{}, ErrNoCallback
	}

	body, err := json.Marshal(callbackPayload{
		AccountID: account.AccountID,
		To:        msg.To,
		Text:      msg.Text,
		MediaURL:  msg.MediaURL,
		ReplyToID: msg.ReplyToID,
	})
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, webhook.SignHMAC(body, a.Secret, "sha256"))
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := o.p.httpClient.Do(req)
	if err != nil {
		return channels.DeliveryResult{}, fmt.Errorf("signedhook callback: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channels.DeliveryResult{}, fmt.Errorf("signedhook callback: status %d", resp.StatusCode)
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(raw, &out)
	return channels.DeliveryResult{
		Channel:   ChannelID,
		MessageID: out.MessageID,
		ChatID:    msg.To,
		Timestamp: time.Now(),
	}, nil
}

type statusAdapter struct{}

func (statusAdapter) Summary(cfg *config.Config, account channels.ResolvedAccount) map[string]any {
	a := settings(cfg, account)
	return map[string]any{
		"webhookPath": a.Path,
		"callback":    a.CallbackURL != "",
	}
}

type gatewayAdapter struct{}

func (gatewayAdapter) StartAccount(_ context.Context, gc channels.GatewayContext) (func(), error) {
	a := settings(gc.Config, gc.Account)
	if strings.TrimSpace(a.Secret) == "" {
		return nil, errors.New("signedhook: secret is required")
	}
	fallbackMs := a.ReplyFallbackMs
	if fallbackMs <= 0 {
		fallbackMs = gc.Config.Server.ReplyFallbackMs
	}
	unregister := gc.Webhooks.Register(&webhook.Target{
		Path:           a.Path,
		Channel:        ChannelID,
		AccountID:      gc.Account.AccountID,
		Protocol:       &protocol{secret: a.Secret, accountID: gc.Account.AccountID, dispatcher: gc.Dispatcher},
		Fallback:       time.Duration(fallbackMs) * time.Millisecond,
		AckBody:        []byte(`{"ok":true}`),
		AckContentType: jsonContentType,
	})
	gc.Logger.Info().Str("path", a.Path).Msg("signedhook webhook registered")
	return unregister, nil
}
