// Package dingtalk binds stream-mode robot accounts to the gateway. Each
// account holds one outbound socket; replies go to the per-conversation
// session webhook.
package dingtalk

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/security"
)

const (
	// ChannelID is the registry id of this channel.
	ChannelID = "dingtalk"

	textChunkLimit = 2000
	sessionPrefix  = "session:"
)

var normalizeEntry = security.NormalizeEntry("dingtalk:", "dd:", "ding:")

// Account is the resolved settings of one dingtalk robot.
type Account struct {
	config.DingTalkAccount
	HasSection bool `json:"has_section"`
}

type plugin struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// Option configures the dingtalk plugin.
type Option func(*plugin)

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *plugin) { p.httpClient = hc }
}

// WithDialer sets the websocket dialer used for stream connections.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *plugin) { p.dialer = d }
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(p *plugin) {
		p.minBackoff = min
		p.maxBackoff = max
	}
}

// New returns the dingtalk channel plugin.
func New(opts ...Option) *channels.Plugin {
	p := &plugin{
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		clients:    make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(p)
	}

	return &channels.Plugin{
		ID: ChannelID,
		Meta: channels.Meta{
			Label:    "DingTalk",
			Blurb:    "Stream-mode robot over a persistent socket",
			DocsPath: "/channels/dingtalk",
		},
		Capabilities: channels.Capabilities{
			ChatTypes:      []channels.ChatType{channels.ChatDirect, channels.ChatGroup},
			BlockStreaming: true,
		},
		Config:    configAdapter{},
		Security:  securityAdapter{},
		Messaging: messagingAdapter{},
		Outbound:  outboundAdapter{p},
		Status:    statusAdapter{},
		Gateway:   gatewayAdapter{p},
	}
}

// client returns the shared API client of an account so the access token
// cache survives restarts with unchanged credentials.
func (p *plugin) client(accountID string, a Account) *Client {
	key := accountID + "\x00" + a.ClientID + "\x00" + a.ClientSecret + "\x00" + a.APIBase
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := NewClient(a.APIBase, a.ClientID, a.ClientSecret, p.httpClient)
	p.clients[key] = c
	return c
}

func resolve(cfg *config.Config, accountID string) Account {
	acct, ok := cfg.Channels.DingTalk.Account(accountID)
	return Account{DingTalkAccount: acct, HasSection: ok}
}

func settings(cfg *config.Config, account channels.ResolvedAccount) Account {
	if a, ok := account.Settings.(Account); ok {
		return a
	}
	return resolve(cfg, account.AccountID)
}

func configured(a Account) bool {
	return strings.TrimSpace(a.ClientID) != "" && strings.TrimSpace(a.ClientSecret) != ""
}

type configAdapter struct{}

func (configAdapter) ListAccountIDs(cfg *config.Config) []string {
	return cfg.Channels.DingTalk.AccountIDs()
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
	return channels.PickDefaultAccount(cfg.Channels.DingTalk.DefaultAccount, c.ListAccountIDs(cfg))
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
		ChannelAllowFrom:  cfg.Channels.DingTalk.AllowFrom,
		Normalize:         normalizeEntry,
	})
}

type messagingAdapter struct{}

func (messagingAdapter) NormalizeTarget(raw string) string {
	return strings.TrimSpace(raw)
}

type outboundAdapter struct{ p *plugin }

func (outboundAdapter) TextChunkLimit() int { return textChunkLimit }

func (o outboundAdapter) SendText(ctx context.Context, cfg *config.Config, account channels.ResolvedAccount, msg channels.OutboundMessage) (channels.DeliveryResult, error) {
	a := settings(cfg, account)
	if !configured(a) {
		return channels.DeliveryResult{}, errors.New("dingtalk: account not configured")
	}
	to := strings.TrimSpace(msg.To)
	if !strings.HasPrefix(to, sessionPrefix) || strings.TrimSpace(to[len(sessionPrefix):]) == "" {
		return channels.DeliveryResult{}, ErrMissingSession
	}
	session := strings.TrimSpace(to[len(sessionPrefix):])

	if err := o.p.client(account.AccountID, a).SendSessionMessage(ctx, session, msg.Text); err != nil {
		return channels.DeliveryResult{}, err
	}
	return channels.DeliveryResult{
		Channel:   ChannelID,
		ChatID:    session,
		Timestamp: time.Now(),
	}, nil
}

type statusAdapter struct{}

func (statusAdapter) Summary(cfg *config.Config, account channels.ResolvedAccount) map[string]any {
	a := settings(cfg, account)
	out := map[string]any{"mode": "stream"}
	if a.ClientID != "" {
		out["clientId"] = "***"
	}
	return out
}

type gatewayAdapter struct{ p *plugin }

func (g gatewayAdapter) StartAccount(ctx context.Context, gc channels.GatewayContext) (func(), error) {
	a := settings(gc.Config, gc.Account)
	if !configured(a) {
		return nil, errors.New("dingtalk: client_id and client_secret are required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		client:     g.p.client(gc.Account.AccountID, a),
		dialer:     g.p.dialer,
		gc:         gc,
		logger:     gc.Logger,
		minBackoff: g.p.minBackoff,
		maxBackoff: g.p.maxBackoff,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(runCtx)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
