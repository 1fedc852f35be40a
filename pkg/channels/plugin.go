package channels

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/pkg/security"
	"github.com/harun/chatgate/pkg/webhook"
	"github.com/rs/zerolog"
)

// Meta is display information about a channel.
type Meta struct {
	Label    string `json:"label"`
	Blurb    string `json:"blurb,omitempty"`
	DocsPath string `json:"docsPath,omitempty"`
}

// Capabilities advertises what a channel's platform supports.
type Capabilities struct {
	ChatTypes      []ChatType `json:"chatTypes"`
	Media          bool       `json:"media"`
	Reactions      bool       `json:"reactions"`
	Threads        bool       `json:"threads"`
	Streaming      bool       `json:"streaming"`
	BlockStreaming bool       `json:"blockStreaming"`
}

// ResolvedAccount is an account's view of the config snapshot. Settings holds
// the channel-specific account struct.
type ResolvedAccount struct {
	AccountID  string `json:"accountId"`
	Name       string `json:"name,omitempty"`
	Enabled    bool   `json:"enabled"`
	Configured bool   `json:"configured"`
	Settings   any    `json:"-"`
}

// ConfigAdapter maps the config snapshot onto accounts.
type ConfigAdapter interface {
	ListAccountIDs(cfg *config.Config) []string
	ResolveAccount(cfg *config.Config, accountID string) ResolvedAccount
	DefaultAccountID(cfg *config.Config) string
}

// SecurityAdapter resolves the DM policy of an account.
type SecurityAdapter interface {
	ResolveDMPolicy(cfg *config.Config, account ResolvedAccount) (security.Resolution, error)
}

// MessagingAdapter normalizes outbound targets.
type MessagingAdapter interface {
	NormalizeTarget(raw string) string
}

// OutboundAdapter sends proactive messages. Text longer than TextChunkLimit
// runes is split by the caller before SendText is invoked.
type OutboundAdapter interface {
	TextChunkLimit() int
	SendText(ctx context.Context, cfg *config.Config, account ResolvedAccount, msg OutboundMessage) (DeliveryResult, error)
}

// StatusAdapter contributes channel-specific fields to status output.
type StatusAdapter interface {
	Summary(cfg *config.Config, account ResolvedAccount) map[string]any
}

// GatewayAdapter starts an account's transport. The returned stop function
// must be safe to call more than once and must not block on in-flight agent
// callbacks.
type GatewayAdapter interface {
	StartAccount(ctx context.Context, gc GatewayContext) (stop func(), err error)
}

// StatusPatch updates an account's runtime snapshot. Nil fields are left alone.
type StatusPatch struct {
	LastError      *string
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
}

// GatewayContext is what a gateway adapter gets to run one account.
type GatewayContext struct {
	Channel    string
	Config     *config.Config
	Account    ResolvedAccount
	Logger     zerolog.Logger
	Webhooks   *webhook.Registry
	Dispatcher Dispatcher
	SetStatus  func(StatusPatch)
	// Fail reports an unrecoverable error and tears the account down.
	Fail func(error)
}

// Plugin describes one channel. Register fills absent optional adapters.
type Plugin struct {
	ID           string
	Meta         Meta
	Capabilities Capabilities

	Config    ConfigAdapter
	Security  SecurityAdapter
	Messaging MessagingAdapter
	Outbound  OutboundAdapter
	Status    StatusAdapter
	Gateway   GatewayAdapter
}

// DefaultTextChunkLimit applies to channels without an outbound adapter.
const DefaultTextChunkLimit = 4000

type defaultSecurity struct{ channel string }

func (d defaultSecurity) ResolveDMPolicy(_ *config.Config, account ResolvedAccount) (security.Resolution, error) {
	return security.ResolveDMPolicy(security.Input{Channel: d.channel, AccountID: account.AccountID})
}

type defaultMessaging struct{}

func (defaultMessaging) NormalizeTarget(raw string) string { return strings.TrimSpace(raw) }

type unsupportedOutbound struct{}

func (unsupportedOutbound) TextChunkLimit() int { return DefaultTextChunkLimit }

func (unsupportedOutbound) SendText(context.Context, *config.Config, ResolvedAccount, OutboundMessage) (DeliveryResult, error) {
	return DeliveryResult{}, ErrUnsupported
}

type emptyStatus struct{}

func (emptyStatus) Summary(*config.Config, ResolvedAccount) map[string]any { return nil }

// AccountIDs returns the sorted keys of an accounts map.
func AccountIDs[T any](accounts map[string]T) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PickDefaultAccount chooses the default account: the explicit one when it
// exists, else "default" when present, else the first id. With no accounts
// it is config.DefaultAccountID.
func PickDefaultAccount(explicit string, ids []string) string {
	explicit = strings.ToLower(strings.TrimSpace(explicit))
	hasDefault := false
	for _, id := range ids {
		if explicit != "" && id == explicit {
			return id
		}
		if id == config.DefaultAccountID {
			hasDefault = true
		}
	}
	if hasDefault || len(ids) == 0 {
		return config.DefaultAccountID
	}
	return ids[0]
}

// NormalizeAccountID lower-cases and trims an account id; empty becomes the
// default account.
func NormalizeAccountID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return config.DefaultAccountID
	}
	return id
}
