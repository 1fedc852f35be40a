package config

import (
	"sort"
	"strings"
)

// merge overlays the non-empty fields of override on a.
func (a AccountBase) merge(override AccountBase) AccountBase {
	out := a
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Enabled != nil {
		out.Enabled = override.Enabled
	}
	if override.DMPolicy != "" {
		out.DMPolicy = override.DMPolicy
	}
	if len(override.AllowFrom) > 0 {
		out.AllowFrom = override.AllowFrom
	}
	if override.ReplyFallbackMs > 0 {
		out.ReplyFallbackMs = override.ReplyFallbackMs
	}
	return out
}

func pick(base, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return base
}

func accountIDs(keys []string) []string {
	if len(keys) == 0 {
		return []string{DefaultAccountID}
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.ToLower(strings.TrimSpace(k)))
	}
	sort.Strings(ids)
	return ids
}

func lookup[T any](accounts map[string]T, id string) (T, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for k, v := range accounts {
		if strings.ToLower(strings.TrimSpace(k)) == id {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func keys[T any](accounts map[string]T) []string {
	out := make([]string, 0, len(accounts))
	for k := range accounts {
		out = append(out, k)
	}
	return out
}

// AccountIDs lists the configured account ids, or "default" when the
// section has no accounts map.
func (c WeComConfig) AccountIDs() []string { return accountIDs(keys(c.Accounts)) }

// Account returns the account merged over the channel-level fields and
// whether an accounts entry exists for id.
func (c WeComConfig) Account(id string) (WeComAccount, bool) {
	override, ok := lookup(c.Accounts, id)
	base := c.WeComAccount
	out := WeComAccount{
		AccountBase:    base.AccountBase.merge(override.AccountBase),
		Token:          pick(base.Token, override.Token),
		EncodingAESKey: pick(base.EncodingAESKey, override.EncodingAESKey),
		ReceiveID:      pick(base.ReceiveID, override.ReceiveID),
		WebhookPath:    pick(base.WebhookPath, override.WebhookPath),
		WebhookURL:     pick(base.WebhookURL, override.WebhookURL),
	}
	return out, ok
}

// AccountIDs lists the configured account ids, or "default" when the
// section has no accounts map.
func (c DingTalkConfig) AccountIDs() []string { return accountIDs(keys(c.Accounts)) }

// Account returns the merged account and whether an accounts entry exists.
func (c DingTalkConfig) Account(id string) (DingTalkAccount, bool) {
	override, ok := lookup(c.Accounts, id)
	base := c.DingTalkAccount
	out := DingTalkAccount{
		AccountBase:  base.AccountBase.merge(override.AccountBase),
		ClientID:     pick(base.ClientID, override.ClientID),
		ClientSecret: pick(base.ClientSecret, override.ClientSecret),
		APIBase:      pick(base.APIBase, override.APIBase),
	}
	return out, ok
}

// AccountIDs lists the configured account ids, or "default" when the
// section has no accounts map.
func (c SignedHookConfig) AccountIDs() []string { return accountIDs(keys(c.Accounts)) }

// Account returns the merged account and whether an accounts entry exists.
func (c SignedHookConfig) Account(id string) (SignedHookAccount, bool) {
	override, ok := lookup(c.Accounts, id)
	base := c.SignedHookAccount
	out := SignedHookAccount{
		AccountBase: base.AccountBase.merge(override.AccountBase),
		Secret:      pick(base.Secret, override.Secret),
		WebhookPath: pick(base.WebhookPath, override.WebhookPath),
		CallbackURL: pick(base.CallbackURL, override.CallbackURL),
	}
	return out, ok
}
