// Package security resolves direct-message policies for channel accounts and
// decides whether an inbound sender may reach the agent.
package security

import (
	"fmt"
	"strings"
)

// Policy is a direct-message admission policy.
type Policy string

const (
	PolicyOpen      Policy = "open"
	PolicyPairing   Policy = "pairing"
	PolicyAllowlist Policy = "allowlist"
)

// Wildcard in an allow-list admits every sender.
const Wildcard = "*"

// ParsePolicy parses a configured dm_policy value. Empty means pairing.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyPairing):
		return PolicyPairing, nil
	case string(PolicyOpen):
		return PolicyOpen, nil
	case "allowlist", "allow-list", "allow_list":
		return PolicyAllowlist, nil
	default:
		return "", fmt.Errorf("unknown dm policy %q", s)
	}
}

// Normalizer maps a raw sender id or allow-list entry onto its canonical form.
type Normalizer func(string) string

// NormalizeEntry returns a normalizer that trims, strips any of the given
// prefixes (case-insensitively, repeatedly) and lower-cases.
func NormalizeEntry(prefixes ...string) Normalizer {
	return func(s string) string {
		s = strings.TrimSpace(s)
		for stripped := true; stripped; {
			stripped = false
			for _, p := range prefixes {
				if p != "" && len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
					s = strings.TrimSpace(s[len(p):])
					stripped = true
				}
			}
		}
		return strings.ToLower(s)
	}
}

// Input describes what a channel knows about an account's DM settings.
type Input struct {
	Channel           string
	AccountID         string
	HasAccountSection bool
	Policy            string
	AccountAllowFrom  []string
	ChannelAllowFrom  []string
	Normalize         Normalizer
}

// Resolution is the effective DM policy of one account.
type Resolution struct {
	Channel       string
	AccountID     string
	Policy        Policy
	AllowFrom     []string
	PolicyPath    string
	AllowFromPath string
	ApproveHint   string
	Normalize     Normalizer
}

// ResolveDMPolicy computes the effective policy. Config paths point at the
// account section when one exists, else at the channel section. The account
// allow-list wins over the channel allow-list when it is non-empty.
func ResolveDMPolicy(in Input) (Resolution, error) {
	policy, err := ParsePolicy(in.Policy)
	if err != nil {
		return Resolution{}, err
	}
	normalize := in.Normalize
	if normalize == nil {
		normalize = NormalizeEntry()
	}

	base := "channels." + in.Channel + "."
	if in.HasAccountSection {
		base = fmt.Sprintf("channels.%s.accounts.%s.", in.Channel, in.AccountID)
	}

	source := in.AccountAllowFrom
	if len(source) == 0 {
		source = in.ChannelAllowFrom
	}
	allow := make([]string, 0, len(source))
	seen := make(map[string]bool, len(source))
	for _, entry := range source {
		if strings.TrimSpace(entry) == Wildcard {
			entry = Wildcard
		} else {
			entry = normalize(entry)
		}
		if entry == "" || seen[entry] {
			continue
		}
		seen[entry] = true
		allow = append(allow, entry)
	}

	return Resolution{
		Channel:       in.Channel,
		AccountID:     in.AccountID,
		Policy:        policy,
		AllowFrom:     allow,
		PolicyPath:    base + "dm_policy",
		AllowFromPath: base + "allow_from",
		ApproveHint:   fmt.Sprintf("chatgate pairing approve %s <code>", in.Channel),
		Normalize:     normalize,
	}, nil
}

// IsSenderAllowed reports whether senderID is on allowFrom. Entries are
// compared case-insensitively; "*" admits everyone.
func IsSenderAllowed(senderID string, allowFrom []string) bool {
	senderID = strings.TrimSpace(senderID)
	for _, entry := range allowFrom {
		entry = strings.TrimSpace(entry)
		if entry == Wildcard {
			return true
		}
		if senderID != "" && strings.EqualFold(entry, senderID) {
			return true
		}
	}
	return false
}
