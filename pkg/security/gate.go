package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/chatgate/pkg/pairing"
	"github.com/rs/zerolog"
)

// Pairer issues pairing codes and answers whether a peer was approved.
// *pairing.Manager satisfies it.
type Pairer interface {
	EnsurePending(ctx context.Context, channel, accountID, peerID string) (pairing.Request, bool, error)
	IsApproved(ctx context.Context, channel, peerID string) bool
}

// Subject is the sender an inbound message came from.
type Subject struct {
	Channel   string
	AccountID string
	SenderID  string
	Group     bool
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	// Pairing is set when the sender was (or already is) waiting for approval.
	Pairing *pairing.Request
	// Created reports whether Pairing was issued by this evaluation.
	Created bool
}

// Gate applies DM policies to inbound senders.
type Gate struct {
	pairer Pairer
	logger zerolog.Logger
}

// NewGate builds a gate. A nil pairer makes the pairing policy behave like
// allowlist.
func NewGate(pairer Pairer, logger zerolog.Logger) *Gate {
	return &Gate{
		pairer: pairer,
		logger: logger.With().Str("component", "security").Logger(),
	}
}

// Evaluate decides whether the subject may reach the agent under res.
func (g *Gate) Evaluate(ctx context.Context, subject Subject, res Resolution) Decision {
	normalize := res.Normalize
	if normalize == nil {
		normalize = NormalizeEntry()
	}
	sender := normalize(subject.SenderID)
	listed := IsSenderAllowed(sender, res.AllowFrom)

	if subject.Group {
		if len(res.AllowFrom) > 0 && !listed {
			return Decision{Reason: "group sender not in allow-list"}
		}
		return Decision{Allowed: true, Reason: "group"}
	}

	switch res.Policy {
	case PolicyOpen:
		return Decision{Allowed: true, Reason: "open"}
	case PolicyAllowlist:
		if listed {
			return Decision{Allowed: true, Reason: "allow-list"}
		}
		return Decision{Reason: "sender not in allow-list"}
	}

	// pairing
	if listed {
		return Decision{Allowed: true, Reason: "allow-list"}
	}
	if g.pairer == nil || sender == "" {
		return Decision{Reason: "sender not in allow-list"}
	}
	if g.pairer.IsApproved(ctx, subject.Channel, sender) {
		return Decision{Allowed: true, Reason: "paired"}
	}

	req, created, err := g.pairer.EnsurePending(ctx, subject.Channel, subject.AccountID, sender)
	switch {
	case errors.Is(err, pairing.ErrAlreadyApproved):
		return Decision{Allowed: true, Reason: "paired"}
	case errors.Is(err, pairing.ErrPendingLimitReached):
		return Decision{Reason: "pairing limit reached"}
	case err != nil:
		g.logger.Error().Err(err).
			Str("channel", subject.Channel).
			Str("account", subject.AccountID).
			Msg("Failed to create pairing request")
		return Decision{Reason: "pairing unavailable"}
	}
	if created {
		g.logger.Info().
			Str("channel", subject.Channel).
			Str("account", subject.AccountID).
			Str("sender", sender).
			Str("code", req.Code).
			Msg("Pairing request created")
	}
	return Decision{Reason: "pairing pending", Pairing: &req, Created: created}
}

// PairingNotice is the text sent back to a sender who was just issued a code.
func PairingNotice(res Resolution, code string) string {
	return fmt.Sprintf("This bot only talks to approved users. Your pairing code is %s.\nAsk the owner to run: %s",
		code, strings.ReplaceAll(res.ApproveHint, "<code>", code))
}
