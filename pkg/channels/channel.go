// Package channels defines the contract every chat platform binding
// implements and the registry the gateway resolves plugins from.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by adapters for operations a channel cannot perform.
var ErrUnsupported = errors.New("operation not supported by channel")

// ChatType distinguishes one-to-one chats from group conversations.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel       string    `json:"channel"`
	AccountID     string    `json:"accountId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName,omitempty"`
	ChatType      ChatType  `json:"chatType"`
	ChatID        string    `json:"chatId,omitempty"`
	Text          string    `json:"text"`
	MessageID     string    `json:"messageId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// DedupKey returns the key the inbound path deduplicates on, or "" when the
// message carries no identifier.
func (m InboundMessage) DedupKey() string {
	id := m.MessageID
	if id == "" {
		id = m.CorrelationID
	}
	if id == "" {
		return ""
	}
	return m.Channel + ":" + m.AccountID + ":" + id
}

// Replier sends reply text back through the transport an inbound message
// arrived on.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// ReplyFunc adapts a function to Replier.
type ReplyFunc func(ctx context.Context, text string) error

func (f ReplyFunc) Reply(ctx context.Context, text string) error {
	return f(ctx, text)
}

// AgentHandler consumes accepted inbound messages. Replies, if any, go
// through replier.
type AgentHandler func(ctx context.Context, msg InboundMessage, replier Replier) error

// OutboundMessage is a proactive send request.
type OutboundMessage struct {
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// DeliveryResult describes one delivered platform message.
type DeliveryResult struct {
	Channel   string    `json:"channel"`
	MessageID string    `json:"messageId,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchResult is the outcome of handing an inbound message to the gateway.
type DispatchResult int

const (
	Accepted DispatchResult = iota
	Duplicate
	Rejected
	Dropped
	// PairingRequested is a policy rejection that queued a pairing notice on
	// the replier. Transports keep the reply channel open for it.
	PairingRequested
)

func (r DispatchResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case PairingRequested:
		return "pairing_requested"
	default:
		return "dropped"
	}
}

// Dispatcher receives normalized inbound messages from channel transports.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg InboundMessage, replier Replier) DispatchResult
}
