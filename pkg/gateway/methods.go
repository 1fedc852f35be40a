package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/outbound"
	"github.com/harun/chatgate/pkg/pairing"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("channel.reply", s.handleChannelReply)
	_ = s.RegisterMethod("channel.send", s.handleChannelSend)
	_ = s.RegisterMethod("channel.status", s.handleChannelStatus)
	_ = s.RegisterMethod("pairing.list", s.handlePairingList)
	_ = s.RegisterMethod("pairing.approve", s.handlePairingApprove)
	_ = s.RegisterMethod("pairing.reject", s.handlePairingReject)
	_ = s.RegisterMethod("bridge.clients", s.handleBridgeClients)
}

func (s *Server) handleChannelReply(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	replyID, err := requireString(params, "replyId")
	if err != nil {
		return nil, err
	}
	text, err := requireString(params, "text")
	if err != nil {
		return nil, err
	}

	entry, ok := s.pending.get(replyID)
	if !ok {
		return nil, &RPCError{Code: ReplyNotFound, Message: fmt.Sprintf("reply %s not found or expired", replyID)}
	}

	ctx = tracing.WithCorrelationID(ctx, entry.message.CorrelationID)
	if err := entry.replier.Reply(ctx, text); err != nil {
		return nil, err
	}
	if final, _ := params["final"].(bool); final {
		s.pending.release(replyID)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("reply_id", replyID).
		Str("client_id", clientIDFromContext(ctx)).
		Str("channel", entry.message.Channel).
		Msg("Agent reply delivered")

	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleChannelSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.sender == nil {
		return nil, &RPCError{Code: Unavailable, Message: "outbound delivery is not available"}
	}
	channel, err := requireString(params, "channel")
	if err != nil {
		return nil, err
	}
	to, err := requireString(params, "to")
	if err != nil {
		return nil, err
	}
	text, err := requireString(params, "text")
	if err != nil {
		return nil, err
	}

	results, err := s.sender.SendText(ctx, outbound.Request{
		Channel:   channel,
		AccountID: optionalString(params, "accountId"),
		To:        to,
		Text:      text,
		MediaURL:  optionalString(params, "mediaUrl"),
		ReplyToID: optionalString(params, "replyToId"),
	})
	if err != nil {
		switch {
		case errors.Is(err, outbound.ErrUnknownChannel),
			errors.Is(err, outbound.ErrEmptyMessage),
			errors.Is(err, outbound.ErrMissingTarget):
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		case errors.Is(err, outbound.ErrAccountNotRunning):
			return nil, &RPCError{Code: Unavailable, Message: err.Error()}
		}
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}

func (s *Server) handleChannelStatus(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if s.status == nil {
		return nil, &RPCError{Code: Unavailable, Message: "status is not available"}
	}
	channel := optionalString(params, "channel")
	snapshots := s.status.Snapshots()
	if channel != "" {
		filtered := snapshots[:0:0]
		for _, snap := range snapshots {
			if snap.Channel == channel {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}
	return map[string]interface{}{"accounts": snapshots}, nil
}

func (s *Server) handlePairingList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.pairing == nil {
		return nil, &RPCError{Code: Unavailable, Message: "pairing is not available"}
	}
	requests, err := s.pairing.ListPending(ctx, optionalString(params, "channel"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"requests": requests}, nil
}

func (s *Server) handlePairingApprove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolvePairing(ctx, params, true)
}

func (s *Server) handlePairingReject(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolvePairing(ctx, params, false)
}

func (s *Server) resolvePairing(ctx context.Context, params map[string]interface{}, approve bool) (interface{}, error) {
	if s.pairing == nil {
		return nil, &RPCError{Code: Unavailable, Message: "pairing is not available"}
	}
	channel, err := requireString(params, "channel")
	if err != nil {
		return nil, err
	}
	code, err := requireString(params, "code")
	if err != nil {
		return nil, err
	}

	var request pairing.Request
	if approve {
		request, err = s.pairing.Approve(ctx, channel, code)
	} else {
		request, err = s.pairing.Reject(ctx, channel, code)
	}
	if errors.Is(err, pairing.ErrRequestNotFound) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"request": request}, nil
}

func (s *Server) handleBridgeClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}

func requireString(params map[string]interface{}, key string) (string, error) {
	value := optionalString(params, key)
	if value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", key)}
	}
	return value, nil
}

func optionalString(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}
