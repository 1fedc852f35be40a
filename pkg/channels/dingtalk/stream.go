package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/outbound"
	"github.com/rs/zerolog"
)

const (
	frameSystem   = "SYSTEM"
	frameCallback = "CALLBACK"
	frameEvent    = "EVENT"

	topicPing       = "ping"
	topicDisconnect = "disconnect"
)

type frameHeaders struct {
	MessageID   string `json:"messageId"`
	Topic       string `json:"topic"`
	ContentType string `json:"contentType,omitempty"`
	Time        string `json:"time,omitempty"`
}

type frame struct {
	SpecVersion string       `json:"specVersion"`
	Type        string       `json:"type"`
	Headers     frameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

type frameAck struct {
	Code    int          `json:"code"`
	Headers frameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data"`
}

type robotMessage struct {
	MsgID   string `json:"msgId"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	ConversationType string `json:"conversationType"`
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	SenderStaffID    string `json:"senderStaffId"`
	SenderNick       string `json:"senderNick"`
	SessionWebhook   string `json:"sessionWebhook"`
	CreateAt         int64  `json:"createAt"`
}

// stream runs one account's socket: connect, ack and dispatch frames, and
// reconnect with exponential backoff until the context ends.
type stream struct {
	client     *Client
	dialer     *websocket.Dialer
	gc         channels.GatewayContext
	logger     zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func (s *stream) run(ctx context.Context) {
	delay := s.minBackoff
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuth) {
			// Fail calls the account's stop, which waits for run to return.
			go s.gc.Fail(err)
			return
		}
		if err != nil {
			msg := err.Error()
			s.gc.SetStatus(channels.StatusPatch{LastError: &msg})
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("dingtalk stream disconnected")
		}

		if time.Since(started) > s.maxBackoff {
			delay = s.minBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// session holds one socket until it drops. A nil error means the server
// asked us to reconnect.
func (s *stream) session(ctx context.Context) error {
	ep, err := s.client.OpenConnection(ctx)
	if err != nil {
		return err
	}
	target, err := url.Parse(ep.Endpoint)
	if err != nil {
		return fmt.Errorf("parse stream endpoint: %w", err)
	}
	q := target.Query()
	q.Set("ticket", ep.Ticket)
	target.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	s.logger.Info().Str("endpoint", target.Host).Msg("dingtalk stream connected")
	empty := ""
	s.gc.SetStatus(channels.StatusPatch{LastError: &empty})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable stream frame")
			continue
		}

		switch f.Type {
		case frameSystem:
			switch f.Headers.Topic {
			case topicPing:
				if err := conn.WriteJSON(ack(f, f.Data)); err != nil {
					return fmt.Errorf("write pong: %w", err)
				}
			case topicDisconnect:
				s.logger.Info().Msg("dingtalk stream asked to reconnect")
				return nil
			}
		case frameCallback, frameEvent:
			// Ack first so the platform does not redeliver while the agent works.
			if err := conn.WriteJSON(ack(f, `{"response":null}`)); err != nil {
				return fmt.Errorf("write ack: %w", err)
			}
			if f.Type == frameCallback && f.Headers.Topic == robotTopic {
				s.handle(ctx, f)
			}
		}
	}
}

func ack(f frame, data string) frameAck {
	return frameAck{
		Code: 200,
		Headers: frameHeaders{
			MessageID:   f.Headers.MessageID,
			ContentType: "application/json",
		},
		Message: "OK",
		Data:    data,
	}
}

func (s *stream) handle(ctx context.Context, f frame) {
	var rm robotMessage
	if err := json.Unmarshal([]byte(f.Data), &rm); err != nil {
		s.logger.Warn().Err(err).Str("message_id", f.Headers.MessageID).Msg("dropping undecodable robot message")
		return
	}

	text := strings.TrimSpace(rm.Text.Content)
	session := strings.TrimSpace(rm.SessionWebhook)
	if text == "" || session == "" {
		return
	}

	msg := toInbound(s.gc.Account.AccountID, rm, f.Headers.MessageID)
	result := s.gc.Dispatcher.Dispatch(ctx, msg, sessionReplier(s.client, session))
	s.logger.Debug().Str("message_id", msg.MessageID).Stringer("result", result).Msg("robot message dispatched")
}

func toInbound(accountID string, rm robotMessage, frameID string) channels.InboundMessage {
	sender := strings.TrimSpace(rm.SenderStaffID)
	if sender == "" {
		sender = strings.TrimSpace(rm.SenderID)
	}
	if sender == "" {
		sender = "unknown"
	}
	chatType := channels.ChatDirect
	if rm.ConversationType == "2" {
		chatType = channels.ChatGroup
	}
	chatID := rm.ConversationID
	if chatID == "" {
		chatID = sender
	}
	id := rm.MsgID
	if id == "" {
		id = frameID
	}
	received := time.Now()
	if rm.CreateAt > 0 {
		received = time.UnixMilli(rm.CreateAt)
	}
	return channels.InboundMessage{
		Channel:    ChannelID,
		AccountID:  accountID,
		SenderID:   sender,
		SenderName: rm.SenderNick,
		ChatType:   chatType,
		ChatID:     chatID,
		Text:       strings.TrimSpace(rm.Text.Content),
		MessageID:  id,
		ReceivedAt: received,
	}
}

func sessionReplier(client *Client, session string) channels.Replier {
	return channels.ReplyFunc(func(ctx context.Context, text string) error {
		for i, chunk := range outbound.ChunkText(text, textChunkLimit) {
			if err := client.SendSessionMessage(ctx, session, chunk); err != nil {
				return fmt.Errorf("reply chunk %d: %w", i+1, err)
			}
		}
		return nil
	})
}
