package signedhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/webhook"
)

const jsonContentType = "application/json"

type inboundPayload struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	ChatID     string `json:"chat_id"`
	ChatType   string `json:"chat_type"`
	Text       string `json:"text"`
}

type protocol struct {
	secret     string
	accountID  string
	dispatcher channels.Dispatcher
}

func (p *protocol) Matches(r *webhook.Request) bool {
	signed := r.Body
	if r.Method == http.MethodGet {
		signed = []byte(r.Query.Get("challenge"))
	}
	return webhook.VerifyHMAC(signed, r.Header.Get(SignatureHeader), p.secret)
}

func (p *protocol) Handshake(r *webhook.Request) ([]byte, error) {
	challenge := r.Query.Get("challenge")
	if challenge == "" {
		return nil, fmt.Errorf("%w: missing challenge", webhook.ErrMalformed)
	}
	return []byte(challenge), nil
}

func (p *protocol) Open(r *webhook.Request) ([]byte, error) {
	if !json.Valid(r.Body) {
		return nil, fmt.Errorf("%w: body is not JSON", webhook.ErrMalformed)
	}
	return r.Body, nil
}

func (p *protocol) Deliver(ctx context.Context, ex *webhook.Exchange) error {
	var in inboundPayload
	if err := json.Unmarshal(ex.Payload, &in); err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrMalformed, err)
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return fmt.Errorf("%w: missing sender_id", webhook.ErrMalformed)
	}
	if strings.TrimSpace(in.Text) == "" {
		ex.Ack()
		return nil
	}

	chatType := channels.ChatDirect
	if strings.EqualFold(in.ChatType, string(channels.ChatGroup)) {
		chatType = channels.ChatGroup
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = in.SenderID
	}
	msg := channels.InboundMessage{
		Channel:    ChannelID,
		AccountID:  p.accountID,
		SenderID:   strings.TrimSpace(in.SenderID),
		SenderName: in.SenderName,
		ChatType:   chatType,
		ChatID:     chatID,
		Text:       in.Text,
		MessageID:  in.ID,
		ReceivedAt: ex.Request.ReceivedAt,
	}

	replier := channels.ReplyFunc(func(_ context.Context, text string) error {
		body, err := json.Marshal(map[string]string{"reply": text})
		if err != nil {
			return err
		}
		return ex.Responder.Reply(jsonContentType, body)
	})

	switch p.dispatcher.Dispatch(ctx, msg, replier) {
	case channels.Duplicate, channels.Rejected, channels.Dropped:
		ex.Ack()
	}
	return nil
}
