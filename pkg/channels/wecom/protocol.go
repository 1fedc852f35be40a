package wecom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/envelope"
	"github.com/harun/chatgate/pkg/webhook"
)

const replyContentType = "application/xml; charset=utf-8"

type protocol struct {
	codec      *envelope.Codec
	accountID  string
	dispatcher channels.Dispatcher
	now        func() time.Time
}

func newProtocol(codec *envelope.Codec, gc channels.GatewayContext) *protocol {
	return &protocol{
		codec:      codec,
		accountID:  gc.Account.AccountID,
		dispatcher: gc.Dispatcher,
		now:        time.Now,
	}
}

func signatureParams(r *webhook.Request) (sig, ts, nonce string) {
	return r.Query.Get("msg_signature"), r.Query.Get("timestamp"), r.Query.Get("nonce")
}

// Validate rejects requests missing the signature query or, for POST, an
// XML envelope with an Encrypt field.
func (p *protocol) Validate(r *webhook.Request) error {
	_, err := ciphertext(r)
	return err
}

func (p *protocol) Matches(r *webhook.Request) bool {
	ct, err := ciphertext(r)
	if err != nil {
		return false
	}
	sig, ts, nonce := signatureParams(r)
	return p.codec.Verify(sig, ts, nonce, ct)
}

// ciphertext returns the signed value of r: echostr for GET and the
// envelope's Encrypt field for POST.
func ciphertext(r *webhook.Request) (string, error) {
	sig, ts, nonce := signatureParams(r)
	if r.Method == http.MethodGet {
		echo := r.Query.Get("echostr")
		if sig == "" || ts == "" || nonce == "" || echo == "" {
			return "", fmt.Errorf("%w: missing query params", webhook.ErrMalformed)
		}
		return echo, nil
	}
	doc, err := parseEncrypted(r.Body)
	if err != nil || doc.Encrypt == "" || sig == "" || ts == "" || nonce == "" {
		return "", fmt.Errorf("%w: invalid payload", webhook.ErrMalformed)
	}
	return doc.Encrypt, nil
}

func (p *protocol) Handshake(r *webhook.Request) ([]byte, error) {
	plain, err := p.codec.Decrypt(r.Query.Get("echostr"))
	if err != nil {
		return nil, classify(err)
	}
	return plain, nil
}

func (p *protocol) Open(r *webhook.Request) ([]byte, error) {
	doc, err := parseEncrypted(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrMalformed, err)
	}
	plain, err := p.codec.Decrypt(doc.Encrypt)
	if err != nil {
		return nil, classify(err)
	}
	return plain, nil
}

func (p *protocol) Deliver(ctx context.Context, ex *webhook.Exchange) error {
	msg, err := parseMessage(ex.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrMalformed, err)
	}
	if strings.TrimSpace(msg.FromUserName) == "" {
		return fmt.Errorf("%w: missing sender", webhook.ErrMalformed)
	}

	inbound := channels.InboundMessage{
		Channel:    ChannelID,
		AccountID:  p.accountID,
		SenderID:   msg.FromUserName,
		ChatType:   channels.ChatDirect,
		ChatID:     msg.FromUserName,
		Text:       msg.text(),
		MessageID:  msg.id(),
		ReceivedAt: msg.receivedAt(ex.Request.ReceivedAt),
	}

	switch p.dispatcher.Dispatch(ctx, inbound, p.replier(ex, msg)) {
	case channels.Duplicate, channels.Rejected, channels.Dropped:
		ex.Ack()
	}
	return nil
}

// replier answers through the open HTTP response. Only the first reply
// reaches the platform.
func (p *protocol) replier(ex *webhook.Exchange, msg message) channels.Replier {
	_, ts, nonce := signatureParams(ex.Request)
	return channels.ReplyFunc(func(_ context.Context, text string) error {
		plain, err := buildReply(msg.FromUserName, p.codec.ReceiverID(), text, p.now())
		if err != nil {
			return err
		}
		sealed, err := p.codec.Seal(plain, ts, nonce)
		if err != nil {
			return err
		}
		body, err := buildEnvelope(sealed)
		if err != nil {
			return err
		}
		return ex.Responder.Reply(replyContentType, body)
	})
}

func classify(err error) error {
	if errors.Is(err, envelope.ErrReceiverMismatch) {
		return fmt.Errorf("%w: %v", webhook.ErrUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", webhook.ErrMalformed, err)
}
