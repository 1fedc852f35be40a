package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// DefaultFallback is how long a POST waits for a channel reply before the
// neutral ack is written.
const DefaultFallback = 1500 * time.Millisecond

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

var (
	// ErrNoTargets means nothing is registered at the request path.
	ErrNoTargets = errors.New("webhook: no targets registered for path")
	// ErrUnauthorized means no target verified the request, or the payload
	// was bound to a different tenant.
	ErrUnauthorized = errors.New("webhook: unauthorized")
	// ErrMalformed means the payload could not be decoded.
	ErrMalformed = errors.New("webhook: malformed payload")
	// ErrResponded is returned when replying after the response was closed.
	ErrResponded = errors.New("webhook: response already written")
)

// Request is the transport-neutral view of an inbound webhook request.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteIP   string
	ReceivedAt time.Time
}

// Protocol is implemented by each webhook channel account. Implementations
// close over the account's secrets.
type Protocol interface {
	// Matches reports whether r is signed with this target's secret.
	Matches(r *Request) bool
	// Handshake answers a GET verification challenge.
	Handshake(r *Request) ([]byte, error)
	// Open authenticates and decodes a POST body. Errors wrap ErrUnauthorized
	// or ErrMalformed.
	Open(r *Request) ([]byte, error)
	// Deliver hands the decoded payload to the channel. It must not block on
	// the agent; replies go through ex.Responder.
	Deliver(ctx context.Context, ex *Exchange) error
}

// Validator is implemented by protocols that can reject a structurally
// broken request before any signature is checked. Validate errors wrap
// ErrMalformed.
type Validator interface {
	Validate(r *Request) error
}

// Target is one account registered at a path.
type Target struct {
	Path      string
	Channel   string
	AccountID string
	Protocol  Protocol

	// Fallback overrides DefaultFallback for this target when positive.
	Fallback time.Duration
	// AckBody is written when no reply arrives in time. Defaults to "ok".
	AckBody        []byte
	AckContentType string
}

func (t *Target) ack() Response {
	body := t.AckBody
	if body == nil {
		body = []byte("ok")
	}
	ct := t.AckContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	return Response{Status: http.StatusOK, ContentType: ct, Body: body}
}

// Exchange carries one authenticated request to a channel protocol.
type Exchange struct {
	Target    *Target
	Request   *Request
	Payload   []byte
	Responder *Responder
}

// Ack closes the exchange with the target's neutral ack.
func (ex *Exchange) Ack() bool {
	return ex.Responder.Respond(ex.Target.ack())
}
