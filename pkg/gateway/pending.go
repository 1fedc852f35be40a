package gateway

import (
	"sync"
	"time"

	"github.com/harun/chatgate/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultReplyTTL is how long an agent may answer an inbound message.
const DefaultReplyTTL = 10 * time.Minute

type pendingReply struct {
	message   channels.InboundMessage
	replier   channels.Replier
	expiresAt time.Time
}

// pendingReplies maps reply ids handed to agents onto the repliers of the
// inbound messages they answer.
type pendingReplies struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*pendingReply
}

func newPendingReplies(ttl time.Duration, now func() time.Time) *pendingReplies {
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	if now == nil {
		now = time.Now
	}
	return &pendingReplies{ttl: ttl, now: now, items: make(map[string]*pendingReply)}
}

func (p *pendingReplies) add(msg channels.InboundMessage, replier channels.Replier) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.items[id] = &pendingReply{message: msg, replier: replier, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return id, nil
}

// get returns a live entry. Entries stay until they expire or are released
// so an agent can answer with several messages.
func (p *pendingReplies) get(id string) (*pendingReply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.items[id]
	if !ok {
		return nil, false
	}
	if p.now().After(entry.expiresAt) {
		delete(p.items, id)
		return nil, false
	}
	return entry, true
}

func (p *pendingReplies) release(id string) {
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

func (p *pendingReplies) prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for id, entry := range p.items {
		if now.After(entry.expiresAt) {
			delete(p.items, id)
			removed++
		}
	}
	return removed
}

func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
