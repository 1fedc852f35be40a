package gateway

import (
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long responses to keyed requests are replayed.
const DefaultIdempotencyTTL = 5 * time.Minute

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

// replayCache remembers responses by method and idempotency key. Expired
// entries are swept on every insert.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]replayEntry
	now     func() time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &replayCache{ttl: ttl, entries: make(map[string]replayEntry), now: time.Now}
}

func replayKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + "\x00" + idempotencyKey
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	if key == "" {
		return RPCResponse{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return e.resp.copy(), true
}

func (c *replayCache) put(key string, resp RPCResponse) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: resp.copy(), expires: now.Add(c.ttl)}
}

// copy detaches the error so a replay cannot mutate the stored reply.
func (r RPCResponse) copy() RPCResponse {
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}
