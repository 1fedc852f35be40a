package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/chatgate/internal/metrics"
)

// ClientRegistry tracks the agent connections of one bridge.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add stores client under its ID.
func (r *ClientRegistry) Add(client *Client) {
	r.update(func(m map[string]*Client) { m[client.ID] = client })
}

// Remove drops the client with id.
func (r *ClientRegistry) Remove(id string) {
	r.update(func(m map[string]*Client) { delete(m, id) })
}

func (r *ClientRegistry) update(fn func(map[string]*Client)) {
	r.mu.Lock()
	fn(r.clients)
	n := len(r.clients)
	r.mu.Unlock()
	metrics.SetBridgeClients(n)
}

// Get returns the client with id.
func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Len returns the number of connections, authenticated or not.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Select returns the clients accepted by keep. A nil keep selects all.
func (r *ClientRegistry) Select(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Authenticated returns the clients that passed the challenge.
func (r *ClientRegistry) Authenticated() []*Client {
	return r.Select((*Client).IsAuthenticated)
}

// Infos describes every connection, oldest first.
func (r *ClientRegistry) Infos() []ClientInfo {
	now := time.Now()
	all := r.Select(nil)
	infos := make([]ClientInfo, len(all))
	for i, c := range all {
		infos[i] = c.info(now)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Touch marks activity on the client with id.
func (r *ClientRegistry) Touch(id string) {
	if c, ok := r.Get(id); ok {
		c.touch(time.Now())
	}
}

type clientIDKey struct{}

func withClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
