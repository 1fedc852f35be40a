package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const jsonRPCVersion = "2.0"

// RPCRouter dispatches bridge requests to registered method handlers.
type RPCRouter struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	replays  *replayCache
}

// NewRPCRouter creates a router whose idempotent replies are replayed for
// ttl. A non-positive ttl uses DefaultIdempotencyTTL.
func NewRPCRouter(ttl time.Duration) *RPCRouter {
	return &RPCRouter{
		handlers: make(map[string]RequestHandler),
		replays:  newReplayCache(ttl),
	}
}

// RegisterMethod installs handler for name, replacing any previous one.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name. Unknown names are ignored.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// HasMethod reports whether name has a handler.
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Methods returns the registered method names in sorted order.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// ParseRequest decodes a frame into a request. Failures are returned as
// *RPCError so they can be sent back as is.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = jsonRPCVersion
	}
	return &req, nil
}

// RouteRequest runs the handler for req.Method. A request carrying an
// idempotency key gets the stored reply of an earlier call with the same
// method and key, re-addressed to the new request id.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if resp, ok := r.replays.get(key); ok {
		resp.ID = req.ID
		return &resp
	}

	resp := r.invoke(ctx, req)
	r.replays.put(key, *resp)
	return resp
}

func (r *RPCRouter) invoke(ctx context.Context, req *RPCRequest) *RPCResponse {
	handler, ok := r.lookup(req.Method)
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var typed *RPCError
		if errors.As(err, &typed) {
			return errorResponse(req.ID, typed)
		}
		return errorResponse(req.ID, &RPCError{Code: InternalError, Message: err.Error()})
	}
	return &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: rpcErr}
}
