// Package gateway is the agent bridge: agents connect over a websocket,
// authenticate with a shared-secret challenge, receive inbound channel
// messages as events and answer or send through JSON-RPC.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/harun/chatgate/pkg/outbound"
	"github.com/harun/chatgate/pkg/pairing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// SecretHeader authenticates single-shot HTTP RPC calls.
const SecretHeader = "X-Chatgate-Secret"

// ErrNoAgent is returned by HandleInbound when no authenticated agent is
// connected.
var ErrNoAgent = errors.New("gateway: no agent connected")

// Sender delivers proactive messages.
type Sender interface {
	SendText(ctx context.Context, req outbound.Request) ([]channels.DeliveryResult, error)
}

// StatusProvider reports account snapshots.
type StatusProvider interface {
	Snapshots() []lifecycle.Snapshot
}

// PairingService lists and resolves pairing requests.
type PairingService interface {
	ListPending(ctx context.Context, channel string) ([]pairing.Request, error)
	Approve(ctx context.Context, channel, code string) (pairing.Request, error)
	Reject(ctx context.Context, channel, code string) (pairing.Request, error)
}

// Server is the agent bridge
type Server struct {
	sharedSecret string
	tickInterval time.Duration
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	auth         *challengeAuth
	broadcaster  *EventBroadcaster
	pending      *pendingReplies
	sender       Sender
	status       StatusProvider
	pairing      PairingService
	logger       zerolog.Logger

	closing  atomic.Bool
	inFlight sync.WaitGroup
	stopTick context.CancelFunc
	tickDone chan struct{}
}

// Config holds bridge configuration
type Config struct {
	SharedSecret   string
	TickInterval   time.Duration
	ReplyTTL       time.Duration
	IdempotencyTTL time.Duration
	Sender         Sender
	Status         StatusProvider
	Pairing        PairingService
	Logger         zerolog.Logger
	Now            func() time.Time
}

// NewServer creates a new agent bridge
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	logger := cfg.Logger.With().Str("component", "bridge").Logger()

	clients := NewClientRegistry()
	s := &Server{
		sharedSecret: cfg.SharedSecret,
		tickInterval: cfg.TickInterval,
		clients:      clients,
		router:       NewRPCRouter(cfg.IdempotencyTTL),
		auth:         newChallengeAuth(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		pending:      newPendingReplies(cfg.ReplyTTL, cfg.Now),
		sender:       cfg.Sender,
		status:       cfg.Status,
		pairing:      cfg.Pairing,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Start begins the heartbeat that also expires unanswered replies.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTick = cancel
	s.tickDone = make(chan struct{})
	go s.heartbeat(ctx)
}

func (s *Server) heartbeat(ctx context.Context) {
	defer close(s.tickDone)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := s.pending.prune(); n > 0 {
			s.logger.Debug().Int("expired", n).Msg("Expired unanswered replies")
		}
		s.broadcaster.Broadcast("tick", map[string]interface{}{
			"status":  "alive",
			"pending": s.pending.len(),
		})
	}
}

// Stop refuses new agents, tells connected ones the bridge is going away
// and closes their connections once in-flight calls finish or ctx ends.
func (s *Server) Stop(ctx context.Context) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().Msg("Shutting down agent bridge")

	if s.stopTick != nil {
		s.stopTick()
		<-s.tickDone
	}

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, c := range s.clients.Select(nil) {
		_ = c.Conn.Close()
	}
}

// HandleInbound is the channels.AgentHandler of the gateway: it hands msg to
// every connected agent as a channel.inbound event and keeps replier until an
// agent answers or the reply window ends.
func (s *Server) HandleInbound(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) error {
	if len(s.clients.Authenticated()) == 0 {
		return ErrNoAgent
	}

	replyID, err := s.pending.add(msg, replier)
	if err != nil {
		return fmt.Errorf("allocate reply id: %w", err)
	}

	delivered := s.broadcaster.BroadcastTyped(EventMessage{
		Event: "channel.inbound",
		Data: map[string]interface{}{
			"replyId": replyID,
			"message": msg,
		},
		CorrelationID: msg.CorrelationID,
	})
	if delivered == 0 {
		s.pending.release(replyID)
		return ErrNoAgent
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("reply_id", replyID).
		Int("agents", delivered).
		Msg("Inbound message forwarded to agents")
	return nil
}

// ServeHTTP upgrades an agent connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		state:        StateConnecting,
		lastActivity: now,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Agent connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.issue(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Agent disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlight.Done()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// HandleRPC serves single-shot JSON-RPC over HTTP, authenticated with the
// shared secret in SecretHeader.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(s.sharedSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
		errors.As(err, &rpcErr)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	ctx := tracing.ExtractHTTP(tracing.NewRequestContext(r.Context()), r.Header)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Bridge received HTTP RPC request")

	s.inFlight.Add(1)
	defer s.inFlight.Done()
	resp := s.router.RouteRequest(ctx, req)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result, exhausted := s.auth.answer(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.AuditSecurity(context.Background(), "bridge.auth", client.ID, "failure", map[string]interface{}{
			"ip":        client.IPAddress,
			"exhausted": exhausted,
		})
		if exhausted {
			client.Conn.Close()
		}
		return
	}
	s.logger.Info().Str("clientId", client.ID).Msg("Agent authenticated")
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated agents
func (s *Server) Broadcast(event string, data interface{}) int {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected agents
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
