package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/rs/zerolog"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// MaxBodyBytes caps request bodies. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Fallback is the default reply window for targets that set none.
	Fallback time.Duration
	// RateLimit is the per-IP request budget per minute. Zero disables it.
	RateLimit int
	Logger    zerolog.Logger
}

// Handler serves every registered webhook path.
type Handler struct {
	registry *Registry
	opts     HandlerOptions
	limiter  *RateLimiter
	tracker  *MetricsTracker
	logger   zerolog.Logger
}

// NewHandler creates a Handler backed by registry.
func NewHandler(registry *Registry, opts HandlerOptions) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Fallback <= 0 {
		opts.Fallback = DefaultFallback
	}
	h := &Handler{
		registry: registry,
		opts:     opts,
		tracker:  NewMetricsTracker(),
		logger:   opts.Logger.With().Str("component", "webhook").Logger(),
	}
	if opts.RateLimit > 0 {
		h.limiter = NewRateLimiter(opts.RateLimit, time.Minute)
	}
	return h
}

// Close releases the rate limiter.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Metrics returns per-path request statistics.
func (h *Handler) Metrics() []Metrics {
	return h.tracker.GetMetrics()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := NormalizePath(r.URL.Path)

	status := h.serve(w, r, path)

	elapsed := time.Since(start)
	h.tracker.Track(path, r.Method, status, elapsed)
	metrics.RecordWebhook(path, r.Method, status, elapsed)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, path string) int {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		return writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	}

	ip := ClientIP(r)
	if h.limiter != nil && !h.limiter.CheckLimit(ip) {
		w.Header().Set("Retry-After", strconv.Itoa(h.limiter.GetRetryAfter(ip)))
		return writeText(w, http.StatusTooManyRequests, "rate limit exceeded")
	}

	if len(h.registry.Targets(path)) == 0 {
		return writeText(w, http.StatusNotFound, "not found")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeText(w, http.StatusRequestEntityTooLarge, "payload too large")
		}
		return writeText(w, http.StatusBadRequest, "bad request")
	}

	req := &Request{
		Method:     r.Method,
		Path:       path,
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteIP:   ip,
		ReceivedAt: time.Now(),
	}

	target, err := h.registry.Resolve(path, req)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			h.logger.Warn().Err(err).Str("path", path).Str("ip", ip).Msg("malformed webhook request")
			return writeError(w, err)
		}
		metrics.RecordWebhookAuthFailure(path)
		h.logger.Warn().Str("path", path).Str("ip", ip).Msg("webhook signature did not match any target")
		return writeError(w, err)
	}

	logger := h.logger.With().
		Str("path", path).
		Str("channel", target.Channel).
		Str("account", target.AccountID).
		Logger()

	if r.Method == http.MethodGet {
		echo, err := target.Protocol.Handshake(req)
		if err != nil {
			logger.Warn().Err(err).Msg("webhook handshake failed")
			return writeError(w, err)
		}
		return writeResponse(w, Response{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: echo})
	}

	payload, err := target.Protocol.Open(req)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			metrics.RecordWebhookAuthFailure(path)
		}
		logger.Warn().Err(err).Msg("webhook payload rejected")
		return writeError(w, err)
	}

	ex := &Exchange{
		Target:    target,
		Request:   req,
		Payload:   payload,
		Responder: NewResponder(),
	}

	// The agent may keep working after the HTTP response is closed.
	ctx := tracing.WithAccount(tracing.NewRequestContext(context.Background()), target.Channel, target.AccountID)
	if err := target.Protocol.Deliver(ctx, ex); err != nil {
		logger.Warn().Err(err).Msg("webhook delivery failed")
		if !ex.Responder.Responded() {
			return writeError(w, err)
		}
	}

	h.await(r.Context(), ex, logger)

	resp, _ := ex.Responder.Result()
	return writeResponse(w, resp)
}

// await blocks until the exchange is settled by the channel, the fallback
// window elapses, or the client goes away.
func (h *Handler) await(ctx context.Context, ex *Exchange, logger zerolog.Logger) {
	window := ex.Target.Fallback
	if window <= 0 {
		window = h.opts.Fallback
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-ex.Responder.Done():
	case <-timer.C:
		if ex.Ack() {
			metrics.RecordFallbackAck(ex.Target.Channel, ex.Target.AccountID)
			logger.Debug().Dur("window", window).Msg("no reply within window, sent ack")
		}
	case <-ctx.Done():
		ex.Ack()
	}
}

func writeError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, ErrNoTargets):
		return writeText(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrUnauthorized):
		return writeText(w, http.StatusUnauthorized, "unauthorized")
	default:
		return writeText(w, http.StatusBadRequest, "bad request")
	}
}

func writeText(w http.ResponseWriter, status int, body string) int {
	return writeResponse(w, Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)})
}

func writeResponse(w http.ResponseWriter, resp Response) int {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	return resp.Status
}

// ClientIP extracts the client IP from forwarding headers or the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
