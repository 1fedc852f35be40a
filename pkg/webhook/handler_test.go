package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(reg *Registry, fallback time.Duration) *Handler {
	return NewHandler(reg, HandlerOptions{
		Fallback:     fallback,
		MaxBodyBytes: 64,
		Logger:       zerolog.Nop(),
	})
}

func post(h http.Handler, path, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Signature", SignHMAC([]byte(body), secret, "sha256"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(NewRegistry(), 0)
	defer h.Close()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/hook", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))
}

func TestHandler_UnknownPath(t *testing.T) {
	h := newTestHandler(NewRegistry(), 0)
	defer h.Close()

	w := post(h, "/missing", "x", "s")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	w := post(h, "/hook", strings.Repeat("a", 65), "s")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_BadSignatureIsUnauthorized(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	w := post(h, "/hook", "hello", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", w.Body.String())
}

func TestHandler_MalformedPayload(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	w := post(h, "/hook", "garbage", "s")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UnsignedRequestIsBadRequest(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &headerProtocol{hmacProtocol{secret: "s"}}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader("hello")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad request", w.Body.String())

	w = post(h, "/hook", "hello", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_HandshakeEchoes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	req := httptest.NewRequest(http.MethodGet, "/hook?echostr=challenge-123", nil)
	req.Header.Set("X-Signature", SignHMAC([]byte("challenge-123"), "s", "sha256"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "challenge-123", w.Body.String())
}

func TestHandler_ReplyWinsOverFallback(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Protocol: &hmacProtocol{
		secret: "s",
		deliver: func(ctx context.Context, ex *Exchange) error {
			go func() {
				_ = ex.Responder.Reply("text/plain", []byte("reply:"+string(ex.Payload)))
			}()
			return nil
		},
	}})
	h := newTestHandler(reg, time.Second)
	defer h.Close()

	w := post(h, "/hook", "hi", "s")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reply:hi", w.Body.String())
}

func TestHandler_AckWithoutReplyWithinFallback(t *testing.T) {
	late := make(chan error, 1)

	reg := NewRegistry()
	reg.Register(&Target{
		Path:    "/hook",
		AckBody: []byte("success"),
		Protocol: &hmacProtocol{
			secret: "s",
			deliver: func(ctx context.Context, ex *Exchange) error {
				go func() {
					time.Sleep(150 * time.Millisecond)
					late <- ex.Responder.Reply("text/plain", []byte("too late"))
				}()
				return nil
			},
		},
	})
	h := newTestHandler(reg, 30*time.Millisecond)
	defer h.Close()

	start := time.Now()
	w := post(h, "/hook", "hi", "s")
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())
	assert.Less(t, elapsed, 140*time.Millisecond)

	assert.ErrorIs(t, <-late, ErrResponded)
}

func TestHandler_PerTargetFallbackOverridesDefault(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Fallback: 10 * time.Millisecond, Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, time.Minute)
	defer h.Close()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(h, "/hook", "x", "s") }()

	select {
	case w := <-done:
		assert.Equal(t, "ok", w.Body.String())
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not honor the target fallback")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Fallback: time.Millisecond, Protocol: &hmacProtocol{secret: "s"}})
	h := NewHandler(reg, HandlerOptions{RateLimit: 1, Logger: zerolog.Nop()})
	defer h.Close()

	assert.Equal(t, http.StatusOK, post(h, "/hook", "1", "s").Code)
	w := post(h, "/hook", "2", "s")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandler_TracksMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Target{Path: "/hook", Fallback: time.Millisecond, Protocol: &hmacProtocol{secret: "s"}})
	h := newTestHandler(reg, 0)
	defer h.Close()

	post(h, "/hook", "1", "s")
	post(h, "/hook", "2", "bad")

	m := h.tracker.GetMetricsFor("/hook", http.MethodPost)
	require.NotNil(t, m)
	assert.EqualValues(t, 2, m.TotalRequests)
	assert.EqualValues(t, 1, m.FailureCount)
	assert.Equal(t, http.StatusUnauthorized, m.LastStatus)
}

func TestResponder_ExactlyOnce(t *testing.T) {
	r := NewResponder()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Respond(Response{Body: []byte("x")}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	resp, ok := r.Result()
	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, resp.Status)
	select {
	case <-r.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	assert.Equal(t, "192.168.1.1", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	assert.Equal(t, "10.1.1.1", ClientIP(req))
}
