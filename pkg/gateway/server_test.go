package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/harun/chatgate/pkg/outbound"
	"github.com/harun/chatgate/pkg/pairing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "bridge-secret"

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendText(ctx context.Context, req outbound.Request) ([]channels.DeliveryResult, error) {
	args := m.Called(ctx, req)
	results, _ := args.Get(0).([]channels.DeliveryResult)
	return results, args.Error(1)
}

type mockPairing struct {
	mock.Mock
}

func (m *mockPairing) ListPending(ctx context.Context, channel string) ([]pairing.Request, error) {
	args := m.Called(ctx, channel)
	reqs, _ := args.Get(0).([]pairing.Request)
	return reqs, args.Error(1)
}

func (m *mockPairing) Approve(ctx context.Context, channel, code string) (pairing.Request, error) {
	args := m.Called(ctx, channel, code)
	return args.Get(0).(pairing.Request), args.Error(1)
}

func (m *mockPairing) Reject(ctx context.Context, channel, code string) (pairing.Request, error) {
	args := m.Called(ctx, channel, code)
	return args.Get(0).(pairing.Request), args.Error(1)
}

type staticStatus []lifecycle.Snapshot

func (s staticStatus) Snapshots() []lifecycle.Snapshot { return s }

type recordingReplier struct {
	mu      sync.Mutex
	replies []string
}

func (r *recordingReplier) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recordingReplier) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func newTestBridge(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.SharedSecret = testSecret
	cfg.Logger = zerolog.Nop()
	s, err := NewServer(cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/agent", s)
	mux.HandleFunc("/agent/rpc", s.HandleRPC)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
		srv.Close()
	})
	return s, srv
}

func dialAgent(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var challenge AuthChallenge
	readJSON(t, conn, &challenge)
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: SignChallenge(testSecret, challenge.Challenge),
	}))
	var result AuthResult
	readJSON(t, conn, &result)
	require.True(t, result.Success)
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params map[string]interface{}) RPCResponse {
	t.Helper()
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}))
	var resp RPCResponse
	readJSON(t, conn, &resp)
	return resp
}

func TestNewServer_RequiresSecret(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServer_RequiresAuthentication(t *testing.T) {
	_, srv := newTestBridge(t, Config{})
	conn := dialAgent(t, srv)

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)

	resp := call(t, conn, "1", "bridge.clients", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestServer_ClosesAfterFailedAttempts(t *testing.T) {
	_, srv := newTestBridge(t, Config{})
	conn := dialAgent(t, srv)

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)

	for i := 0; i < MaxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
		var result AuthResult
		readJSON(t, conn, &result)
		assert.False(t, result.Success)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_HandleInboundWithoutAgent(t *testing.T) {
	s, _ := newTestBridge(t, Config{})

	err := s.HandleInbound(context.Background(), channels.InboundMessage{Channel: "wecom"}, &recordingReplier{})
	assert.ErrorIs(t, err, ErrNoAgent)
	assert.Equal(t, 0, s.pending.len())
}

func TestServer_InboundRoundTrip(t *testing.T) {
	s, srv := newTestBridge(t, Config{})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	replier := &recordingReplier{}
	msg := channels.InboundMessage{
		Channel:       "dingtalk",
		AccountID:     "default",
		SenderID:      "user-1",
		ChatType:      channels.ChatDirect,
		Text:          "hello",
		CorrelationID: "corr-9",
	}
	require.NoError(t, s.HandleInbound(context.Background(), msg, replier))

	var event struct {
		Event         string `json:"event"`
		CorrelationID string `json:"correlation_id"`
		Data          struct {
			ReplyID string                  `json:"replyId"`
			Message channels.InboundMessage `json:"message"`
		} `json:"data"`
	}
	readJSON(t, conn, &event)
	assert.Equal(t, "channel.inbound", event.Event)
	assert.Equal(t, "corr-9", event.CorrelationID)
	assert.Equal(t, "hello", event.Data.Message.Text)
	require.NotEmpty(t, event.Data.ReplyID)

	resp := call(t, conn, "1", "channel.reply", map[string]interface{}{
		"replyId": event.Data.ReplyID,
		"text":    "part one",
	})
	require.Nil(t, resp.Error)

	resp = call(t, conn, "2", "channel.reply", map[string]interface{}{
		"replyId": event.Data.ReplyID,
		"text":    "part two",
		"final":   true,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"part one", "part two"}, replier.texts())

	resp = call(t, conn, "3", "channel.reply", map[string]interface{}{
		"replyId": event.Data.ReplyID,
		"text":    "late",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ReplyNotFound, resp.Error.Code)
}

func TestServer_ExpiredReplyIsRejected(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, srv := newTestBridge(t, Config{ReplyTTL: time.Minute, Now: clock})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	require.NoError(t, s.HandleInbound(context.Background(), channels.InboundMessage{Channel: "wecom"}, &recordingReplier{}))
	var event struct {
		Data struct {
			ReplyID string `json:"replyId"`
		} `json:"data"`
	}
	readJSON(t, conn, &event)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	resp := call(t, conn, "1", "channel.reply", map[string]interface{}{"replyId": event.Data.ReplyID, "text": "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ReplyNotFound, resp.Error.Code)
}

func TestServer_ChannelSend(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendText", mock.Anything, outbound.Request{
		Channel: "signedhook",
		To:      "peer-1",
		Text:    "ping",
	}).Return([]channels.DeliveryResult{{Channel: "signedhook", MessageID: "m-1"}}, nil).Once()
	sender.On("SendText", mock.Anything, mock.MatchedBy(func(r outbound.Request) bool {
		return r.Channel == "nope"
	})).Return(nil, outbound.ErrUnknownChannel).Once()

	_, srv := newTestBridge(t, Config{Sender: sender})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	resp := call(t, conn, "1", "channel.send", map[string]interface{}{
		"channel": "signedhook",
		"to":      "peer-1",
		"text":    "ping",
	})
	require.Nil(t, resp.Error)
	results := resp.Result.(map[string]interface{})["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "m-1", results[0].(map[string]interface{})["messageId"])

	resp = call(t, conn, "2", "channel.send", map[string]interface{}{
		"channel": "nope",
		"to":      "peer-1",
		"text":    "ping",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = call(t, conn, "3", "channel.send", map[string]interface{}{"channel": "signedhook"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	sender.AssertExpectations(t)
}

func TestServer_PairingMethods(t *testing.T) {
	svc := &mockPairing{}
	svc.On("ListPending", mock.Anything, "wecom").
		Return([]pairing.Request{{Channel: "wecom", PeerID: "u1", Code: "ABCD2345"}}, nil)
	svc.On("Approve", mock.Anything, "wecom", "ABCD2345").
		Return(pairing.Request{Channel: "wecom", PeerID: "u1", Code: "ABCD2345"}, nil)
	svc.On("Reject", mock.Anything, "wecom", "ZZZZ2345").
		Return(pairing.Request{}, pairing.ErrRequestNotFound)

	_, srv := newTestBridge(t, Config{Pairing: svc})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	resp := call(t, conn, "1", "pairing.list", map[string]interface{}{"channel": "wecom"})
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.(map[string]interface{})["requests"], 1)

	resp = call(t, conn, "2", "pairing.approve", map[string]interface{}{"channel": "wecom", "code": "ABCD2345"})
	require.Nil(t, resp.Error)
	request := resp.Result.(map[string]interface{})["request"].(map[string]interface{})
	assert.Equal(t, "u1", request["peer_id"])

	resp = call(t, conn, "3", "pairing.reject", map[string]interface{}{"channel": "wecom", "code": "ZZZZ2345"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	svc.AssertExpectations(t)
}

func TestServer_UnavailableServices(t *testing.T) {
	_, srv := newTestBridge(t, Config{})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	for i, method := range []string{"channel.send", "channel.status", "pairing.list"} {
		resp := call(t, conn, string(rune('a'+i)), method, map[string]interface{}{})
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, Unavailable, resp.Error.Code, method)
	}
}

func TestServer_HTTPRPC(t *testing.T) {
	status := staticStatus{
		{Channel: "wecom", AccountID: "default", State: lifecycle.StateRunning, Running: true},
		{Channel: "dingtalk", AccountID: "default", State: lifecycle.StateStopped},
	}
	_, srv := newTestBridge(t, Config{Status: status})

	body, err := json.Marshal(RPCRequest{ID: "1", Method: "channel.status", Params: map[string]interface{}{"channel": "wecom"}})
	require.NoError(t, err)

	t.Run("rejects a missing secret", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/agent/rpc", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("serves a call", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/agent/rpc", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(SecretHeader, testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Result struct {
				Accounts []lifecycle.Snapshot `json:"accounts"`
			} `json:"result"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.Len(t, out.Result.Accounts, 1)
		assert.Equal(t, "wecom", out.Result.Accounts[0].Channel)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/agent/rpc", strings.NewReader("{"))
		require.NoError(t, err)
		req.Header.Set(SecretHeader, testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_BridgeClients(t *testing.T) {
	_, srv := newTestBridge(t, Config{})
	conn := dialAgent(t, srv)
	authenticate(t, conn)

	resp := call(t, conn, "1", "bridge.clients", nil)
	require.Nil(t, resp.Error)
	clients := resp.Result.(map[string]interface{})["clients"].([]interface{})
	require.Len(t, clients, 1)
	assert.Equal(t, true, clients[0].(map[string]interface{})["authenticated"])
}
