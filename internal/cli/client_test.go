package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *daemonClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &daemonClient{
		baseURL: srv.URL,
		rpcPath: "/agent/rpc",
		secret:  "s3cret",
		http:    srv.Client(),
	}
}

func TestNewDaemonClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8790
	cfg.Bridge.Path = "/agent/"
	cfg.Bridge.SharedSecret = "x"

	c := newDaemonClient(cfg)
	assert.Equal(t, "http://127.0.0.1:8790", c.baseURL)
	assert.Equal(t, "/agent/rpc", c.rpcPath)
	assert.Equal(t, "x", c.secret)
}

func TestDaemonClient_Call(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/rpc", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get(gateway.SecretHeader))

		var req gateway.RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pairing.list", req.Method)
		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "wecom", req.Params["channel"])

		_ = json.NewEncoder(w).Encode(gateway.RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Result:  map[string]interface{}{"requests": []map[string]string{{"code": "ABCD2345", "peer_id": "alice"}}},
		})
	}))

	var out struct {
		Requests []struct {
			Code   string `json:"code"`
			PeerID string `json:"peer_id"`
		} `json:"requests"`
	}
	err := c.call(context.Background(), "pairing.list", map[string]interface{}{"channel": "wecom"}, &out)
	require.NoError(t, err)
	require.Len(t, out.Requests, 1)
	assert.Equal(t, "ABCD2345", out.Requests[0].Code)
	assert.Equal(t, "alice", out.Requests[0].PeerID)
}

func TestDaemonClient_CallErrors(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(gateway.RPCResponse{
				ID:      "1",
				JSONRPC: "2.0",
				Error:   &gateway.RPCError{Code: gateway.InvalidParams, Message: "code is required"},
			})
		}))
		err := c.call(context.Background(), "pairing.approve", nil, nil)
		var rpcErr *gateway.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, gateway.InvalidParams, rpcErr.Code)
	})

	t.Run("unauthorized", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		err := c.call(context.Background(), "bridge.clients", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret")
	})

	t.Run("bridge disabled", func(t *testing.T) {
		c := newTestClient(t, http.NotFoundHandler())
		err := c.call(context.Background(), "bridge.clients", nil, nil)
		assert.ErrorIs(t, err, errBridgeDisabled)
	})

	t.Run("no secret", func(t *testing.T) {
		c := &daemonClient{baseURL: "http://127.0.0.1:1", rpcPath: "/agent/rpc"}
		err := c.call(context.Background(), "bridge.clients", nil, nil)
		assert.ErrorIs(t, err, errBridgeDisabled)
	})
}

func TestDaemonClient_Status(t *testing.T) {
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		if r.Header.Get(gateway.SecretHeader) != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(daemon.Status{
			Running:       true,
			StartTime:     started,
			Uptime:        time.Minute,
			Addr:          "127.0.0.1:8790",
			BridgeClients: 2,
		})
	}))

	status, err := c.status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.BridgeClients)
	assert.Equal(t, time.Minute, status.Uptime)
	assert.True(t, status.StartTime.Equal(started))

	c.secret = "wrong"
	_, err = c.status(context.Background())
	assert.Error(t, err)
}
