package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/logger"
	"github.com/harun/chatgate/pkg/channels/signedhook"
	"github.com/harun/chatgate/pkg/gateway"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/harun/chatgate/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bridgeSecret = "bridge-secret"
	hookSecret   = "hook-secret"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Pairing.Path = filepath.Join(dir, "pairing")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ReplyFallbackMs = 5000
	cfg.Bridge.SharedSecret = bridgeSecret
	cfg.Maintenance.Schedule = "@every 1h"
	return cfg
}

// createTestDaemon creates a daemon whose log output is discarded
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Console: true, Out: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	loader := config.NewLoader(filepath.Join(cfg.DataDir, "chatgate.json"))
	d, err := New(cfg, loader, log)
	require.NoError(t, err)
	return d
}

func startTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
		}
	})
	return d
}

func connectAgent(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr()+"/agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var challenge gateway.AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.NoError(t, conn.WriteJSON(gateway.AuthResponse{
		Method:    "auth.response",
		Signature: gateway.SignChallenge(bridgeSecret, challenge.Challenge),
	}))
	var result gateway.AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)
	return conn
}

func postSigned(t *testing.T, d *Daemon, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+d.Addr()+"/signedhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(signedhook.SignatureHeader, webhook.SignHMAC([]byte(body), hookSecret, "sha256"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.plugins)
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.accounts)
	assert.NotNil(t, d.normalizer)
	assert.NotNil(t, d.router)
	assert.NotNil(t, d.deliverer)
	assert.NotNil(t, d.pidLock)
	assert.NotNil(t, d.Bridge())
	assert.ElementsMatch(t, []string{"wecom", "dingtalk", "signedhook"}, d.plugins.IDs())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pairing.Store = "redis"

	log, err := logger.New(logger.Config{Console: true, Out: io.Discard})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, nil, log)
	assert.Error(t, err)
}

func TestNew_BridgeNeedsSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.SharedSecret = ""

	log, err := logger.New(logger.Config{Console: true, Out: io.Discard})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, nil, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared_secret")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status = d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)
	assert.True(t, IsRunning(PIDFilePath(d.Config().DataDir)))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.False(t, IsRunning(PIDFilePath(d.Config().DataDir)))
	assert.Error(t, d.Stop())
}

func TestDaemonHTTPEndpoints(t *testing.T) {
	d := startTestDaemon(t, testConfig(t))
	base := "http://" + d.Addr()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("status requires the bridge secret", func(t *testing.T) {
		resp, err := http.Get(base + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, base+"/status", nil)
		require.NoError(t, err)
		req.Header.Set(gateway.SecretHeader, bridgeSecret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.True(t, status.Running)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unregistered webhook path", func(t *testing.T) {
		resp, err := http.Post(base+"/nothing-here", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestDaemon_WebhookToAgentRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.SignedHook.Secret = hookSecret
	cfg.Channels.SignedHook.DMPolicy = "open"
	d := startTestDaemon(t, cfg)

	snap, ok := d.accounts.Snapshot("signedhook", "default")
	require.True(t, ok)
	require.Equal(t, lifecycle.StateRunning, snap.State)

	conn := connectAgent(t, d)

	type result struct {
		status int
		body   string
	}
	done := make(chan result, 1)
	go func() {
		status, body := postSigned(t, d, `{"id":"m-1","sender_id":"u1","text":"ping"}`)
		done <- result{status, body}
	}()

	var event struct {
		Event string `json:"event"`
		Data  struct {
			ReplyID string `json:"replyId"`
			Message struct {
				Text     string `json:"text"`
				SenderID string `json:"senderId"`
			} `json:"message"`
		} `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, "channel.inbound", event.Event)
	assert.Equal(t, "ping", event.Data.Message.Text)
	assert.Equal(t, "u1", event.Data.Message.SenderID)

	require.NoError(t, conn.WriteJSON(gateway.RPCRequest{
		ID:      "1",
		Method:  "channel.reply",
		JSONRPC: "2.0",
		Params:  map[string]interface{}{"replyId": event.Data.ReplyID, "text": "pong", "final": true},
	}))
	var resp gateway.RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)

	select {
	case r := <-done:
		assert.Equal(t, http.StatusOK, r.status)
		assert.JSONEq(t, `{"reply":"pong"}`, r.body)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook request did not complete")
	}

	snap, _ = d.accounts.Snapshot("signedhook", "default")
	assert.NotNil(t, snap.LastInboundAt)
	assert.NotNil(t, snap.LastOutboundAt)
}

func TestDaemon_PairingApprovalWritesAllowList(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ReplyFallbackMs = 200
	cfg.Channels.SignedHook.Secret = hookSecret
	cfg.Channels.SignedHook.DMPolicy = "pairing"
	cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	d := startTestDaemon(t, cfg)

	status, body := postSigned(t, d, `{"id":"m-1","sender_id":"Stranger","text":"hello"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "chatgate pairing approve signedhook")

	pending, err := d.Approver().ListPending(context.Background(), "signedhook")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, body, pending[0].Code)

	req, err := d.Approver().Approve(context.Background(), "signedhook", pending[0].Code)
	require.NoError(t, err)
	assert.Equal(t, "stranger", req.PeerID)

	saved, err := config.Load(filepath.Join(cfg.DataDir, "chatgate.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"stranger"}, saved.Channels.SignedHook.AllowFrom)

	audit, err := os.ReadFile(cfg.Logging.AuditFile)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"action":"pairing.approve"`)
	assert.Contains(t, string(audit), `"actor":"stranger"`)
}

func TestDaemon_ReloadStartsNewAccounts(t *testing.T) {
	cfg := testConfig(t)
	d := startTestDaemon(t, cfg)

	_, ok := d.accounts.Snapshot("signedhook", "default")
	assert.False(t, ok)

	next := cfg.Clone()
	next.Channels.SignedHook.Secret = hookSecret
	d.Reload(next)

	snap, ok := d.accounts.Snapshot("signedhook", "default")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateRunning, snap.State)

	disabled := false
	next = next.Clone()
	next.Channels.SignedHook.Enabled = &disabled
	d.Reload(next)

	snap, _ = d.accounts.Snapshot("signedhook", "default")
	assert.Equal(t, lifecycle.StateStopped, snap.State)
}

func TestDaemon_WithoutBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Enabled = false
	cfg.Bridge.SharedSecret = ""
	d := startTestDaemon(t, cfg)

	assert.Nil(t, d.Bridge())
	resp, err := http.Get("http://" + d.Addr() + "/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Without a secret the status endpoint is open.
	statusResp, err := http.Get("http://" + d.Addr() + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)
}
