package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/gateway"
)

// errBridgeDisabled is returned by RPC calls when the daemon runs without the
// agent bridge, which also hosts the RPC endpoint.
var errBridgeDisabled = errors.New("agent bridge is disabled in config")

// daemonClient talks to a running daemon over its HTTP surface.
type daemonClient struct {
	baseURL string
	rpcPath string
	secret  string
	http    *http.Client
}

func newDaemonClient(cfg *config.Config) *daemonClient {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &daemonClient{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)),
		rpcPath: strings.TrimRight(cfg.Bridge.Path, "/") + "/rpc",
		secret:  cfg.Bridge.SharedSecret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// call invokes a bridge RPC method and decodes its result into out.
func (c *daemonClient) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	if c.secret == "" {
		return errBridgeDisabled
	}
	body, err := json.Marshal(gateway.RPCRequest{
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.rpcPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SecretHeader, c.secret)
	tracing.InjectHTTP(tracing.WithCorrelationID(ctx, uuid.NewString()), req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
	case http.StatusUnauthorized:
		return fmt.Errorf("daemon rejected the bridge shared secret")
	case http.StatusNotFound:
		return errBridgeDisabled
	default:
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("invalid daemon response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// status fetches the daemon's /status document.
func (c *daemonClient) status(ctx context.Context) (*daemon.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set(gateway.SecretHeader, c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &status, nil
}
