package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultAPIBase is the public open-platform endpoint.
const DefaultAPIBase = "https://api.dingtalk.com"

const (
	robotTopic      = "/v1.0/im/bot/messages/get"
	tokenSafetySkew = time.Minute
)

var (
	// ErrAuth means the platform rejected the account credentials.
	ErrAuth = errors.New("dingtalk: credentials rejected")
	// ErrMissingSession is returned for outbound targets without a session webhook.
	ErrMissingSession = errors.New(`dingtalk: outbound target must be "session:<sessionWebhookUrl>"`)
)

// APIError is a non-success answer from the platform.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dingtalk api: status %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dingtalk api: status %d", e.Status)
}

// Endpoint is a stream connection grant.
type Endpoint struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// Client talks to the open-platform HTTP API for one robot.
type Client struct {
	base         string
	clientID     string
	clientSecret string
	http         *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClient creates a Client. An empty base uses DefaultAPIBase.
func NewClient(base, clientID, clientSecret string, hc *http.Client) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:         base,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		http:         hc,
		now:          time.Now,
	}
}

// OpenConnection requests a stream endpoint subscribed to robot messages.
func (c *Client) OpenConnection(ctx context.Context) (Endpoint, error) {
	body := map[string]any{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": robotTopic},
		},
		"ua": "chatgate",
	}
	var ep Endpoint
	if err := c.postJSON(ctx, c.base+"/v1.0/gateway/connections/open", nil, body, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("open stream connection: %w", err)
	}
	if ep.Endpoint == "" || ep.Ticket == "" {
		return Endpoint{}, errors.New("open stream connection: empty endpoint or ticket")
	}
	return ep, nil
}

// AccessToken returns a cached app access token, refreshing it shortly
// before it expires.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
	}
	body := map[string]string{"appKey": c.clientID, "appSecret": c.clientSecret}
	if err := c.postJSON(ctx, c.base+"/v1.0/oauth2/accessToken", nil, body, &out); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("fetch access token: empty token")
	}

	ttl := time.Duration(out.ExpireIn) * time.Second
	if ttl > 2*tokenSafetySkew {
		ttl -= tokenSafetySkew
	}
	c.token = out.AccessToken
	c.expiresAt = c.now().Add(ttl)
	return c.token, nil
}

// SendSessionMessage posts text to a conversation's session webhook.
func (c *Client) SendSessionMessage(ctx context.Context, sessionWebhook, text string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	headers := map[string]string{"x-acs-dingtalk-access-token": token}
	if err := c.postJSON(ctx, sessionWebhook, headers, body, &out); err != nil {
		return fmt.Errorf("send session message: %w", err)
	}
	if out.ErrCode != 0 {
		return &APIError{Status: http.StatusOK, Code: fmt.Sprint(out.ErrCode), Message: out.ErrMsg}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var detail struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			apiErr.Code, apiErr.Message = detail.Code, detail.Message
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
