package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

// Client talks to the Companion server's session REST endpoints and dials
// browser WebSockets.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *logger.Logger
}

// NewClient creates a Companion client for the given base URL
// (e.g. http://localhost:3456).
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "companion-client")),
	}
}

type createSessionRequest struct {
	PermissionMode string `json:"permissionMode"`
	CWD            string `json:"cwd"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSession asks the Companion for a new upstream session and returns its id.
func (c *Client) CreateSession(ctx context.Context, permissionMode, cwd string) (string, error) {
	body, err := json.Marshal(createSessionRequest{PermissionMode: permissionMode, CWD: cwd})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("companion session create failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("companion session create returned %d", resp.StatusCode)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("companion session create: bad response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("companion session create: empty session id")
	}

	c.logger.Info("created companion session", zap.String("upstream_session_id", out.SessionID))
	return out.SessionID, nil
}

// KillSession tells the Companion to tear down a session. Fire-and-forget:
// failures are logged, never returned.
func (c *Client) KillSession(sessionID string) {
	go func() {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/sessions/"+sessionID+"/kill", nil)
		if err != nil {
			return
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("companion session kill failed",
				zap.String("upstream_session_id", sessionID),
				zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

// Dial opens the browser WebSocket for a session.
func (c *Client) Dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	wsURL, err := c.websocketURL(sessionID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("companion websocket dial failed: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.logger.Debug("companion websocket connected", zap.String("upstream_session_id", sessionID))
	return conn, nil
}

// websocketURL converts the HTTP base URL to the ws endpoint for a session.
func (c *Client) websocketURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid companion url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/browser/" + sessionID
	return u.String(), nil
}
