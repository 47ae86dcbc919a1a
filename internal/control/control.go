// Package control implements the agent's duplex control channel to the
// slave-driver websocket server: authentication, the JSON envelope, and
// request/response correlation for server-issued RPCs. A background read
// loop dispatches each inbound frame to its registered handler on a
// fresh goroutine so a slow handler never stalls the connection.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/resplendentdata/syncagent/internal/logging"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

// reconnectDelay is how long the client waits after a dropped
// connection before dialing again.
const reconnectDelay = 2500 * time.Millisecond

// envelope is the wire shape of every message exchanged over the control
// channel, both directions.
type envelope struct {
	Token       string          `json:"token"`
	MessageType string          `json:"message_type"`
	MessageBody json.RawMessage `json:"message_body"`
}

// Handler processes one inbound message_type's body and returns the
// value to place in a correlated response's "message" field. Returning a
// non-nil error surfaces as that response's "error_message" with
// "message" set to false.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// Client is one agent process's connection to the control plane.
type Client struct {
	url   string
	uuid  string
	key   string
	store *statestore.Store

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	claims  map[string]any

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// NewClient returns a Client for the given control-channel URL and agent
// identity. store records agent_connection/authentication status on
// every connect, disconnect, and auth transition.
func NewClient(url, uuid, key string, store *statestore.Store) *Client {
	return &Client{
		url:      url,
		uuid:     uuid,
		key:      key,
		store:    store,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler wires a Handler for an inbound message_type.
func (c *Client) RegisterHandler(messageType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[messageType] = h
}

// Claims returns the decoded token claims received from the last
// successful auth message, or nil if the agent has never authenticated.
func (c *Client) Claims() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

// Token returns the current bearer token, for handing to a large-table
// worker subprocess as its Auth header — the worker has
// no control-channel connection of its own.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Run connects, authenticates, and processes inbound messages until ctx
// is canceled, reconnecting with reconnectDelay between attempts.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			logging.Log("control: connection ended:", err)
			c.setConnectionStatus("Not connected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("control: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setConnectionStatus("Connected")

	authMsg, err := json.Marshal(map[string]string{"agent_uuid": c.uuid, "key": c.key})
	if err != nil {
		return fmt.Errorf("control: marshal auth message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, authMsg); err != nil {
		return fmt.Errorf("control: send auth message: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control: read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logging.Log("control: malformed envelope:", err)
			continue
		}
		go c.handleMessage(ctx, env.MessageType, env.MessageBody)
	}
}

func (c *Client) setConnectionStatus(status string) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateAuthStatus("agent_connection", status); err != nil {
		logging.Error("control: record connection status", err)
	}
}

// handleMessage dispatches one inbound message: "auth" is handled
// inline (it carries the session token itself), everything else goes
// through a registered
// Handler, and any message_body carrying a request_id gets a correlated
// response sent back with that request_id/queue_name echoed.
func (c *Client) handleMessage(ctx context.Context, messageType string, body json.RawMessage) {
	if messageType == "auth" {
		c.handleAuth(body)
		return
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[messageType]
	c.handlersMu.RUnlock()
	if !ok {
		return
	}

	response, err := h(ctx, body)
	errMessage := ""
	if err != nil {
		logging.Error(fmt.Sprintf("control: handler %s", messageType), err)
		errMessage = err.Error()
		response = false
	}

	var withRequestID struct {
		RequestID string `json:"request_id"`
		QueueName string `json:"queue_name"`
	}
	if jsonErr := json.Unmarshal(body, &withRequestID); jsonErr != nil || withRequestID.RequestID == "" {
		return
	}

	c.Send(messageType, map[string]any{
		"message":       response,
		"error_message": errMessage,
		"request_id":    withRequestID.RequestID,
		"queue_name":    withRequestID.QueueName,
	})
}

func (c *Client) handleAuth(body json.RawMessage) {
	var tokenOrFalse any
	if err := json.Unmarshal(body, &tokenOrFalse); err != nil {
		logging.Error("control: decode auth message_body", err)
		return
	}

	token, ok := tokenOrFalse.(string)
	if !ok || token == "" {
		if c.store != nil {
			if err := c.store.UpdateAuthStatus("authentication", "Not Authenticated"); err != nil {
				logging.Error("control: record auth failure", err)
			}
		}
		return
	}

	claims, err := decodeClaims(token)
	if err != nil {
		logging.Error("control: decode token claims", err)
	}

	c.mu.Lock()
	c.token = token
	c.claims = claims
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateAuthStatus("authentication", "Authenticated"); err != nil {
			logging.Error("control: record auth success", err)
		}
	}
}

// decodeClaims extracts the middle, base64url-encoded segment of a
// dot-separated token, pads it to a multiple of four, and decodes it as
// JSON.
func decodeClaims(token string) (map[string]any, error) {
	parts := splitDot(token)
	if len(parts) < 2 {
		return nil, fmt.Errorf("control: token has no claims segment")
	}
	b := parts[1]
	padding := (4 - len(b)%4) % 4
	for i := 0; i < padding; i++ {
		b += "="
	}
	decoded, err := base64.URLEncoding.DecodeString(b)
	if err != nil {
		return nil, fmt.Errorf("control: base64 decode claims: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("control: unmarshal claims: %w", err)
	}
	return claims, nil
}

func splitDot(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Send writes one envelope to the server.
func (c *Client) Send(messageType string, body any) error {
	c.mu.Lock()
	conn := c.conn
	token := c.token
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("control: not connected")
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("control: marshal message body: %w", err)
	}
	msg := envelope{Token: token, MessageType: messageType, MessageBody: bodyJSON}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control: not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Heartbeat sends the periodic liveness ping.
func (c *Client) Heartbeat() {
	if err := c.Send("heartbeat", map[string]string{"agent_uuid": c.uuid}); err != nil {
		logging.Log("control: heartbeat error:", err)
	}
}
