package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClient implements Client for bridges served over WebSocket
type WebSocketClient struct {
	name   string
	url    string
	conn   *websocket.Conn
	reqID  int32
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketClient dials url and returns a connected client.
func NewWebSocketClient(ctx context.Context, name string, url string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	client := &WebSocketClient{
		name:   name,
		url:    url,
		conn:   conn,
		logger: logger,
	}

	logger.Info("created bridge WebSocket client", "name", name, "url", url)
	return client, nil
}

// Name returns the client identifier
func (c *WebSocketClient) Name() string {
	return c.name
}

// Call sends a request and waits for its response. Cancelling ctx
// unblocks the pending read.
func (c *WebSocketClient) Call(ctx context.Context, method string, params, result any, notify NotifyFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	reqID := int(atomic.AddInt32(&c.reqID, 1))
	request := Request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	if err := c.conn.WriteJSON(request); err != nil {
		c.shutdown()
		return fmt.Errorf("failed to write request: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	response, err := awaitResponse(reqID, func() (*Message, error) {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}, notify, c.logger)
	if err != nil {
		// A failed read leaves the connection unusable, timeouts included.
		c.shutdown()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read response: %w", err)
	}

	return decodeResult(response, result)
}

// Close disconnects from the bridge
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.shutdown()
	return nil
}

// shutdown marks the client closed and drops the connection. The caller
// holds c.mu.
func (c *WebSocketClient) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
	c.logger.Info("closed bridge WebSocket client", "name", c.name)
}
