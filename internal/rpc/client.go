// Package rpc is the JSON-RPC 2.0 client used to reach engine bridges:
// out-of-process runtimes served over WebSocket, HTTP or a child
// process's stdio.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ClientVersion is reported to bridges during initialize.
const ClientVersion = "0.3.0"

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// NotifyFunc receives notifications that arrive while a call is pending.
type NotifyFunc func(method string, params json.RawMessage)

// Client represents a connection to an engine bridge
type Client interface {
	// Call sends method with params and decodes the response into result.
	// Notifications received before the response go to notify, which may
	// be nil.
	Call(ctx context.Context, method string, params, result any, notify NotifyFunc) error

	// Close disconnects from the bridge
	Close() error

	// Name returns the client identifier
	Name() string
}

// Dial connects to target, picking the transport from its form:
// ws:// or wss:// URLs use WebSocket, http:// or https:// URLs use HTTP
// POST, anything else is run as a command speaking line-delimited JSON
// on stdio.
func Dial(ctx context.Context, name, target string, logger *slog.Logger) (Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	switch {
	case target == "":
		return nil, fmt.Errorf("no bridge configured for %s", name)
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return NewWebSocketClient(ctx, name, target, logger)
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return NewHTTPClient(name, target, logger)
	default:
		return NewStdioClient(name, strings.Fields(target), logger)
	}
}

// Initialize performs the handshake every bridge expects before its
// first engine call.
func Initialize(ctx context.Context, c Client, logger *slog.Logger) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: ClientInfo{
			Name:    "cocrea",
			Version: ClientVersion,
		},
	}

	var result InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &result, nil); err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	logger.Info("bridge initialized",
		"client", c.Name(),
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"raw", result.Capabilities.Raw,
		"chat", result.Capabilities.Chat)
	return &result, nil
}

// awaitResponse reads messages until the response to id arrives,
// forwarding notifications on the way.
func awaitResponse(id int, next func() (*Message, error), notify NotifyFunc, logger *slog.Logger) (*Message, error) {
	for {
		msg, err := next()
		if err != nil {
			return nil, err
		}
		if msg.IsNotification() {
			if notify != nil {
				notify(msg.Method, msg.Params)
			}
			continue
		}
		if msg.ID == nil || *msg.ID != id {
			logger.Warn("dropping unexpected message", "want_id", id, "method", msg.Method)
			continue
		}
		return msg, nil
	}
}

// decodeResult turns a response into result or its error.
func decodeResult(msg *Message, result any) error {
	if msg.Error != nil {
		return msg.Error
	}
	if result == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}
