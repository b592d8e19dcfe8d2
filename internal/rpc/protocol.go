package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/penginpenguin/cocrea/internal/llm"
)

// JSON-RPC 2.0 types spoken with engine bridges

// Request is an outgoing JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"` // Always "2.0"
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message is anything a bridge sends back: a response when ID is set, a
// notification when only Method is.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether m carries no response id.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Bridge methods
const (
	MethodInitialize = "initialize"
	MethodReload     = "engine/reload"
	MethodGenerate   = "engine/generate"
	MethodChat       = "chat/completions"

	// NotifyProgress carries llm.Progress while engine/reload runs.
	NotifyProgress = "engine/progress"
)

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2025-01-01"

// InitializeParams represents parameters for initialize request
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo contains client identification
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult represents result from initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    EngineCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// EngineCapabilities lists the runtime contracts a bridge serves.
type EngineCapabilities struct {
	Raw  bool `json:"raw,omitempty"`
	Chat bool `json:"chat,omitempty"`
}

// ServerInfo contains bridge identification
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ReloadParams represents parameters for engine/reload
type ReloadParams struct {
	Model string `json:"model"`
}

// GenerateParams represents parameters for engine/generate
type GenerateParams struct {
	Prompt  string              `json:"prompt"`
	Options llm.GenerateOptions `json:"options"`
}
