package session

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the protocol revision this gateway speaks to backends.
const protocolVersion = "2024-11-05"

// clientName identifies the gateway in the handshake's clientInfo.
const clientName = "toolgate"

// SessionHeader carries the backend-issued session token. Tokens travel
// only in this header, never inside the JSON body.
const SessionHeader = "Mcp-Session-Id"

// BackendClient owns exactly one backend's protocol conversation. The
// handshake must complete before ListTools or CallTool; implementations
// perform it lazily and serialize the handshake-then-call sequence.
type BackendClient interface {
	// Initialize performs the initialize/initialized handshake. Idempotent
	// once established.
	Initialize(ctx context.Context) error

	// ListTools fetches the backend's tool catalog.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes a backend-native tool by name.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// Ping checks the backend is responsive.
	Ping(ctx context.Context) error

	// Close tears down the conversation and any owned process.
	Close() error
}

// rpcRequest is the JSON-RPC envelope sent to a backend. A zero ID marks
// a notification.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC envelope received from a backend.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// initializeParams mirrors the initialize request body.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// callToolParams mirrors the tools/call request body.
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}
