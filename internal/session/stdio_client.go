package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"toolgate/internal/fault"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultStdioInitTimeout covers subprocess startup plus the handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient speaks the protocol to a locally spawned backend process
// over its standard streams. There is exactly one peer in this mode, so
// no session-token header exists; the library keeps the conversation
// ordered on the pipe.
type StdioClient struct {
	backendID string
	command   string
	args      []string
	env       map[string]string

	mu        sync.Mutex
	client    client.MCPClient
	connected bool
}

// NewStdioClient creates a session client that will spawn the backend
// command on first use.
func NewStdioClient(backendID, command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{
		backendID: backendID,
		command:   command,
		args:      args,
		env:       env,
	}
}

// Initialize spawns the backend process and performs the handshake.
// Idempotent once connected.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *StdioClient) initializeLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fault.Wrap(fault.BackendUnreachable, err, "spawning %s", c.command).WithBackend(c.backendID)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug(httpSubsystem, "Closing failed stdio client for %s: %v", c.backendID, closeErr)
		}
		return fault.Wrap(fault.BackendUnreachable, err, "handshake with %s", c.command).WithBackend(c.backendID)
	}

	c.client = mcpClient
	c.connected = true
	logging.Debug(httpSubsystem, "Stdio handshake with %s complete (protocol %s)",
		c.backendID, initResult.ProtocolVersion)
	return nil
}

// ListTools fetches the backend's catalog, spawning the process first if
// needed.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initializeLocked(ctx); err != nil {
		return nil, err
	}

	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnreachable, err, "tools/list").WithBackend(c.backendID)
	}
	return result.Tools, nil
}

// CallTool invokes one backend-native tool.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initializeLocked(ctx); err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnreachable, err, "tools/call %s", name).WithBackend(c.backendID)
	}
	return result, nil
}

// Ping checks the subprocess is responsive.
func (c *StdioClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initializeLocked(ctx); err != nil {
		return err
	}
	if err := c.client.Ping(ctx); err != nil {
		return fault.Wrap(fault.BackendUnreachable, err, "ping").WithBackend(c.backendID)
	}
	return nil
}

// Close stops the backend subprocess.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.connected = false
	return err
}
