// Package cli implements the helpers behind the toolgate inspection
// commands: connecting to a running gateway and rendering its answers for
// a terminal.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// GatewayClient talks to a running gateway over its streamable HTTP
// endpoint.
type GatewayClient struct {
	endpoint string
	quiet    bool
	client   *client.Client
}

// NewGatewayClient creates a client for the gateway at endpoint. With
// quiet set, no progress spinner is shown.
func NewGatewayClient(endpoint string, quiet bool) *GatewayClient {
	return &GatewayClient{endpoint: endpoint, quiet: quiet}
}

// Connect dials the gateway and completes the protocol handshake.
func (c *GatewayClient) Connect(ctx context.Context) error {
	var s *spinner.Spinner
	if !c.quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Connecting to toolgate server..."
		s.Start()
		defer s.Stop()
	}

	httpClient, err := client.NewStreamableHttpClient(c.endpoint)
	if err != nil {
		return fmt.Errorf("creating client for %s: %w", c.endpoint, err)
	}
	if err := httpClient.Start(ctx); err != nil {
		httpClient.Close()
		return fmt.Errorf("connecting to %s: %w", c.endpoint, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = httpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "toolgate-cli",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		httpClient.Close()
		return fmt.Errorf("handshake with %s: %w", c.endpoint, err)
	}

	c.client = httpClient
	return nil
}

// ListTools fetches the gateway's aggregated tool catalog.
func (c *GatewayClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

// Close shuts the connection down.
func (c *GatewayClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
