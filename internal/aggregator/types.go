package aggregator

import (
	"context"

	"toolgate/internal/config"
	"toolgate/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
)

// Endpoint describes how to reach one backend's running instance.
// Container backends carry a URL; local-process backends carry the launch
// environment for the stdio transport instead.
type Endpoint struct {
	URL string
	Env map[string]string
}

// InstanceProvider hands out running execution environments. The
// lifecycle manager implements it; tests substitute fakes.
type InstanceProvider interface {
	EnsureRunning(ctx context.Context, def config.ServerDefinition) (Endpoint, error)
}

// AggregatedTool is one entry of the merged catalog: a backend-native
// tool under its collision-free namespaced name.
type AggregatedTool struct {
	// Name is the namespaced name exposed to callers.
	Name string
	// BackendID owns the tool.
	BackendID string
	// NativeName is the backend's own name for the tool.
	NativeName  string
	Description string
	InputSchema mcp.ToolInputSchema
}

// clientFactory builds the session client for one backend endpoint.
// Swapped in tests.
type clientFactory func(def config.ServerDefinition, ep Endpoint) session.BackendClient

func defaultClientFactory(def config.ServerDefinition, ep Endpoint) session.BackendClient {
	if def.Runtime.IsLocal() {
		return session.NewStdioClient(def.ID, def.Command, def.Args, ep.Env)
	}
	return session.NewHTTPClient(def.ID, ep.URL)
}
