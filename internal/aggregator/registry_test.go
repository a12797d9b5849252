package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"toolgate/internal/config"
	"toolgate/internal/fault"
	"toolgate/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider hands out endpoints per backend id and can fail selected
// backends.
type fakeProvider struct {
	endpoints map[string]Endpoint
	failures  map[string]error
	calls     atomic.Int32
}

func (p *fakeProvider) EnsureRunning(ctx context.Context, def config.ServerDefinition) (Endpoint, error) {
	p.calls.Add(1)
	if err, ok := p.failures[def.ID]; ok {
		return Endpoint{}, err
	}
	if ep, ok := p.endpoints[def.ID]; ok {
		return ep, nil
	}
	return Endpoint{URL: "http://127.0.0.1:1/" + def.ID}, nil
}

// fakeClient is a scripted session client.
type fakeClient struct {
	backendID string
	tools     []mcp.Tool
	callErr   error
	closed    atomic.Bool
	calls     []string
}

func (c *fakeClient) Initialize(ctx context.Context) error { return nil }
func (c *fakeClient) Ping(ctx context.Context) error       { return nil }

func (c *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.tools, nil
}

func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.calls = append(c.calls, name)
	if c.callErr != nil {
		return nil, c.callErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(c.backendID + ":" + name)},
	}, nil
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

func testRegistry(provider *fakeProvider, clients map[string]*fakeClient) *Registry {
	r := NewRegistry(provider)
	r.factory = func(def config.ServerDefinition, ep Endpoint) session.BackendClient {
		if c, ok := clients[def.ID]; ok {
			return c
		}
		return &fakeClient{backendID: def.ID}
	}
	return r
}

func toolNamed(name string) mcp.Tool {
	return mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}}
}

func def(id string) config.ServerDefinition {
	return config.ServerDefinition{ID: id, Name: id, Runtime: config.RuntimeContainer, Command: "srv"}
}

func TestRefreshMergesCatalogsWithDistinctNames(t *testing.T) {
	clients := map[string]*fakeClient{
		"github": {backendID: "github", tools: []mcp.Tool{toolNamed("search")}},
		"gitlab": {backendID: "gitlab", tools: []mcp.Tool{toolNamed("search")}},
	}
	r := testRegistry(&fakeProvider{}, clients)
	r.SetDefinitions([]config.ServerDefinition{def("github"), def("gitlab")})

	catalog := r.Refresh(context.Background())
	require.Len(t, catalog, 2)
	assert.NotEqual(t, catalog[0].Name, catalog[1].Name)

	// Both entries are independently callable and land on their backend.
	for _, entry := range catalog {
		result, err := r.CallTool(context.Background(), entry.Name, nil)
		require.NoError(t, err)
		text := result.Content[0].(mcp.TextContent).Text
		assert.Equal(t, entry.BackendID+":search", text)
	}
}

func TestRefreshExcludesDisabledTools(t *testing.T) {
	clients := map[string]*fakeClient{
		"notes": {backendID: "notes", tools: []mcp.Tool{toolNamed("create"), toolNamed("delete_all")}},
	}
	r := testRegistry(&fakeProvider{}, clients)

	d := def("notes")
	d.EnabledTools = []string{"create"}
	r.SetDefinitions([]config.ServerDefinition{d})

	catalog := r.Refresh(context.Background())
	require.Len(t, catalog, 1)
	assert.Equal(t, "create", catalog[0].NativeName)

	// Excluded entirely: calling the disabled tool is a routing miss.
	_, err := r.CallTool(context.Background(), "notes_delete_all", nil)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))
}

func TestRefreshSkipsUnreachableBackends(t *testing.T) {
	clients := map[string]*fakeClient{
		"local": {backendID: "local", tools: []mcp.Tool{toolNamed("echo")}},
	}
	provider := &fakeProvider{
		failures: map[string]error{
			"boxed": fault.New(fault.RuntimeUnavailable, "docker not reachable"),
		},
	}
	r := testRegistry(provider, clients)
	r.SetDefinitions([]config.ServerDefinition{def("boxed"), def("local")})

	catalog := r.Refresh(context.Background())
	require.Len(t, catalog, 1)
	assert.Equal(t, "local", catalog[0].BackendID)

	// Calls to the unreachable backend's tools fail with the runtime kind.
	_, err := r.CallTool(context.Background(), "boxed_anything", nil)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))
}

func TestCallToolUnknownName(t *testing.T) {
	r := testRegistry(&fakeProvider{}, nil)

	_, err := r.CallTool(context.Background(), "ghost_tool", nil)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))
}

func TestCallToolTagsFailuresWithBackendID(t *testing.T) {
	clients := map[string]*fakeClient{
		"flaky": {
			backendID: "flaky",
			tools:     []mcp.Tool{toolNamed("run")},
			callErr:   fault.New(fault.BackendUnreachable, "connection reset"),
		},
	}
	r := testRegistry(&fakeProvider{}, clients)
	r.SetDefinitions([]config.ServerDefinition{def("flaky")})
	r.Refresh(context.Background())

	_, err := r.CallTool(context.Background(), "flaky_run", nil)
	require.Error(t, err)
	assert.Equal(t, fault.BackendUnreachable, fault.KindOf(err))
	assert.Contains(t, err.Error(), "backend flaky")
}

func TestEndpointChangeRebuildsClient(t *testing.T) {
	provider := &fakeProvider{endpoints: map[string]Endpoint{
		"api": {URL: "http://127.0.0.1:40001/mcp"},
	}}
	first := &fakeClient{backendID: "api", tools: []mcp.Tool{toolNamed("run")}}
	built := 0
	r := NewRegistry(provider)
	r.factory = func(d config.ServerDefinition, ep Endpoint) session.BackendClient {
		built++
		if built == 1 {
			return first
		}
		return &fakeClient{backendID: "api", tools: first.tools}
	}
	r.SetDefinitions([]config.ServerDefinition{def("api")})
	r.Refresh(context.Background())
	require.Equal(t, 1, built)

	// Same endpoint: client is reused.
	_, err := r.CallTool(context.Background(), "api_run", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	// Instance restarted elsewhere: stale client is closed and replaced.
	provider.endpoints["api"] = Endpoint{URL: "http://127.0.0.1:40002/mcp"}
	_, err = r.CallTool(context.Background(), "api_run", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, built)
	assert.True(t, first.closed.Load())
}

func TestSetDefinitionsDropsRemovedBackends(t *testing.T) {
	client := &fakeClient{backendID: "old", tools: []mcp.Tool{toolNamed("run")}}
	r := testRegistry(&fakeProvider{}, map[string]*fakeClient{"old": client})
	r.SetDefinitions([]config.ServerDefinition{def("old")})
	r.Refresh(context.Background())

	r.SetDefinitions(nil)
	assert.True(t, client.closed.Load())

	catalog := r.Refresh(context.Background())
	assert.Empty(t, catalog)
	_, err := r.CallTool(context.Background(), "old_run", nil)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))
}

func TestRefreshIsFullRebuild(t *testing.T) {
	client := &fakeClient{backendID: "api", tools: []mcp.Tool{toolNamed("one")}}
	r := testRegistry(&fakeProvider{}, map[string]*fakeClient{"api": client})
	r.SetDefinitions([]config.ServerDefinition{def("api")})

	first := r.Refresh(context.Background())
	require.Len(t, first, 1)

	client.tools = []mcp.Tool{toolNamed("two"), toolNamed("three")}
	second := r.Refresh(context.Background())
	require.Len(t, second, 2)
	for _, entry := range second {
		assert.NotEqual(t, "api_one", entry.Name, fmt.Sprintf("stale entry %s survived refresh", entry.Name))
	}

	// The dropped tool stops routing too, not just being advertised.
	_, err := r.CallTool(context.Background(), "api_one", nil)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))
}

func TestAllowListEditStopsRoutingDisabledTool(t *testing.T) {
	clients := map[string]*fakeClient{
		"notes": {backendID: "notes", tools: []mcp.Tool{toolNamed("create"), toolNamed("purge")}},
	}
	r := testRegistry(&fakeProvider{}, clients)
	r.SetDefinitions([]config.ServerDefinition{def("notes")})
	r.Refresh(context.Background())

	// Callable while enabled.
	_, err := r.CallTool(context.Background(), "notes_purge", nil)
	require.NoError(t, err)

	d := def("notes")
	d.EnabledTools = []string{"create"}
	r.SetDefinitions([]config.ServerDefinition{d})
	r.Refresh(context.Background())

	_, err = r.CallTool(context.Background(), "notes_purge", nil)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownTool, fault.KindOf(err))

	_, err = r.CallTool(context.Background(), "notes_create", nil)
	assert.NoError(t, err)
}
