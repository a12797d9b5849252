package aggregator

import (
	"context"
	"sort"
	"sync"

	"time"

	"toolgate/internal/config"
	"toolgate/internal/fault"
	"toolgate/internal/session"
	"toolgate/internal/store"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

const registrySubsystem = "Aggregator"

// backend couples one definition with its session client. The client is
// created lazily and rebuilt when the instance's endpoint changes.
type backend struct {
	mu       sync.Mutex
	def      config.ServerDefinition
	client   session.BackendClient
	endpoint Endpoint
}

// Registry owns the set of backends, their session clients, and the
// merged tool catalog. Catalog reads are served from a snapshot swapped
// atomically on refresh, so callers never see a partially rebuilt
// catalog.
type Registry struct {
	provider InstanceProvider
	factory  clientFactory
	names    *NameTracker
	sessions store.Store

	mu       sync.RWMutex
	backends map[string]*backend
	catalog  []AggregatedTool
}

// NewRegistry creates a registry routing through the given instance
// provider.
func NewRegistry(provider InstanceProvider) *Registry {
	return &Registry{
		provider: provider,
		factory:  defaultClientFactory,
		names:    NewNameTracker(),
		backends: make(map[string]*backend),
	}
}

// SetSessionStore enables persistence of backend session tokens so a
// restarted gateway knows which sessions existed. Best-effort: failures
// are logged, never surfaced to callers.
func (r *Registry) SetSessionStore(s store.Store) {
	r.sessions = s
}

// SetDefinitions replaces the backend set. Backends that disappeared are
// closed and dropped from the namespace; the catalog is not refreshed
// here, callers trigger Refresh separately.
func (r *Registry) SetDefinitions(defs []config.ServerDefinition) {
	var removed []string

	r.mu.Lock()
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.ID] = true
		if b, ok := r.backends[def.ID]; ok {
			b.mu.Lock()
			b.def = def
			b.mu.Unlock()
			continue
		}
		r.backends[def.ID] = &backend{def: def}
	}

	for id, b := range r.backends {
		if seen[id] {
			continue
		}
		b.mu.Lock()
		if b.client != nil {
			if err := b.client.Close(); err != nil {
				logging.Warn(registrySubsystem, "Closing client for removed backend %s: %v", id, err)
			}
		}
		b.mu.Unlock()
		r.names.DropBackend(id)
		delete(r.backends, id)
		removed = append(removed, id)
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.dropSession(id)
	}
}

// Definitions returns the current backend definitions sorted by id.
func (r *Registry) Definitions() []config.ServerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]config.ServerDefinition, 0, len(r.backends))
	for _, b := range r.backends {
		b.mu.Lock()
		defs = append(defs, b.def)
		b.mu.Unlock()
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Catalog returns the current aggregated tool catalog. Cheap: no backend
// I/O, just the latest snapshot.
func (r *Registry) Catalog() []AggregatedTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// Refresh recomputes the catalog from the latest backend states. Always a
// full rebuild, never a delta, so overlapping refreshes cannot lose
// updates. Backends that cannot be reached are skipped with a warning;
// the rest of the catalog still assembles.
func (r *Registry) Refresh(ctx context.Context) []AggregatedTool {
	defs := r.Definitions()

	var next []AggregatedTool
	for _, def := range defs {
		tools, err := r.backendTools(ctx, def)
		if err != nil {
			logging.Warn(registrySubsystem, "Skipping catalog of %s: %v", def.ID, err)
			continue
		}
		for _, tool := range tools {
			// Disabled tools are excluded outright, not hidden.
			if !def.ToolEnabled(tool.Name) {
				continue
			}
			next = append(next, AggregatedTool{
				Name:        r.names.ExposedName(def.ID, tool.Name),
				BackendID:   def.ID,
				NativeName:  tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })

	// Resolution must match the catalog: names that fell out of it stop
	// routing, not just stop being advertised.
	live := make(map[string]struct{}, len(next))
	for _, tool := range next {
		live[tool.Name] = struct{}{}
	}
	r.names.Retain(live)

	r.mu.Lock()
	r.catalog = next
	r.mu.Unlock()

	logging.Info(registrySubsystem, "Catalog refreshed: %d tools across %d backends", len(next), len(defs))
	return next
}

func (r *Registry) backendTools(ctx context.Context, def config.ServerDefinition) ([]mcp.Tool, error) {
	client, err := r.clientFor(ctx, def)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

// CallTool resolves a namespaced name and routes the call to its backend,
// starting the backend's instance on demand. Failures keep their shape
// and gain the originating backend id.
func (r *Registry) CallTool(ctx context.Context, exposedName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	backendID, nativeName, err := r.names.Resolve(exposedName)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	b, ok := r.backends[backendID]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.UnknownTool, "backend %s no longer exists", backendID)
	}

	b.mu.Lock()
	def := b.def
	b.mu.Unlock()

	client, err := r.clientFor(ctx, def)
	if err != nil {
		return nil, fault.Tag(err, backendID)
	}

	result, err := client.CallTool(ctx, nativeName, args)
	if err != nil {
		return nil, fault.Tag(err, backendID)
	}
	r.recordSession(ctx, backendID, client)
	return result, nil
}

// recordSession persists the backend's session token once the handshake
// has produced one.
func (r *Registry) recordSession(ctx context.Context, backendID string, client session.BackendClient) {
	if r.sessions == nil {
		return
	}
	hc, ok := client.(*session.HTTPClient)
	if !ok {
		return
	}
	token := hc.SessionToken()
	if token == "" {
		return
	}
	err := r.sessions.SaveSession(ctx, store.SessionRecord{
		DefinitionID: backendID,
		SessionToken: token,
		LastUsed:     time.Now(),
	})
	if err != nil {
		logging.Warn(registrySubsystem, "Persisting session of %s: %v", backendID, err)
	}
}

func (r *Registry) dropSession(backendID string) {
	if r.sessions == nil {
		return
	}
	if err := r.sessions.DeleteSession(context.Background(), backendID); err != nil {
		logging.Warn(registrySubsystem, "Deleting persisted session of %s: %v", backendID, err)
	}
}

// clientFor ensures the backend's instance is running and returns a
// session client bound to its current endpoint.
func (r *Registry) clientFor(ctx context.Context, def config.ServerDefinition) (session.BackendClient, error) {
	ep, err := r.provider.EnsureRunning(ctx, def)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	b, ok := r.backends[def.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.UnknownTool, "backend %s no longer exists", def.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The instance may have restarted on a new endpoint; the stale
	// client's session would be invalid there.
	if b.client != nil && b.endpoint.URL == ep.URL {
		return b.client, nil
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			logging.Debug(registrySubsystem, "Closing stale client for %s: %v", def.ID, err)
		}
	}
	b.client = r.factory(def, ep)
	b.endpoint = ep
	return b.client, nil
}

// DropClient closes a backend's session client so the next call performs
// a fresh handshake. Used when the lifecycle manager restarts an
// instance.
func (r *Registry) DropClient(backendID string) {
	r.mu.RLock()
	b, ok := r.backends[backendID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			logging.Debug(registrySubsystem, "Closing client for %s: %v", backendID, err)
		}
		b.client = nil
		b.endpoint = Endpoint{}
	}
	b.mu.Unlock()

	r.dropSession(backendID)
}

// Close shuts down every backend client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.backends {
		b.mu.Lock()
		if b.client != nil {
			if err := b.client.Close(); err != nil {
				logging.Warn(registrySubsystem, "Closing client for %s: %v", id, err)
			}
			b.client = nil
		}
		b.mu.Unlock()
	}
}
