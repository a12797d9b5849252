package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/fault"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server exposes the aggregated catalog as one protocol endpoint. The
// underlying library enforces the inbound session semantics (Accept
// header validation, the session-token header) so the gateway only has to
// keep the registered tool set in sync with the registry's catalog.
type Server struct {
	cfg      config.GatewayConfig
	registry *Registry

	mu         sync.Mutex
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdio      *server.StdioServer
	registered map[string]bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates the gateway's protocol server over a registry.
func NewServer(cfg config.GatewayConfig, registry *Registry) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		registered: make(map[string]bool),
	}
}

// Start builds the initial catalog and begins serving on the configured
// transport. Non-blocking: transports run on their own goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("aggregator server already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.mcpServer = server.NewMCPServer(
		"toolgate",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.mu.Unlock()

	s.SyncCatalog(s.registry.Refresh(ctx))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case config.TransportStdio:
		logging.Info(registrySubsystem, "Serving on stdio transport")
		s.stdio = server.NewStdioServer(s.mcpServer)
		stdioServer := s.stdio
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				logging.Error(registrySubsystem, err, "Stdio server error")
			}
		}()

	default:
		logging.Info(registrySubsystem, "Serving on streamable-http transport at %s", addr)
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
		httpServer := s.httpServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error(registrySubsystem, err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// Stop shuts the transports down and closes all backend clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("aggregator server not started")
	}
	cancel := s.cancel
	httpServer := s.httpServer
	s.mu.Unlock()

	logging.Info(registrySubsystem, "Stopping aggregator server")

	if cancel != nil {
		cancel()
	}

	shutdownCtx, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	defer cancelTimeout()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error(registrySubsystem, err, "Shutting down streamable HTTP server")
		}
	}
	// The stdio server stops on context cancellation.

	s.wg.Wait()
	s.registry.Close()
	return nil
}

// RefreshCatalog recomputes the merged catalog and re-registers the tool
// set. Safe to trigger concurrently: the registry always computes from
// the latest backend states and registration is serialized here.
func (s *Server) RefreshCatalog(ctx context.Context) {
	s.SyncCatalog(s.registry.Refresh(ctx))
}

// SyncCatalog reconciles the registered tool set against a catalog
// snapshot.
func (s *Server) SyncCatalog(catalog []AggregatedTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcpServer == nil {
		return
	}

	next := make(map[string]bool, len(catalog))
	var added []server.ServerTool
	for _, entry := range catalog {
		next[entry.Name] = true
		if s.registered[entry.Name] {
			continue
		}
		added = append(added, server.ServerTool{
			Tool:    s.exposedTool(entry),
			Handler: s.toolHandler(entry.Name),
		})
	}

	var removed []string
	for name := range s.registered {
		if !next[name] {
			removed = append(removed, name)
		}
	}

	if len(removed) > 0 {
		s.mcpServer.DeleteTools(removed...)
	}
	if len(added) > 0 {
		s.mcpServer.AddTools(added...)
	}
	s.registered = next

	if len(added) > 0 || len(removed) > 0 {
		logging.Info(registrySubsystem, "Tool set updated: +%d -%d (total %d)",
			len(added), len(removed), len(next))
	}
}

func (s *Server) exposedTool(entry AggregatedTool) mcp.Tool {
	description := entry.Description
	if description == "" {
		description = fmt.Sprintf("Tool %s from backend %s", entry.NativeName, entry.BackendID)
	}
	return mcp.Tool{
		Name:        entry.Name,
		Description: description,
		InputSchema: entry.InputSchema,
	}
}

// toolHandler routes one namespaced tool to its backend. Failures come
// back as structured tool errors carrying the fault kind and the
// originating backend id.
func (s *Server) toolHandler(exposedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})

		result, err := s.registry.CallTool(ctx, exposedName, args)
		if err != nil {
			logging.Warn(registrySubsystem, "Tool call %s failed: %v", exposedName, err)
			return mcp.NewToolResultError(renderFault(err)), nil
		}
		return result, nil
	}
}

// renderFault flattens a routing failure into the machine-readable
// kind + human-readable cause form callers rely on.
func renderFault(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return err.Error()
}
