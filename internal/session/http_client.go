package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"toolgate/internal/fault"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

const httpSubsystem = "Session"

// transportAttempts bounds the retry of transient transport failures
// before surfacing BackendUnreachable.
const transportAttempts = 3

// transportBackoff is the initial delay between transport retries; it
// doubles per attempt.
const transportBackoff = 100 * time.Millisecond

// DefaultCallTimeout bounds a single backend call when the caller's
// context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// HTTPClient speaks streamable HTTP JSON-RPC to one backend. All protocol
// operations for the backend are serialized through the client's mutex so
// the handshake always completes before any tool call.
type HTTPClient struct {
	backendID string
	endpoint  string
	http      *http.Client

	nextID int64

	mu           sync.Mutex
	sessionToken string
	initialized  bool
	capabilities mcp.ServerCapabilities
}

// NewHTTPClient creates a session client for a backend's HTTP endpoint.
func NewHTTPClient(backendID, endpoint string) *HTTPClient {
	return &HTTPClient{
		backendID: backendID,
		endpoint:  endpoint,
		http:      &http.Client{},
	}
}

// Capabilities returns the capability set negotiated at handshake.
func (c *HTTPClient) Capabilities() mcp.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// SessionToken returns the current backend-issued token, empty if none.
func (c *HTTPClient) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// Initialize performs the handshake: initialize, then the initialized
// notification. The notification is mandatory; a backend may reject the
// next call as an invalid request when it is skipped.
func (c *HTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *HTTPClient) initializeLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: "1.0.0"},
	}

	resp, header, err := c.roundTrip(ctx, c.request("initialize", params), c.sessionToken)
	if err != nil {
		// A handshake cut short leaves the backend's session state
		// unknown; start over on the next call.
		c.invalidateLocked()
		return err
	}
	if resp.Error != nil {
		c.invalidateLocked()
		return fault.New(fault.ProtocolViolation, "initialize rejected: %s", resp.Error.Message).WithBackend(c.backendID)
	}

	// Token arrives out-of-band in the response header, if at all.
	if token := header.Get(SessionHeader); token != "" {
		c.sessionToken = token
		logging.Debug(httpSubsystem, "Backend %s issued session token %s", c.backendID, logging.TruncateID(token))
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		c.invalidateLocked()
		return fault.Wrap(fault.ProtocolViolation, err, "malformed initialize result").WithBackend(c.backendID)
	}
	c.capabilities = initResult.Capabilities

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		c.invalidateLocked()
		return err
	}

	c.initialized = true
	logging.Debug(httpSubsystem, "Handshake with %s complete (protocol %s)", c.backendID, initResult.ProtocolVersion)
	return nil
}

func (c *HTTPClient) invalidateLocked() {
	c.initialized = false
	c.sessionToken = ""
}

// ListTools fetches the backend's catalog, completing the handshake first
// if needed.
func (c *HTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fault.Wrap(fault.ProtocolViolation, err, "malformed tools/list result").WithBackend(c.backendID)
	}
	return result.Tools, nil
}

// CallTool invokes one backend-native tool.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	resp, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fault.Wrap(fault.ProtocolViolation, err, "malformed tools/call result").WithBackend(c.backendID)
	}
	return &result, nil
}

// Ping checks backend responsiveness.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", struct{}{})
	return err
}

// Close drops the session. The transport is connectionless, so there is
// nothing to tear down beyond local state.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	return nil
}

// call sends one request with handshake ordering and the bounded
// session-negotiation retry: a rejection for a missing/invalid session
// that carries a freshly issued token is retried exactly once with that
// token; a second rejection is SessionNegotiationFailed.
func (c *HTTPClient) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	if err := c.initializeLocked(ctx); err != nil {
		return nil, err
	}

	req := c.request(method, params)
	resp, header, err := c.roundTrip(ctx, req, c.sessionToken)
	if err != nil {
		// A timeout mid-call leaves the token valid; only handshake
		// timeouts invalidate the session.
		return nil, err
	}

	if !sessionRejected(resp) {
		return c.checkRPCError(resp, method)
	}

	freshToken := header.Get(SessionHeader)
	if freshToken == "" {
		return nil, fault.New(fault.SessionNegotiationFailed,
			"backend rejected the session and issued no replacement token").WithBackend(c.backendID)
	}
	c.sessionToken = freshToken
	logging.Debug(httpSubsystem, "Retrying %s against %s with freshly issued token", method, c.backendID)

	resp, _, err = c.roundTrip(ctx, c.request(method, params), c.sessionToken)
	if err != nil {
		return nil, err
	}
	if sessionRejected(resp) {
		// Bounded: a second rejection is a hard failure, never a third try.
		c.invalidateLocked()
		return nil, fault.New(fault.SessionNegotiationFailed,
			"backend rejected the freshly issued session token").WithBackend(c.backendID)
	}
	return c.checkRPCError(resp, method)
}

func (c *HTTPClient) checkRPCError(resp *rpcResponse, method string) (*rpcResponse, error) {
	if resp.Error != nil {
		return nil, fault.New(fault.ProtocolViolation, "%s failed: %s (code %d)",
			method, resp.Error.Message, resp.Error.Code).WithBackend(c.backendID)
	}
	return resp, nil
}

// sessionRejected reports whether a response is specifically a
// missing/invalid-session rejection rather than an ordinary error.
func sessionRejected(resp *rpcResponse) bool {
	if resp.Error == nil {
		return false
	}
	msg := strings.ToLower(resp.Error.Message)
	return strings.Contains(msg, "session")
}

func (c *HTTPClient) request(method string, params interface{}) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	}
}

// notify sends a notification: no id, no response body expected.
// Transient transport failures retry with the same bounded backoff as
// requests.
func (c *HTTPClient) notify(ctx context.Context, method string, params interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", method, err)
	}

	var lastErr error
	delay := transportBackoff

	for attempt := 0; attempt < transportAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return c.transportFault(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := c.post(ctx, body, c.sessionToken)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("backend answered status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fault.New(fault.ProtocolViolation, "%s notification rejected with status %d",
				method, resp.StatusCode).WithBackend(c.backendID)
		}
		return nil
	}

	return c.transportFault(lastErr)
}

// roundTrip posts one request envelope and decodes the framed response,
// retrying transient transport failures with backoff.
func (c *HTTPClient) roundTrip(ctx context.Context, req rpcRequest, token string) (*rpcResponse, http.Header, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s request: %w", req.Method, err)
	}

	var lastErr error
	delay := transportBackoff

	for attempt := 0; attempt < transportAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, c.transportFault(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		httpResp, err := c.post(ctx, body, token)
		if err != nil {
			lastErr = err
			continue
		}

		if retryableStatus(httpResp.StatusCode) {
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
			lastErr = fmt.Errorf("backend answered status %d", httpResp.StatusCode)
			continue
		}

		resp, decodeErr := c.decode(httpResp, req.ID)
		httpResp.Body.Close()
		if decodeErr != nil {
			// Protocol violations indicate backend misbehavior; retrying
			// would only repeat them.
			return nil, nil, decodeErr
		}
		return resp, httpResp.Header, nil
	}

	return nil, nil, c.transportFault(lastErr)
}

func (c *HTTPClient) decode(httpResp *http.Response, wantID int64) (*rpcResponse, error) {
	// Some backends answer session rejections with a 4xx status and a
	// JSON-RPC error body; decode those like any other response.
	resp, err := decodeResponse(httpResp.Header.Get("Content-Type"), httpResp.Body, wantID)
	if err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, fault.New(fault.ProtocolViolation, "backend answered status %d with an unreadable body",
				httpResp.StatusCode).WithBackend(c.backendID)
		}
		return nil, fault.Tag(err, c.backendID)
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte, token string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		httpReq.Header.Set(SessionHeader, token)
	}
	return c.http.Do(httpReq)
}

func (c *HTTPClient) transportFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.BackendUnreachable, err, "backend call timed out").WithBackend(c.backendID)
	}
	return fault.Wrap(fault.BackendUnreachable, err, "backend unreachable after %d attempts", transportAttempts).WithBackend(c.backendID)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Probe performs a throwaway handshake against an endpoint. The lifecycle
// manager uses it as the initial protocol probe for freshly started
// containers.
func Probe(ctx context.Context, endpoint string) error {
	c := NewHTTPClient("probe", endpoint)
	defer c.Close()
	return c.Initialize(ctx)
}
