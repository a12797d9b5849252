package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"toolgate/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendStub is a scriptable protocol backend for exercising the client's
// handshake, session and retry behavior.
type backendStub struct {
	t *testing.T

	issueToken  string
	initialized atomic.Bool

	// rejectCallsWithoutToken makes tools/call demand a session token.
	rejectCallsWithoutToken bool
	// alwaysRejectSession rejects every call as a session error.
	alwaysRejectSession bool
	// streamResponses answers tools/call with SSE framing.
	streamResponses bool
	// flakyNotifications answers the first N initialized notifications
	// with a retryable status.
	flakyNotifications int32

	callAttempts   atomic.Int32
	notifyAttempts atomic.Int32
}

func (b *backendStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "initialize":
			if b.issueToken != "" {
				w.Header().Set(SessionHeader, b.issueToken)
			}
			writeResult(w, req.ID, map[string]interface{}{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": "stub", "version": "0.0.1"},
			})

		case "notifications/initialized":
			if b.notifyAttempts.Add(1) <= b.flakyNotifications {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			b.initialized.Store(true)
			w.WriteHeader(http.StatusAccepted)

		case "tools/list":
			if !b.initialized.Load() {
				writeError(w, req.ID, -32600, "invalid request: handshake incomplete")
				return
			}
			writeResult(w, req.ID, map[string]interface{}{
				"tools": []map[string]interface{}{
					{"name": "search", "inputSchema": map[string]interface{}{"type": "object"}},
					{"name": "fetch", "inputSchema": map[string]interface{}{"type": "object"}},
				},
			})

		case "tools/call":
			b.callAttempts.Add(1)
			if !b.initialized.Load() {
				writeError(w, req.ID, -32600, "invalid request: handshake incomplete")
				return
			}
			if b.alwaysRejectSession {
				w.Header().Set(SessionHeader, b.issueToken)
				writeError(w, req.ID, -32000, "missing session")
				return
			}
			if b.rejectCallsWithoutToken && r.Header.Get(SessionHeader) != b.issueToken {
				w.Header().Set(SessionHeader, b.issueToken)
				writeError(w, req.ID, -32000, "missing session")
				return
			}
			if b.streamResponses {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
				fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n", req.ID)
				return
			}
			writeResult(w, req.ID, map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": "plain"}},
			})

		case "ping":
			writeResult(w, req.ID, map[string]interface{}{})

		default:
			writeError(w, req.ID, -32601, "method not found")
		}
	}
}

func writeResult(w http.ResponseWriter, id int64, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": id, "result": result,
	})
}

func writeError(w http.ResponseWriter, id int64, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": id,
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

func TestHandshakeBeforeFirstCall(t *testing.T) {
	stub := &backendStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	// The client must run initialize and the initialized notification
	// before the call; the stub rejects premature calls.
	result, err := c.CallTool(context.Background(), "search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, stub.initialized.Load())
}

func TestInitializedNotificationRetriesTransientFailure(t *testing.T) {
	stub := &backendStub{t: t, flakyNotifications: 1}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	// A transient 503 on the mandatory notification is retried within
	// the transport budget instead of failing the handshake.
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, int32(2), stub.notifyAttempts.Load())
}

func TestListTools(t *testing.T) {
	stub := &backendStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
}

func TestSessionTokenCapturedFromHeader(t *testing.T) {
	stub := &backendStub{t: t, issueToken: "tok-abc123"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, "tok-abc123", c.SessionToken())
}

func TestSessionRetryOnceWithFreshToken(t *testing.T) {
	// The stub issues no token at initialize but demands one on calls,
	// handing it out with the rejection. The client must retry exactly
	// once with the fresh token.
	stub := &backendStub{t: t, rejectCallsWithoutToken: true}
	stub.issueToken = "tok-late"
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background()))
	c.mu.Lock()
	c.sessionToken = "" // the stub's initialize handed the token out; simulate a backend that did not
	c.mu.Unlock()

	result, err := c.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int32(2), stub.callAttempts.Load())
	assert.Equal(t, "tok-late", c.SessionToken())
}

func TestSecondSessionRejectionIsHardFailure(t *testing.T) {
	stub := &backendStub{t: t, alwaysRejectSession: true, issueToken: "tok-dud"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background()))
	c.mu.Lock()
	c.sessionToken = ""
	c.mu.Unlock()

	_, err := c.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, fault.SessionNegotiationFailed, fault.KindOf(err))

	// One original attempt plus exactly one retry, never a third.
	assert.Equal(t, int32(2), stub.callAttempts.Load())
}

func TestEventStreamResponse(t *testing.T) {
	stub := &backendStub{t: t, streamResponses: true}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	result, err := c.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestTransportRetryThenBackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.BackendUnreachable, fault.KindOf(err))
}

func TestTransportRecoversWithinRetryBudget(t *testing.T) {
	var hits atomic.Int32
	stub := &backendStub{t: t}
	inner := stub.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	require.NoError(t, c.Initialize(context.Background()))
}

func TestMalformedEnvelopeIsProtocolViolationWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"this is": not json`)
	}))
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.ProtocolViolation, fault.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandshakeFailureInvalidatesSession(t *testing.T) {
	stub := &backendStub{t: t, issueToken: "tok-1"}
	inner := stub.handler()
	var failInitialized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failInitialized.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient("stub", srv.URL)
	defer c.Close()

	failInitialized.Store(true)
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Empty(t, c.SessionToken())

	// The next attempt starts a fresh handshake and succeeds.
	failInitialized.Store(false)
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, "tok-1", c.SessionToken())
}
