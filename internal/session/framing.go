package session

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"toolgate/internal/fault"
)

// A backend may answer a request either with a single JSON document or
// with a server-sent event stream whose data: lines each carry a JSON
// document. Both framings decode into the same rpcResponse; the stream
// form resolves to the last response matching the outstanding request id,
// and unmatched or partial lines are skipped without failing the request.

const eventStreamContentType = "text/event-stream"

// decodeResponse parses a response body according to its content type and
// returns the JSON-RPC response for wantID.
func decodeResponse(contentType string, body io.Reader, wantID int64) (*rpcResponse, error) {
	if strings.Contains(contentType, eventStreamContentType) {
		return decodeEventStream(body, wantID)
	}
	return decodeSingle(body, wantID)
}

func decodeSingle(body io.Reader, wantID int64) (*rpcResponse, error) {
	var resp rpcResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fault.Wrap(fault.ProtocolViolation, err, "malformed response envelope")
	}
	if resp.JSONRPC != "2.0" {
		return nil, fault.New(fault.ProtocolViolation, "unexpected jsonrpc version %q", resp.JSONRPC)
	}
	if resp.ID != wantID {
		return nil, fault.New(fault.ProtocolViolation, "response id %d does not match request id %d", resp.ID, wantID)
	}
	return &resp, nil
}

func decodeEventStream(body io.Reader, wantID int64) (*rpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		matched *rpcResponse
		data    strings.Builder
	)

	flush := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.String()
		data.Reset()

		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			// Partial or non-JSON event, skip it.
			return
		}
		if resp.JSONRPC != "2.0" || resp.ID != wantID {
			return
		}
		matched = &resp
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one event.
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry no payload.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(fault.BackendUnreachable, err, "event stream interrupted")
	}
	if matched == nil {
		return nil, fault.New(fault.ProtocolViolation, "event stream carried no response for request id %d", wantID)
	}
	return matched, nil
}
