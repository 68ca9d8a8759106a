// Package protocol encodes and decodes the JSON-RPC 2.0 envelopes exchanged
// with the pipeline process. Each WebSocket text message carries exactly one
// envelope; batches are not supported.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MaxPayload is the default cap on a single inbound message.
const MaxPayload int64 = 16 * 1024 * 1024 // 16 MB

// ParseError is returned by Decode for payloads that are not a usable
// envelope. ID is set when the request id could still be recovered.
type ParseError struct {
	Code   int
	ID     *int64
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", codeText(e.Code), e.Detail)
}

// Response converts the parse failure into the error response sent back to
// the peer.
func (e *ParseError) Response() *Response {
	return NewError(e.ID, e.Code, e.Error())
}

func codeText(code int) string {
	switch code {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid request"
	default:
		return "Error " + strconv.Itoa(code)
	}
}

// Wire shapes. Field order matches what peers expect to see in logs:
// jsonrpc first, id last.
type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
	ID      *int64 `json:"id,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

// Encode serializes a message into a single text frame.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Request:
		id := msg.ID
		return marshal(&wireRequest{JSONRPC: Version, Method: msg.Method, Params: msg.Params, ID: &id})
	case *Notification:
		return marshal(&wireRequest{JSONRPC: Version, Method: msg.Method, Params: msg.Params})
	case *Response:
		w := &wireResponse{JSONRPC: Version, Error: msg.Error, ID: msg.ID}
		if msg.Error == nil {
			w.Result = msg.Result
			if len(w.Result) == 0 {
				w.Result = json.RawMessage("null")
			}
		}
		return marshal(w)
	case nil:
		return nil, fmt.Errorf("encoding nil message")
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode classifies a frame. A frame with an id and a result or error field
// is a Response; one with a method and an id is a Request; one with a method
// and no id is a Notification. Every failure is returned as *ParseError.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Code: CodeParseError, Detail: "empty payload"}
	}
	if trimmed[0] == '[' {
		if !json.Valid(trimmed) {
			return nil, &ParseError{Code: CodeParseError, Detail: "invalid JSON"}
		}
		return nil, &ParseError{Code: CodeInvalidRequest, Detail: "batch requests are not supported"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ParseError{Code: CodeParseError, Detail: err.Error()}
	}

	rawID, hasID := fields["id"]
	var id *int64
	if hasID && !isNull(rawID) {
		n, err := strconv.ParseInt(string(rawID), 10, 64)
		if err != nil {
			return nil, &ParseError{Code: CodeInvalidRequest, Detail: "id must be an integer"}
		}
		id = &n
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != Version {
		return nil, &ParseError{Code: CodeInvalidRequest, ID: id, Detail: `"jsonrpc" must be "2.0"`}
	}

	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	if hasID && (hasResult || hasError) {
		return decodeResponse(id, rawResult, rawError, hasError)
	}

	rawMethod, hasMethod := fields["method"]
	if !hasMethod {
		return nil, &ParseError{Code: CodeInvalidRequest, ID: id, Detail: "missing method"}
	}
	var method string
	if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
		return nil, &ParseError{Code: CodeInvalidRequest, ID: id, Detail: "method must be a non-empty string"}
	}

	params, err := decodeParams(fields["params"])
	if err != nil {
		return nil, &ParseError{Code: CodeInvalidRequest, ID: id, Detail: err.Error()}
	}

	switch {
	case !hasID:
		return &Notification{Method: method, Params: params}, nil
	case id == nil:
		return nil, &ParseError{Code: CodeInvalidRequest, Detail: "request id must not be null"}
	default:
		return &Request{ID: *id, Method: method, Params: params}, nil
	}
}

func decodeResponse(id *int64, rawResult, rawError json.RawMessage, hasError bool) (Message, error) {
	if hasError && !isNull(rawError) {
		var rpcErr Error
		if err := json.Unmarshal(rawError, &rpcErr); err != nil {
			return nil, &ParseError{Code: CodeInvalidRequest, ID: id, Detail: "malformed error object"}
		}
		return &Response{ID: id, Error: &rpcErr}, nil
	}
	if id == nil {
		return nil, &ParseError{Code: CodeInvalidRequest, Detail: "response id must not be null"}
	}
	return &Response{ID: id, Result: rawResult}, nil
}

// decodeParams returns nil for missing, null and empty params.
func decodeParams(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("params must be an array")
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
