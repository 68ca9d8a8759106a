package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// JSON-RPC error codes. The -32000 range is implementation defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeHandlerFailed  = -32000
	CodeDisconnected   = -32001
	CodeTimeout        = -32002
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is implemented by *Request, *Notification and *Response.
type Message interface {
	Kind() Kind
}

// Request is a call that expects a Response with the same ID.
type Request struct {
	ID     int64
	Method string
	Params Params
}

// Kind implements Message.
func (*Request) Kind() Kind { return KindRequest }

// Notification is a fire-and-forget call; it has no ID.
type Notification struct {
	Method string
	Params Params
}

// Kind implements Message.
func (*Notification) Kind() Kind { return KindNotification }

// Response answers a Request. When Error is set it is an error response,
// and ID may be nil if the failing request's id could not be determined.
type Response struct {
	ID     *int64
	Result json.RawMessage
	Error  *Error
}

// Kind implements Message.
func (r *Response) Kind() Kind {
	if r.Error != nil {
		return KindError
	}
	return KindResponse
}

// IsEmpty reports whether r is the zero Response returned by a bridge
// that is not usable or not connected.
func (r *Response) IsEmpty() bool {
	return r == nil || (r.ID == nil && r.Result == nil && r.Error == nil)
}

// IsError reports whether r carries an error object.
func (r *Response) IsError() bool {
	return r != nil && r.Error != nil
}

// DecodeResult unmarshals the result into v.
func (r *Response) DecodeResult(v any) error {
	if r.IsError() {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// Error is the JSON-RPC error object. It doubles as a Go error so handlers
// can return one to choose the code sent to the peer.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewResult builds a successful response for id.
func NewResult(id int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}
	return &Response{ID: &id, Result: raw}, nil
}

// NewError builds an error response. A nil id encodes as "id":null.
func NewError(id *int64, code int, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// MethodNotFound is the response for a method missing from the registry.
func MethodNotFound(id int64, method string) *Response {
	return NewError(&id, CodeMethodNotFound, "Method \""+method+"\" not found")
}

// Disconnected is the synthetic response handed to a caller whose request
// was still pending when the connection went away.
func Disconnected(id int64) *Response {
	return NewError(&id, CodeDisconnected, "connection closed before response")
}

// TimedOut is the synthetic response for a call whose wait was cut short.
func TimedOut(id int64) *Response {
	return NewError(&id, CodeTimeout, "call timed out waiting for response")
}

// Params is the ordered positional parameter list of a call.
type Params []json.RawMessage

// NewParams marshals each value into a positional parameter.
func NewParams(values ...any) (Params, error) {
	p := make(Params, 0, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshalling param %d: %w", i, err)
		}
		p = append(p, raw)
	}
	return p, nil
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p) }

// Decode unmarshals parameter i into v.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return Errorf(CodeInvalidParams, "missing param %d", i)
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return Errorf(CodeInvalidParams, "param %d: %v", i, err)
	}
	return nil
}

// StringAt returns parameter i as a string.
func (p Params) StringAt(i int) (string, error) {
	var s string
	err := p.Decode(i, &s)
	return s, err
}

// MarshalJSON always emits an array, never null.
func (p Params) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(p))
}
