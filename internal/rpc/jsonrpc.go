// Package rpc implements the JSON-RPC 2.0 surface of the daemon: the wire
// types, the method router and the error mapping.
package rpc

import "encoding/json"

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the single server-error code every
// domain failure maps to.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request. ID is kept raw so numbers and strings
// echo back unchanged; a missing ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Error is the wire error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: normalizeID(id)}
}

// NewError builds an error response for id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      normalizeID(id),
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
