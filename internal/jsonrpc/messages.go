package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request has no id member. An explicit
// "id": null still identifies a request that expects a reply.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC response. The id member is always present,
// null when the triggering request had none.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	var resultBytes json.RawMessage
	switch v := result.(type) {
	case json.RawMessage:
		resultBytes = v
	default:
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultBytes = b
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Inbound is the outcome of parsing a request body at the relay boundary:
// either *ValidRequest or *MalformedRequest.
type Inbound interface {
	inbound()
}

// ValidRequest is a well-formed JSON-RPC 2.0 request or notification.
type ValidRequest struct {
	Request
}

func (*ValidRequest) inbound() {}

// MalformedRequest describes a body that failed envelope validation. ID is
// salvaged from the body when possible so the error reply can be correlated.
type MalformedRequest struct {
	ID     *RequestID
	Code   ErrorCode
	Reason string
}

func (*MalformedRequest) inbound() {}

// Response renders the malformed request as a JSON-RPC error response.
func (m *MalformedRequest) Response() *Response {
	return NewErrorResponse(m.ID, m.Code, m.Reason, nil)
}

// Parse validates a raw request body. It never returns nil.
func Parse(data []byte) Inbound {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &MalformedRequest{Code: ErrorCodeInvalidRequest, Reason: "empty request body"}
	}
	if trimmed[0] == '[' {
		return &MalformedRequest{Code: ErrorCodeInvalidRequest, Reason: "JSON-RPC batch arrays are not supported"}
	}

	var raw struct {
		JSONRPCVersion *string         `json:"jsonrpc"`
		Method         *string         `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		ID             json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		if !json.Valid(trimmed) {
			return &MalformedRequest{Code: ErrorCodeParseError, Reason: "invalid JSON: " + err.Error()}
		}
		return &MalformedRequest{Code: ErrorCodeInvalidRequest, Reason: "invalid request object: " + err.Error()}
	}

	// A present id member, null included, yields a non-nil id.
	var id *RequestID
	if len(raw.ID) > 0 {
		var parsed RequestID
		if err := parsed.UnmarshalJSON(raw.ID); err != nil {
			return &MalformedRequest{Code: ErrorCodeInvalidRequest, Reason: err.Error()}
		}
		id = &parsed
	}

	if raw.JSONRPCVersion == nil || *raw.JSONRPCVersion != ProtocolVersion {
		got := "<missing>"
		if raw.JSONRPCVersion != nil {
			got = *raw.JSONRPCVersion
		}
		return &MalformedRequest{ID: id, Code: ErrorCodeInvalidRequest, Reason: fmt.Sprintf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, got)}
	}
	if raw.Method == nil || *raw.Method == "" {
		return &MalformedRequest{ID: id, Code: ErrorCodeInvalidRequest, Reason: "missing method"}
	}

	return &ValidRequest{Request: Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         *raw.Method,
		Params:         raw.Params,
		ID:             id,
	}}
}
