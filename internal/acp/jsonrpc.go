// ABOUTME: JSON-RPC 2.0 envelopes and the agent error type.
// ABOUTME: Flattens structured error payloads into one readable message.

package acp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrMethodNotFound may be returned (or wrapped) by a Handler to answer an
// agent call with the method-not-found code.
var ErrMethodNotFound = errors.New("method not found")

// RPCError is an error response returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns the flattened, human-readable message.
func (e *RPCError) Error() string {
	return e.Flatten()
}

// Flatten picks the most useful text from the error. A string "message"
// inside data wins, then data itself, then the top-level message. If the
// chosen text is a serialized JSON error object it is unwrapped once.
func (e *RPCError) Flatten() string {
	msg := e.Message

	data := bytes.TrimSpace(e.Data)
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) && gjson.ValidBytes(data) {
		d := gjson.ParseBytes(data)
		switch {
		case d.IsObject() && d.Get("message").Type == gjson.String && d.Get("message").String() != "":
			msg = d.Get("message").String()
		case d.Type == gjson.String:
			if s := d.String(); s != "" {
				msg = s
			}
		default:
			msg = d.Raw
		}
	}

	if msg == "" {
		msg = "agent returned error code " + strconv.Itoa(e.Code)
	}
	return unwrapJSONError(msg)
}

func unwrapJSONError(msg string) string {
	trimmed := strings.TrimSpace(msg)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return msg
	}
	for _, path := range []string{"message", "error.message", "error"} {
		if v := gjson.Get(trimmed, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return msg
}

// inbound is any frame read from the agent.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *inbound) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

type requestFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notificationFrame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type resultFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

// toRPCError maps a handler error onto a JSON-RPC error object.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, ErrMethodNotFound) {
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	}
	return &RPCError{Code: CodeInternalError, Message: err.Error()}
}
