package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrDisconnected is returned for requests that cannot complete because the channel went away.
	ErrDisconnected = errors.New("channel disconnected")

	ErrUnknownRequest  = errors.New("no pending request with that id")
	ErrAlreadyAwaiting = errors.New("request already has a waiter")
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

const version = "2.0"

// Frame is one message on the wire. Requests carry an ID and a Method, replies an ID and either a Result
// or an Error, and notifications a Method without an ID.
type Frame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

func (f Frame) hasID() bool { return len(f.ID) > 0 }

func (f Frame) IsNotification() bool { return f.Method != "" && !f.hasID() }

func (f Frame) IsRequest() bool { return f.Method != "" && f.hasID() }

func (f Frame) IsReply() bool { return f.Method == "" && f.hasID() }

// RemoteError is a structured failure reported by the remote side.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Recoverable reports whether the error came from the remote application rather than the protocol layer.
// Codes inside the reserved -32768..-32100 band describe malformed traffic and are not recoverable.
func (e *RemoteError) Recoverable() bool {
	return e.Code > -32100 || e.Code < -32768
}

// IsRecoverable reports whether err wraps a recoverable RemoteError.
func IsRecoverable(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Recoverable()
}

func encodeID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// parseNumericID accepts the ids this side issues, which are integers, possibly quoted by the peer.
// A null id is what a peer sends when it could not read the request's id, so it matches nothing.
func parseNumericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
