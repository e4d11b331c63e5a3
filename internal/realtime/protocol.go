// Package realtime carries the store protocol over websockets: a gateway that
// serves a Store to authenticated participants and a client that implements
// Store and Connection on top of it.
package realtime

import (
	"encoding/json"
	"errors"

	"couple-sync/internal/remotestore"
)

// Client to gateway operations
const (
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	OpRead         = "read"
	OpWrite        = "write"
	OpUpdate       = "update"
	OpAppend       = "append"
	OpRemove       = "remove"
	OpOnDisconnect = "onDisconnect"
	OpNow          = "now"
)

// Gateway to client frames
const (
	OpResult   = "result"
	OpError    = "error"
	OpSnapshot = "snapshot"
)

// On-disconnect actions
const (
	ActionSet    = "set"
	ActionRemove = "remove"
	ActionCancel = "cancel"
)

// Frame is the single message shape exchanged over the socket
type Frame struct {
	ID      uint64                     `json:"id,omitempty"`
	Op      string                     `json:"op"`
	Path    string                     `json:"path,omitempty"`
	Sub     uint64                     `json:"sub,omitempty"`
	Action  string                     `json:"action,omitempty"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
	Key     string                     `json:"key,omitempty"`
	Now     int64                      `json:"now,omitempty"`
	Entries map[string]json.RawMessage `json:"entries,omitempty"`
	Code    string                     `json:"code,omitempty"`
	Message string                     `json:"message,omitempty"`
}

var errorCodes = map[string]error{
	"invalid_path": remotestore.ErrInvalidPath,
	"not_found":    remotestore.ErrNotFound,
	"forbidden":    remotestore.ErrForbidden,
	"disconnected": remotestore.ErrDisconnected,
}

func errorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// remoteError is an error reported by the gateway
type remoteError struct {
	code    string
	message string
}

func (e *remoteError) Error() string {
	return e.message
}

func (e *remoteError) Unwrap() error {
	return errorCodes[e.code]
}

func frameError(f Frame) error {
	return &remoteError{code: f.Code, message: f.Message}
}

func decodeFields(raw map[string]json.RawMessage) map[string]any {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if string(v) == "null" {
			fields[k] = nil
			continue
		}
		fields[k] = v
	}
	return fields
}
