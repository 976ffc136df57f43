// Package wire defines the JSON message envelopes exchanged between
// clients and the sync server. Every message carries a "type" tag; Decode
// probes the tag first and then unmarshals the concrete struct, so
// consumers can switch exhaustively on the returned value.
package wire

import (
	"encoding/json"
	"fmt"

	"cowrite/pkg/op"
	"cowrite/pkg/presence"
)

// Message type tags.
const (
	TypeDocumentState    = "document_state"
	TypeOperation        = "operation"
	TypeDocumentChange   = "document_change"
	TypeCursorUpdate     = "cursor_update"
	TypeCursorPosition   = "cursor_position"
	TypeUserDisconnected = "user_disconnected"
	TypeSyncRequest      = "sync_request"
	TypeSyncResponse     = "sync_response"
	TypeRestoreVersion   = "restore_version"
)

// DocumentState is the trusted baseline sent once per session start or
// full resync: full content, current version, and who is here.
type DocumentState struct {
	Type        string                  `json:"type"`
	Content     json.RawMessage         `json:"content"`
	Version     int64                   `json:"version"`
	ActiveUsers []presence.Collaborator `json:"active_users"`
}

// Operation is a client-submitted edit. The change carries its own
// sourceVersion stamp.
type Operation struct {
	Type   string       `json:"type"`
	Change op.Operation `json:"change"`
}

// DocumentChange is the server's broadcast of an accepted edit.
type DocumentChange struct {
	Type       string       `json:"type"`
	Change     op.Operation `json:"change"`
	UserID     string       `json:"userId"`
	NewVersion int64        `json:"newVersion"`
}

// CursorUpdate is a client reporting its own cursor offset.
type CursorUpdate struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// CursorPosition is the server relaying someone's cursor to everyone else.
type CursorPosition struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Position int    `json:"position"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

// UserDisconnected announces a departed session.
type UserDisconnected struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// SyncRequest asks for a full snapshot; Version is the requester's stale
// local version, for logging.
type SyncRequest struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

// SyncResponse hands over the full current snapshot. The receiving session
// adopts it wholesale, discarding unacknowledged local edits.
type SyncResponse struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Version int64           `json:"version"`
}

// RestoreVersion asks the server to roll the document content forward to a
// copy of an earlier version.
type RestoreVersion struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

// MalformedMessageError reports an envelope that could not be decoded. It
// is connection-level: the offending message is logged and ignored without
// touching other sessions.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

// Decode parses an incoming envelope into its concrete message struct.
func Decode(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &MalformedMessageError{Reason: err.Error()}
	}
	var (
		msg any
		err error
	)
	switch probe.Type {
	case TypeDocumentState:
		msg, err = decodeAs[DocumentState](data)
	case TypeOperation:
		msg, err = decodeAs[Operation](data)
	case TypeDocumentChange:
		msg, err = decodeAs[DocumentChange](data)
	case TypeCursorUpdate:
		msg, err = decodeAs[CursorUpdate](data)
	case TypeCursorPosition:
		msg, err = decodeAs[CursorPosition](data)
	case TypeUserDisconnected:
		msg, err = decodeAs[UserDisconnected](data)
	case TypeSyncRequest:
		msg, err = decodeAs[SyncRequest](data)
	case TypeSyncResponse:
		msg, err = decodeAs[SyncResponse](data)
	case TypeRestoreVersion:
		msg, err = decodeAs[RestoreVersion](data)
	default:
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("unknown type %q", probe.Type)}
	}
	return msg, err
}

func decodeAs[T any](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &MalformedMessageError{Reason: err.Error()}
	}
	return msg, nil
}

// Encode marshals a message for the wire.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
