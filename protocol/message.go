// Package protocol defines the JSON wire messages exchanged between
// session and coordinator over the WebSocket transport.
package protocol

import (
	"github.com/google/uuid"

	"otsync/common"
	"otsync/ot"
	"otsync/shared"
)

// MessageType discriminates the flat message envelope.
type MessageType string

// Client to server.
const (
	TypeAuthenticate   MessageType = "authenticate"
	TypeJoinDocument   MessageType = "join_document"
	TypeLeaveDocument  MessageType = "leave_document"
	TypeOperation      MessageType = "operation"
	TypePresenceUpdate MessageType = "presence_update"
	TypePing           MessageType = "ping"
)

// Server to client. TypeOperation and TypePresenceUpdate flow in both
// directions.
const (
	TypeAuthRequired     MessageType = "auth_required"
	TypeAuthSuccess      MessageType = "auth_success"
	TypeAuthFailed       MessageType = "auth_failed"
	TypeDocumentJoined   MessageType = "document_joined"
	TypeDocumentLeft     MessageType = "document_left"
	TypeDocumentState    MessageType = "document_state"
	TypeOperationApplied MessageType = "operation_applied"
	TypeOperationFailed  MessageType = "operation_failed"
	TypePresenceState    MessageType = "presence_state"
	TypeUserJoined       MessageType = "user_joined"
	TypeUserLeft         MessageType = "user_left"
	TypeError            MessageType = "error"
	TypePong             MessageType = "pong"
)

// Message is the wire envelope. Only the fields relevant to Type are
// populated; the rest are omitted from the encoding.
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp"`

	ClientID   common.ClientID   `json:"clientId,omitempty"`
	DocumentID common.DocumentID `json:"documentId,omitempty"`

	// Carried by authenticate.
	Token string `json:"token,omitempty"`

	// Carried by join_document, document_joined and document_state.
	Schema  shared.Schema  `json:"schema,omitempty"`
	Version common.Version `json:"version,omitempty"`
	State   any            `json:"state,omitempty"`
	Users   []Presence     `json:"users,omitempty"`

	// Carried by operation, operation_applied and operation_failed.
	Operation   *ot.Operation      `json:"operation,omitempty"`
	OperationID common.OperationID `json:"operationId,omitempty"`

	// Carried by presence_update, user_joined and user_left.
	Presence *Presence `json:"presence,omitempty"`

	// Carried by auth_success.
	ClientInfo *common.ClientInfo `json:"clientInfo,omitempty"`

	// Carried by auth_failed, operation_failed and error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// New returns a message of the given type with a fresh correlation id
// and the current timestamp.
func New(msgType MessageType) Message {
	return Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: common.NowMillis(),
	}
}

// NewError builds an error message destined for a single client.
func NewError(code, message string) Message {
	m := New(TypeError)
	m.Code = code
	m.Message = message
	return m
}

// NewOperationFailed builds the per-operation failure reply sent to an
// operation's originator.
func NewOperationFailed(opID common.OperationID, code, message string) Message {
	m := New(TypeOperationFailed)
	m.OperationID = opID
	m.Code = code
	m.Message = message
	return m
}
