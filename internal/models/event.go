package models

import "encoding/json"

// Client to server event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMessage           = "message"
	EventReaction          = "reaction"
	EventEditMessage       = "edit_message"
	EventDeleteMessage     = "delete_message"
	EventThreadSync        = "thread_sync"
	EventThreadUpdate      = "thread_update"
)

// Server to client event names. EventMessage and EventThreadSync are
// shared with the client direction.
const (
	EventReactionUpdate = "reaction_update"
	EventMessageUpdate  = "message_update"
	EventMessageDelete  = "message_delete"
	EventThreadState    = "thread_state"
	EventError          = "error"
)

// Envelope is the frame exchanged over a websocket in both directions.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type ConversationPayload struct {
	GroupID string `json:"groupId"`
}

type MessagePayload struct {
	Message MessageDraft `json:"message"`
	GroupID string       `json:"groupId"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Add       bool   `json:"add"`
}

type EditPayload struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeletePayload struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
}

type ThreadPayload struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	IsOpen    bool   `json:"isOpen"`
}

// ReactionUpdate carries the full reaction map, never a delta.
type ReactionUpdate struct {
	MessageID string    `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

type MessageUpdated struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Edited    bool   `json:"edited"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ParentID  string `json:"parentId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope builds the error frame sent back to the connection that
// triggered a failed intent.
func ErrorEnvelope(requestID, code, message string) Envelope {
	raw, _ := json.Marshal(ErrorPayload{Message: message, Code: code})
	return Envelope{Event: EventError, RequestID: requestID, Data: raw}
}
