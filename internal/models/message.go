package models

import "time"

// Attachment is a file reference carried by a message. Uploads happen
// elsewhere; only the resulting URL is stored here.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is a root message or, when ParentID is set, a reply in a thread.
type Message struct {
	ID          string         `json:"id"`
	GroupID     string         `json:"groupId"`
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	ReplyCount  int            `json:"replyCount"`
	Reactions   Reactions      `json:"reactions"`
	Edited      bool           `json:"edited"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	// TempID echoes the client's optimistic id on the canonical broadcast.
	// It is never persisted.
	TempID string `json:"tempId,omitempty"`

	// Seq is the storage insertion order, used to break timestamp ties.
	Seq     int64 `json:"-"`
	Deleted bool  `json:"-"`
}

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool {
	return m.ParentID != ""
}

// Clone returns a deep copy safe to mutate independently.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Reactions = m.Reactions.Clone()
	return out
}

// MessageDraft is the client-supplied part of a new message. Identity,
// ordering and timestamps are always assigned by the server.
type MessageDraft struct {
	Content     string         `json:"content"`
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	TempID      string         `json:"tempId,omitempty"`
}

// MessageUpdate describes a partial update applied by a gateway.
type MessageUpdate struct {
	Content         *string
	Edited          bool
	ReplyCountDelta int
}

// ThreadState is the derived view of a parent and its replies. It is
// recomputed from storage on every request and never stored.
type ThreadState struct {
	Message *Message  `json:"message"`
	Replies []Message `json:"replies"`
	IsOpen  bool      `json:"isOpen"`
}
