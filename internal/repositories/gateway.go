package repositories

import (
	"context"
	"errors"

	"chat-realtime/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrGroupNotFound   = errors.New("group not found")
)

// Operation names, shared by metrics, spans and fault injection.
const (
	OpCreateMessage     = "create_message"
	OpGetMessage        = "get_message"
	OpUpdateMessage     = "update_message"
	OpDeleteMessage     = "delete_message"
	OpGetReplies        = "get_replies"
	OpListGroupMessages = "list_group_messages"
	OpAddReaction       = "add_reaction"
	OpRemoveReaction    = "remove_reaction"
	OpGetGroup          = "get_group"
	OpUpdateGroup       = "update_group"
)

// Gateway is the durable store behind the sync layer. Callers assign ids
// and timestamps; adapters assign the insertion sequence used to order
// messages created within the same instant.
type Gateway interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// GetMessage returns ErrMessageNotFound for unknown and deleted messages.
	GetMessage(ctx context.Context, id string) (models.Message, error)
	UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (models.Message, error)
	// DeleteMessage removes a message logically. Deleting a root also
	// removes its replies.
	DeleteMessage(ctx context.Context, id string) error
	// GetRepliesForMessage returns live replies oldest first, ties broken by
	// insertion order.
	GetRepliesForMessage(ctx context.Context, parentID string) ([]models.Message, error)
	// ListGroupMessages returns up to limit of the newest root messages,
	// oldest first.
	ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error)
	// AddReaction records emoji for userID, replacing any earlier reaction
	// by that user on the message.
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	GetGroupByID(ctx context.Context, id string) (models.Group, error)
	// UpdateGroup upserts group metadata. Empty fields keep stored values.
	UpdateGroup(ctx context.Context, group models.Group) (models.Group, error)
}

const DefaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
