package handlers

import (
	"context"
	"errors"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// Broadcaster is the room fan-out the handlers publish through. The ws
// Hub satisfies it.
type Broadcaster interface {
	Join(connID, roomID string) error
	Leave(connID, roomID string)
	Watch(connID, roomID, parentID string) error
	Unwatch(connID, roomID, parentID string)
	UnwatchThread(roomID, parentID string)
	BroadcastRoom(roomID string, env models.Envelope)
	BroadcastThread(roomID, parentID string, env models.Envelope)
	SendTo(connID string, env models.Envelope) bool
}

// Auditor records business events. telemetry.AuditEmitter satisfies it.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// Actor identifies the connection and user behind an intent.
type Actor struct {
	ConnID    string
	UserID    string
	RequestID string
}

// gatewayError maps storage failures onto the client-facing taxonomy.
func gatewayError(err error, action string) error {
	switch {
	case errors.Is(err, repositories.ErrMessageNotFound):
		return apperr.NotFound("message not found")
	case errors.Is(err, repositories.ErrGroupNotFound):
		return apperr.NotFound("group not found")
	default:
		return apperr.Persistence("could not "+action, err)
	}
}

// checkActor rejects payloads that claim to act for another user.
func checkActor(actor Actor, claimed string) error {
	if claimed != "" && claimed != actor.UserID {
		return apperr.Authorization("cannot act on behalf of another user")
	}
	return nil
}

// threadRoot returns the id of the thread a message belongs to.
func threadRoot(msg models.Message) string {
	if msg.IsReply() {
		return msg.ParentID
	}
	return msg.ID
}

func envelope(event, requestID string, data any) models.Envelope {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return models.ErrorEnvelope(requestID, string(apperr.KindInternal), "internal error")
	}
	env.RequestID = requestID
	return env
}
