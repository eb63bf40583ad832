package handlers

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

const maxEmojiBytes = 64

// Aggregator applies reaction changes one message at a time and publishes
// the complete resulting map.
type Aggregator struct {
	gateway repositories.Gateway
	hub     Broadcaster
	threads *Synchronizer
	locks   *locks.Keyed
	auditor Auditor
	logger  *zap.Logger
}

func NewAggregator(gateway repositories.Gateway, hub Broadcaster, threads *Synchronizer, keyed *locks.Keyed, auditor Auditor, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{gateway: gateway, hub: hub, threads: threads, locks: keyed, auditor: auditor, logger: logger}
}

// Apply adds or retracts the actor's reaction. A user holds at most one
// emoji per message, so adding replaces any earlier choice. Retracting a
// reaction the user does not have changes nothing but still answers with
// the current map.
func (a *Aggregator) Apply(ctx context.Context, actor Actor, p models.ReactionPayload) (models.Reactions, error) {
	emoji := strings.TrimSpace(p.Emoji)
	switch {
	case p.MessageID == "" || p.GroupID == "":
		return nil, apperr.Validation("groupId and messageId are required")
	case emoji == "":
		return nil, apperr.Validation("emoji is required")
	case len(emoji) > maxEmojiBytes:
		return nil, apperr.Validation("emoji is too long")
	}
	if err := checkActor(actor, p.UserID); err != nil {
		return nil, err
	}

	msg, next, changed, err := a.apply(ctx, actor, p.GroupID, p.MessageID, emoji, p.Add)
	if err != nil {
		return nil, err
	}
	if changed {
		a.threads.Rebroadcast(ctx, p.GroupID, threadRoot(msg))
		audit(ctx, a.auditor, actor, "reaction_applied group=%s message=%s emoji=%s add=%t", p.GroupID, p.MessageID, emoji, p.Add)
	}
	return next, nil
}

// apply persists and broadcasts under the message lock, so reaction maps
// for one message reach clients in the order they were stored.
func (a *Aggregator) apply(ctx context.Context, actor Actor, groupID, messageID, emoji string, add bool) (models.Message, models.Reactions, bool, error) {
	unlock := a.locks.Lock(messageID)
	defer unlock()

	msg, err := a.gateway.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, nil, false, gatewayError(err, "load message")
	}
	if msg.GroupID != groupID {
		return models.Message{}, nil, false, apperr.NotFound("message not found")
	}

	next, changed := msg.Reactions.Apply(actor.UserID, emoji, add)
	if changed {
		if add {
			err = a.gateway.AddReaction(ctx, messageID, actor.UserID, emoji)
		} else {
			err = a.gateway.RemoveReaction(ctx, messageID, actor.UserID, emoji)
		}
		if err != nil {
			return models.Message{}, nil, false, gatewayError(err, "save reaction")
		}
	}

	a.hub.BroadcastRoom(groupID, envelope(models.EventReactionUpdate, actor.RequestID, models.ReactionUpdate{
		MessageID: messageID,
		Reactions: next,
	}))
	return msg, next, changed, nil
}
