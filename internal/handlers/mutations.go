package handlers

import (
	"context"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// Coordinator persists edits and deletions and then announces them.
type Coordinator struct {
	gateway repositories.Gateway
	hub     Broadcaster
	threads *Synchronizer
	locks   *locks.Keyed
	auditor Auditor
	policy  *bluemonday.Policy
	logger  *zap.Logger
}

func NewCoordinator(gateway repositories.Gateway, hub Broadcaster, threads *Synchronizer, keyed *locks.Keyed, auditor Auditor, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		gateway: gateway,
		hub:     hub,
		threads: threads,
		locks:   keyed,
		auditor: auditor,
		policy:  bluemonday.UGCPolicy(),
		logger:  logger,
	}
}

// loadOwned fetches a message in groupID that actor authored. The caller
// holds the message lock.
func (c *Coordinator) loadOwned(ctx context.Context, actor Actor, groupID, messageID string) (models.Message, error) {
	msg, err := c.gateway.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, gatewayError(err, "load message")
	}
	if msg.GroupID != groupID {
		return models.Message{}, apperr.NotFound("message not found")
	}
	if msg.UserID != actor.UserID {
		return models.Message{}, apperr.Authorization("only the author can change this message")
	}
	return msg, nil
}

// Edit replaces the content of the actor's own message.
func (c *Coordinator) Edit(ctx context.Context, actor Actor, p models.EditPayload) (models.Message, error) {
	if p.GroupID == "" || p.MessageID == "" {
		return models.Message{}, apperr.Validation("groupId and messageId are required")
	}
	content, err := sanitize(c.policy, p.Content)
	if err != nil {
		return models.Message{}, err
	}

	updated, err := c.edit(ctx, actor, p.GroupID, p.MessageID, content)
	if err != nil {
		return models.Message{}, err
	}
	c.threads.Rebroadcast(ctx, p.GroupID, threadRoot(updated))
	audit(ctx, c.auditor, actor, "message_edited group=%s message=%s", p.GroupID, p.MessageID)
	return updated, nil
}

func (c *Coordinator) edit(ctx context.Context, actor Actor, groupID, messageID, content string) (models.Message, error) {
	unlock := c.locks.Lock(messageID)
	defer unlock()

	msg, err := c.loadOwned(ctx, actor, groupID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if content == "" && len(msg.Attachments) == 0 {
		return models.Message{}, apperr.Validation("message must have content or attachments")
	}

	updated, err := c.gateway.UpdateMessage(ctx, messageID, models.MessageUpdate{Content: &content, Edited: true})
	if err != nil {
		return models.Message{}, gatewayError(err, "save edit")
	}
	c.hub.BroadcastRoom(groupID, envelope(models.EventMessageUpdate, actor.RequestID, models.MessageUpdated{
		MessageID: messageID,
		Content:   updated.Content,
		Edited:    true,
	}))
	return updated, nil
}

// Delete removes the actor's own message. Deleting a reply shrinks its
// thread; deleting a root closes the thread for everyone watching it.
func (c *Coordinator) Delete(ctx context.Context, actor Actor, p models.DeletePayload) error {
	if p.GroupID == "" || p.MessageID == "" {
		return apperr.Validation("groupId and messageId are required")
	}

	msg, err := c.delete(ctx, actor, p.GroupID, p.MessageID)
	if err != nil {
		return err
	}

	if msg.IsReply() {
		c.dropReplyCount(ctx, msg.ParentID)
	}
	c.hub.BroadcastRoom(p.GroupID, envelope(models.EventMessageDelete, actor.RequestID, models.MessageDeleted{
		MessageID: msg.ID,
		ParentID:  msg.ParentID,
	}))
	if msg.IsReply() {
		c.threads.Rebroadcast(ctx, p.GroupID, msg.ParentID)
	} else {
		c.hub.UnwatchThread(p.GroupID, msg.ID)
	}
	audit(ctx, c.auditor, actor, "message_deleted group=%s message=%s", p.GroupID, p.MessageID)
	return nil
}

func (c *Coordinator) delete(ctx context.Context, actor Actor, groupID, messageID string) (models.Message, error) {
	unlock := c.locks.Lock(messageID)
	defer unlock()

	msg, err := c.loadOwned(ctx, actor, groupID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if err := c.gateway.DeleteMessage(ctx, messageID); err != nil {
		return models.Message{}, gatewayError(err, "delete message")
	}
	return msg, nil
}

func (c *Coordinator) dropReplyCount(ctx context.Context, parentID string) {
	unlock := c.locks.Lock(parentID)
	defer unlock()
	if _, err := c.gateway.UpdateMessage(ctx, parentID, models.MessageUpdate{ReplyCountDelta: -1}); err != nil {
		c.logger.Warn("decrement reply count", zap.String("message_id", parentID), zap.Error(err))
	}
}
