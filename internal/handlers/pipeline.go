package handlers

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

const (
	maxContentRunes = 4000
	maxAttachments  = 10
)

// Pipeline validates, persists and fans out new messages.
type Pipeline struct {
	gateway repositories.Gateway
	hub     Broadcaster
	threads *Synchronizer
	locks   *locks.Keyed
	auditor Auditor
	policy  *bluemonday.Policy
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

func NewPipeline(gateway repositories.Gateway, hub Broadcaster, threads *Synchronizer, keyed *locks.Keyed, auditor Auditor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gateway: gateway,
		hub:     hub,
		threads: threads,
		locks:   keyed,
		auditor: auditor,
		policy:  bluemonday.UGCPolicy(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// sanitize strips unsafe markup and validates the result.
func sanitize(policy *bluemonday.Policy, content string) (string, error) {
	clean := strings.TrimSpace(policy.Sanitize(content))
	if utf8.RuneCountInString(clean) > maxContentRunes {
		return "", apperr.Validation("message is too long")
	}
	return clean, nil
}

// Submit persists draft as a new message in groupID and broadcasts the
// stored version to the room. Nothing is broadcast unless the message was
// stored.
func (p *Pipeline) Submit(ctx context.Context, actor Actor, groupID string, draft models.MessageDraft) (models.Message, error) {
	if groupID == "" {
		return models.Message{}, apperr.Validation("groupId is required")
	}
	if err := checkActor(actor, draft.UserID); err != nil {
		return models.Message{}, err
	}
	if len(draft.Attachments) > maxAttachments {
		return models.Message{}, apperr.Validation("too many attachments")
	}
	for _, a := range draft.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return models.Message{}, apperr.Validation("attachment url is required")
		}
	}
	content, err := sanitize(p.policy, draft.Content)
	if err != nil {
		return models.Message{}, err
	}
	if content == "" && len(draft.Attachments) == 0 {
		return models.Message{}, apperr.Validation("message must have content or attachments")
	}

	if draft.ParentID != "" {
		parent, err := p.gateway.GetMessage(ctx, draft.ParentID)
		if err != nil {
			return models.Message{}, gatewayError(err, "load parent message")
		}
		if parent.GroupID != groupID {
			return models.Message{}, apperr.NotFound("parent message not found")
		}
		if parent.IsReply() {
			return models.Message{}, apperr.Validation("cannot reply to a reply")
		}
	}

	now := p.now()
	msg := models.Message{
		ID:          p.newID(),
		GroupID:     groupID,
		UserID:      actor.UserID,
		DisplayName: draft.DisplayName,
		ImageURL:    draft.ImageURL,
		Content:     content,
		Attachments: draft.Attachments,
		Metadata:    draft.Metadata,
		ParentID:    draft.ParentID,
		Reactions:   models.Reactions{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stored, err := p.gateway.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, gatewayError(err, "save message")
	}
	if stored.Reactions == nil {
		stored.Reactions = models.Reactions{}
	}

	if stored.IsReply() {
		p.bumpReplyCount(ctx, stored.ParentID)
	}
	p.touchGroup(ctx, groupID, now)

	out := stored
	out.TempID = draft.TempID
	p.hub.BroadcastRoom(groupID, envelope(models.EventMessage, actor.RequestID, out))
	if stored.IsReply() {
		p.threads.Rebroadcast(ctx, groupID, stored.ParentID)
	}

	audit(ctx, p.auditor, actor, "message_created group=%s message=%s reply=%t", groupID, stored.ID, stored.IsReply())
	return out, nil
}

func (p *Pipeline) bumpReplyCount(ctx context.Context, parentID string) {
	unlock := p.locks.Lock(parentID)
	defer unlock()
	if _, err := p.gateway.UpdateMessage(ctx, parentID, models.MessageUpdate{ReplyCountDelta: 1}); err != nil {
		p.logger.Warn("increment reply count", zap.String("message_id", parentID), zap.Error(err))
	}
}

func (p *Pipeline) touchGroup(ctx context.Context, groupID string, at time.Time) {
	if _, err := p.gateway.UpdateGroup(ctx, models.Group{ID: groupID, LastActivityAt: &at}); err != nil {
		p.logger.Warn("touch group", zap.String("group_id", groupID), zap.Error(err))
	}
}
