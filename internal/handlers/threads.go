package handlers

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// Synchronizer derives thread views from storage and delivers them. It
// holds no thread state of its own; every view is recomputed on demand.
type Synchronizer struct {
	gateway repositories.Gateway
	hub     Broadcaster
	locks   *locks.Keyed
	logger  *zap.Logger
}

func NewSynchronizer(gateway repositories.Gateway, hub Broadcaster, keyed *locks.Keyed, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{gateway: gateway, hub: hub, locks: keyed, logger: logger}
}

// Snapshot loads the parent and all of its replies, oldest first.
func (s *Synchronizer) Snapshot(ctx context.Context, parentID string, isOpen bool) (models.ThreadState, error) {
	parent, err := s.gateway.GetMessage(ctx, parentID)
	if err != nil {
		return models.ThreadState{}, gatewayError(err, "load thread")
	}
	if parent.IsReply() {
		return models.ThreadState{}, apperr.Validation("message is a reply, not a thread root")
	}
	replies, err := s.gateway.GetRepliesForMessage(ctx, parentID)
	if err != nil {
		return models.ThreadState{}, gatewayError(err, "load thread")
	}
	if replies == nil {
		replies = []models.Message{}
	}
	// Storage already breaks timestamp ties by insertion order; a stable
	// sort keeps that order.
	sort.SliceStable(replies, func(i, j int) bool {
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})
	return models.ThreadState{Message: &parent, Replies: replies, IsOpen: isOpen}, nil
}

func (s *Synchronizer) snapshotInGroup(ctx context.Context, groupID, parentID string, isOpen bool) (models.ThreadState, error) {
	if groupID == "" || parentID == "" {
		return models.ThreadState{}, apperr.Validation("groupId and messageId are required")
	}
	state, err := s.Snapshot(ctx, parentID, isOpen)
	if err != nil {
		return models.ThreadState{}, err
	}
	if state.Message.GroupID != groupID {
		return models.ThreadState{}, apperr.NotFound("message not found")
	}
	return state, nil
}

// RequestSync sends the full thread to the requesting connection only and
// marks the thread open for it.
func (s *Synchronizer) RequestSync(ctx context.Context, actor Actor, groupID, parentID string) error {
	state, err := s.snapshotInGroup(ctx, groupID, parentID, true)
	if err != nil {
		return err
	}
	if err := s.hub.Watch(actor.ConnID, groupID, parentID); err != nil {
		s.logger.Debug("watch thread", zap.String("conn_id", actor.ConnID), zap.String("message_id", parentID), zap.Error(err))
	}
	s.hub.SendTo(actor.ConnID, envelope(models.EventThreadSync, actor.RequestID, state))
	return nil
}

// RequestUpdate records the requester's open state for the thread and
// sends the current view to the whole room.
func (s *Synchronizer) RequestUpdate(ctx context.Context, actor Actor, groupID, parentID string, isOpen bool) error {
	state, err := s.snapshotInGroup(ctx, groupID, parentID, isOpen)
	if err != nil {
		return err
	}
	if isOpen {
		if err := s.hub.Watch(actor.ConnID, groupID, parentID); err != nil {
			s.logger.Debug("watch thread", zap.String("conn_id", actor.ConnID), zap.String("message_id", parentID), zap.Error(err))
		}
	} else {
		s.hub.Unwatch(actor.ConnID, groupID, parentID)
	}
	s.hub.BroadcastRoom(groupID, envelope(models.EventThreadState, actor.RequestID, state))
	return nil
}

// Rebroadcast recomputes the thread after a mutation and pushes it to every
// connection in the room that has it open. Rebroadcasts of one thread are
// serialized so the last one delivered reflects the latest stored state.
func (s *Synchronizer) Rebroadcast(ctx context.Context, groupID, parentID string) {
	unlock := s.locks.Lock("thread:" + parentID)
	defer unlock()

	state, err := s.Snapshot(ctx, parentID, true)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			s.hub.UnwatchThread(groupID, parentID)
			return
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Err != nil {
			err = appErr.Err
		}
		s.logger.Warn("thread rebroadcast failed", zap.String("group_id", groupID), zap.String("message_id", parentID), zap.Error(err))
		return
	}
	s.hub.BroadcastThread(groupID, parentID, envelope(models.EventThreadState, "", state))
}
