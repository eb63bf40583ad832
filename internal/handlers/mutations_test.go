package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

func TestEditByAuthorBroadcastsUpdate(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	v := f.connect(t, "v", "uv", "g1")
	msg := f.post(t, w, "g1", "typo", "")

	f.send(t, w, models.EventEditMessage, "e1", models.EditPayload{GroupID: "g1", MessageID: msg.ID, Content: "fixed"})

	env, ok := v.Last(models.EventMessageUpdate)
	require.True(t, ok)
	update := decodeAs[models.MessageUpdated](t, env)
	require.Equal(t, models.MessageUpdated{MessageID: msg.ID, Content: "fixed", Edited: true}, update)

	stored, err := f.gateway.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "fixed", stored.Content)
	require.True(t, stored.Edited)
}

func TestUnauthorizedEditIsRejected(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	v := f.connect(t, "v", "uv", "g1")
	msg := f.post(t, w, "g1", "mine", "")
	w.Reset()
	v.Reset()

	f.send(t, v, models.EventEditMessage, "e1", models.EditPayload{GroupID: "g1", MessageID: msg.ID, Content: "hijacked"})

	env, payload := lastError(t, v)
	require.Equal(t, "e1", env.RequestID)
	require.Equal(t, string(apperr.KindAuthorization), payload.Code)
	require.Empty(t, v.Received(models.EventMessageUpdate))
	require.Empty(t, w.Envelopes())

	stored, err := f.gateway.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "mine", stored.Content)
}

func TestEditPersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	v := f.connect(t, "v", "uv", "g1")
	msg := f.post(t, w, "g1", "orig", "")
	v.Reset()
	f.memory.FailNext(repositories.OpUpdateMessage, errors.New("read-only transaction"))

	f.send(t, w, models.EventEditMessage, "", models.EditPayload{GroupID: "g1", MessageID: msg.ID, Content: "new"})

	_, payload := lastError(t, w)
	require.Equal(t, string(apperr.KindPersistence), payload.Code)
	require.Empty(t, v.Envelopes())
}

func TestEditRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	msg := f.post(t, w, "g1", "orig", "")

	f.send(t, w, models.EventEditMessage, "", models.EditPayload{GroupID: "g1", MessageID: msg.ID, Content: "  "})

	_, payload := lastError(t, w)
	require.Equal(t, string(apperr.KindValidation), payload.Code)
}

func TestEditReplyRebroadcastsThread(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	watcher := f.connect(t, "x", "ux", "g1")
	root := f.post(t, w, "g1", "root", "")
	reply := f.post(t, w, "g1", "draft", root.ID)
	f.send(t, watcher, models.EventThreadSync, "", models.ThreadPayload{GroupID: "g1", MessageID: root.ID})
	watcher.Reset()

	f.send(t, w, models.EventEditMessage, "", models.EditPayload{GroupID: "g1", MessageID: reply.ID, Content: "final"})

	require.Equal(t, []string{models.EventMessageUpdate, models.EventThreadState}, watcher.Events())
	env, _ := watcher.Last(models.EventThreadState)
	state := decodeAs[models.ThreadState](t, env)
	require.Equal(t, "final", state.Replies[0].Content)
	require.True(t, state.Replies[0].Edited)
}

func TestDeleteReplyShrinksThreadEverywhere(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	watcher := f.connect(t, "x", "ux", "g1")
	root := f.post(t, w, "g1", "root", "")
	gone := f.post(t, w, "g1", "gone", root.ID)
	kept := f.post(t, w, "g1", "kept", root.ID)
	f.send(t, watcher, models.EventThreadSync, "", models.ThreadPayload{GroupID: "g1", MessageID: root.ID})
	watcher.Reset()

	f.send(t, w, models.EventDeleteMessage, "d1", models.DeletePayload{GroupID: "g1", MessageID: gone.ID})

	require.Equal(t, []string{models.EventMessageDelete, models.EventThreadState}, watcher.Events())
	del, _ := watcher.Last(models.EventMessageDelete)
	require.Equal(t, models.MessageDeleted{MessageID: gone.ID, ParentID: root.ID}, decodeAs[models.MessageDeleted](t, del))

	env, _ := watcher.Last(models.EventThreadState)
	state := decodeAs[models.ThreadState](t, env)
	require.Equal(t, []string{kept.ID}, replyIDs(state))
	require.Equal(t, 1, state.Message.ReplyCount)
}

func TestDeleteRootClosesThread(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	watcher := f.connect(t, "x", "ux", "g1")
	root := f.post(t, w, "g1", "root", "")
	reply := f.post(t, w, "g1", "reply", root.ID)
	f.send(t, watcher, models.EventThreadSync, "", models.ThreadPayload{GroupID: "g1", MessageID: root.ID})
	watcher.Reset()

	f.send(t, w, models.EventDeleteMessage, "", models.DeletePayload{GroupID: "g1", MessageID: root.ID})

	require.Equal(t, []string{models.EventMessageDelete}, watcher.Events())
	require.Empty(t, f.hub.Registry().WatchersOf("g1", root.ID))

	_, err := f.gateway.GetMessage(context.Background(), reply.ID)
	require.ErrorIs(t, err, repositories.ErrMessageNotFound)
}

func TestUnauthorizedDeleteIsRejected(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	v := f.connect(t, "v", "uv", "g1")
	msg := f.post(t, w, "g1", "mine", "")
	w.Reset()

	f.send(t, v, models.EventDeleteMessage, "", models.DeletePayload{GroupID: "g1", MessageID: msg.ID})

	_, payload := lastError(t, v)
	require.Equal(t, string(apperr.KindAuthorization), payload.Code)
	require.Empty(t, w.Envelopes())
	require.Zero(t, f.memory.Calls(repositories.OpDeleteMessage))
}

func TestDeletePersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "w", "uw", "g1")
	v := f.connect(t, "v", "uv", "g1")
	msg := f.post(t, w, "g1", "mine", "")
	v.Reset()
	f.memory.FailNext(repositories.OpDeleteMessage, errors.New("disk full"))

	f.send(t, w, models.EventDeleteMessage, "", models.DeletePayload{GroupID: "g1", MessageID: msg.ID})

	_, payload := lastError(t, w)
	require.Equal(t, string(apperr.KindPersistence), payload.Code)
	require.Empty(t, v.Envelopes())

	_, err := f.gateway.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
}
