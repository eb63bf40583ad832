package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
)

func TestDispatcherJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua")
	b := f.connect(t, "b", "ub", "g1")

	f.send(t, a, models.EventJoinConversation, "", models.ConversationPayload{GroupID: "g1"})
	f.send(t, a, models.EventJoinConversation, "", models.ConversationPayload{GroupID: "g1"})
	require.Equal(t, []string{"a", "b"}, f.hub.MembersOf("g1"))

	f.send(t, a, models.EventLeaveConversation, "", models.ConversationPayload{GroupID: "g1"})
	f.send(t, a, models.EventLeaveConversation, "", models.ConversationPayload{GroupID: "g1"})
	require.Equal(t, []string{"b"}, f.hub.MembersOf("g1"))

	f.post(t, b, "g1", "after leave", "")
	require.Empty(t, a.Received(models.EventMessage))
}

func TestDispatcherRejectsUnknownAndMalformedEvents(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua")

	f.send(t, a, "shout", "r1", map[string]string{})
	env, payload := lastError(t, a)
	require.Equal(t, "r1", env.RequestID)
	require.Equal(t, string(apperr.KindValidation), payload.Code)

	f.dispatcher.HandleEvent(context.Background(), "a", "ua", models.Envelope{
		Event:     models.EventMessage,
		RequestID: "r2",
		Data:      json.RawMessage(`{"groupId": 7}`),
	})
	env, payload = lastError(t, a)
	require.Equal(t, "r2", env.RequestID)
	require.Equal(t, "malformed payload", payload.Message)

	f.send(t, a, models.EventJoinConversation, "r3", models.ConversationPayload{})
	env, _ = lastError(t, a)
	require.Equal(t, "r3", env.RequestID)
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	gateway := new(mocks.GatewayMock)
	f := newFixtureWithGateway(t, gateway, nil)
	a := f.connect(t, "a", "ua", "g1")

	gateway.On("GetMessage", mock.Anything, "m1").Panic("nil map write").Once()

	f.send(t, a, models.EventReaction, "r1", models.ReactionPayload{GroupID: "g1", MessageID: "m1", Emoji: "👍", Add: true})
	env, payload := lastError(t, a)
	require.Equal(t, "r1", env.RequestID)
	require.Equal(t, string(apperr.KindInternal), payload.Code)
	require.Equal(t, "internal error", payload.Message)

	f.send(t, a, models.EventLeaveConversation, "r2", models.ConversationPayload{GroupID: "g1"})
	require.Empty(t, f.hub.MembersOf("g1"))
}

func TestDispatcherErrorsStayWithSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	b := f.connect(t, "b", "ub", "g1")

	f.send(t, a, models.EventDeleteMessage, "", models.DeletePayload{GroupID: "g1", MessageID: "nope"})

	_, payload := lastError(t, a)
	require.Equal(t, string(apperr.KindNotFound), payload.Code)
	require.Empty(t, b.Envelopes())
}
