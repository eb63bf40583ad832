package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-realtime/internal/locks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/ws"
	"chat-realtime/internal/ws/wstest"
)

type fixture struct {
	gateway    repositories.Gateway
	memory     *repositories.MemoryGateway
	hub        *ws.Hub
	threads    *Synchronizer
	pipeline   *Pipeline
	reactions  *Aggregator
	mutations  *Coordinator
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	memory := repositories.NewMemoryGateway()
	f := newFixtureWithGateway(t, memory, nil)
	f.memory = memory
	return f
}

func newFixtureWithGateway(t *testing.T, gateway repositories.Gateway, auditor Auditor) *fixture {
	t.Helper()
	hub := ws.NewHub(nil)
	keyed := locks.NewKeyed()
	threads := NewSynchronizer(gateway, hub, keyed, nil)
	pipeline := NewPipeline(gateway, hub, threads, keyed, auditor, nil)
	pipeline.now = steppingClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	reactions := NewAggregator(gateway, hub, threads, keyed, auditor, nil)
	mutations := NewCoordinator(gateway, hub, threads, keyed, auditor, nil)
	return &fixture{
		gateway:    gateway,
		hub:        hub,
		threads:    threads,
		pipeline:   pipeline,
		reactions:  reactions,
		mutations:  mutations,
		dispatcher: NewDispatcher(hub, pipeline, threads, reactions, mutations, nil),
	}
}

// steppingClock returns a clock that advances one millisecond per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Millisecond)
		return now
	}
}

func (f *fixture) connect(t *testing.T, connID, userID string, rooms ...string) *wstest.Member {
	t.Helper()
	m := wstest.NewMember(connID, userID)
	require.NoError(t, f.hub.Register(m))
	for _, room := range rooms {
		require.NoError(t, f.hub.Join(connID, room))
	}
	return m
}

func (f *fixture) send(t *testing.T, m *wstest.Member, event, requestID string, data any) {
	t.Helper()
	env, err := models.NewEnvelope(event, data)
	require.NoError(t, err)
	env.RequestID = requestID
	f.dispatcher.HandleEvent(context.Background(), m.ID(), m.UserID(), env)
}

func (f *fixture) post(t *testing.T, m *wstest.Member, groupID, content, parentID string) models.Message {
	t.Helper()
	f.send(t, m, models.EventMessage, "", models.MessagePayload{
		GroupID: groupID,
		Message: models.MessageDraft{Content: content, ParentID: parentID},
	})
	env, ok := m.Last(models.EventMessage)
	require.True(t, ok, "no message broadcast received")
	var msg models.Message
	require.NoError(t, env.Decode(&msg))
	return msg
}

func decodeAs[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, env.Decode(&out))
	return out
}

func lastError(t *testing.T, m *wstest.Member) (models.Envelope, models.ErrorPayload) {
	t.Helper()
	env, ok := m.Last(models.EventError)
	require.True(t, ok, "expected an error event, got %v", m.Events())
	return env, decodeAs[models.ErrorPayload](t, env)
}

func replyIDs(state models.ThreadState) []string {
	out := make([]string, 0, len(state.Replies))
	for _, r := range state.Replies {
		out = append(out, r.ID)
	}
	return out
}
