package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/handlers"
	"chat-realtime/internal/locks"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/ws"
)

type testServer struct {
	hub *ws.Hub
	srv *httptest.Server
	url string
}

func startServer(t *testing.T, events ws.EventHandler) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := ws.NewHub(nil)
	if events == nil {
		gateway := repositories.NewMemoryGateway()
		keyed := locks.NewKeyed()
		threads := handlers.NewSynchronizer(gateway, hub, keyed, nil)
		pipeline := handlers.NewPipeline(gateway, hub, threads, keyed, nil, nil)
		reactions := handlers.NewAggregator(gateway, hub, threads, keyed, nil, nil)
		mutations := handlers.NewCoordinator(gateway, hub, threads, keyed, nil, nil)
		events = handlers.NewDispatcher(hub, pipeline, threads, reactions, mutations, nil)
	}
	wsHandler := ws.NewHandler(hub, events, nil, ws.Options{}, nil)

	r := gin.New()
	r.GET("/ws", middleware.Identity(""), wsHandler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *testServer) connect(t *testing.T, userID string, tune func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(s.url + "?userId=" + userID)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	if tune != nil {
		tune(&cfg)
	}
	c := New(cfg, userID)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (s *testServer) waitMembers(t *testing.T, groupID string, n int) []string {
	t.Helper()
	var members []string
	require.Eventually(t, func() bool {
		members = s.hub.MembersOf(groupID)
		return len(members) == n
	}, 2*time.Second, 5*time.Millisecond)
	return members
}

func waitEntry(t *testing.T, c *Client, groupID string, match func(Entry) bool) Entry {
	t.Helper()
	var found Entry
	require.Eventually(t, func() bool {
		for _, e := range c.Store().Timeline(groupID) {
			if match(e) {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) saw(s ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestSendIsConfirmedForEveryone(t *testing.T) {
	server := startServer(t, nil)
	alice := server.connect(t, "alice", nil)
	bob := server.connect(t, "bob", nil)
	require.NoError(t, alice.Join("g1"))
	require.NoError(t, bob.Join("g1"))
	server.waitMembers(t, "g1", 2)

	tempID, err := alice.Send("g1", "hello", "")
	require.NoError(t, err)

	mine := waitEntry(t, alice, "g1", func(e Entry) bool { return e.State == StateConfirmed })
	require.NotEqual(t, tempID, mine.Message.ID)
	require.Equal(t, "hello", mine.Message.Content)
	require.Len(t, alice.Store().Timeline("g1"), 1)

	theirs := waitEntry(t, bob, "g1", func(e Entry) bool { return e.Message.ID == mine.Message.ID })
	require.Equal(t, "alice", theirs.Message.UserID)
}

func TestRejectedEditIsReverted(t *testing.T) {
	server := startServer(t, nil)
	alice := server.connect(t, "alice", nil)
	bob := server.connect(t, "bob", nil)
	require.NoError(t, alice.Join("g1"))
	require.NoError(t, bob.Join("g1"))
	server.waitMembers(t, "g1", 2)

	_, err := alice.Send("g1", "original", "")
	require.NoError(t, err)
	msg := waitEntry(t, bob, "g1", func(e Entry) bool { return e.State == StateConfirmed })

	require.NoError(t, bob.Edit("g1", msg.Message.ID, "hijacked"))

	require.Eventually(t, func() bool { return len(bob.Store().Failures()) == 1 }, 2*time.Second, 5*time.Millisecond)
	failure := bob.Store().Failures()[0]
	require.Equal(t, ActionEdit, failure.Action.Kind)
	require.Equal(t, "authorization", failure.Code)

	entry, ok := bob.Store().Get(msg.Message.ID)
	require.True(t, ok)
	require.Equal(t, "original", entry.Message.Content)
	require.Equal(t, StateReverted, entry.State)

	mine, _ := alice.Store().Get(msg.Message.ID)
	require.Equal(t, "original", mine.Message.Content)
}

func TestRequestSync(t *testing.T) {
	server := startServer(t, nil)
	alice := server.connect(t, "alice", nil)
	require.NoError(t, alice.Join("g1"))

	_, err := alice.Send("g1", "root", "")
	require.NoError(t, err)
	root := waitEntry(t, alice, "g1", func(e Entry) bool { return e.State == StateConfirmed })
	_, err = alice.Send("g1", "reply", root.Message.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.Store().Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	alice.Store().OpenThread(root.Message.ID)
	require.NoError(t, alice.RequestSync(context.Background(), "g1", root.Message.ID))
	view, ok := alice.Store().Thread(root.Message.ID)
	require.True(t, ok)
	require.Len(t, view.Replies, 1)
	require.Equal(t, "reply", view.Replies[0].Content)

	err = alice.RequestSync(context.Background(), "g1", "missing")
	var failure Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "not_found", failure.Code)
}

type silentHandler struct{}

func (silentHandler) HandleEvent(context.Context, string, string, models.Envelope) {}

func TestRequestSyncTimesOut(t *testing.T) {
	server := startServer(t, silentHandler{})
	c := server.connect(t, "alice", func(cfg *Config) { cfg.SyncTimeout = 50 * time.Millisecond })

	err := c.RequestSync(context.Background(), "g1", "m1")
	require.ErrorIs(t, err, ErrSyncTimeout)
}

func TestReconnectRestoresRoomsAndThreads(t *testing.T) {
	server := startServer(t, nil)
	alice := server.connect(t, "alice", nil)
	bob := server.connect(t, "bob", nil)
	states := &stateRecorder{}
	alice.OnStateChange(states.record)

	require.NoError(t, alice.Join("g1"))
	require.NoError(t, bob.Join("g1"))
	before := server.waitMembers(t, "g1", 2)

	_, err := bob.Send("g1", "root", "")
	require.NoError(t, err)
	root := waitEntry(t, alice, "g1", func(e Entry) bool { return e.Message.Content == "root" })
	require.NoError(t, alice.OpenThread("g1", root.Message.ID))
	require.Eventually(t, func() bool {
		return len(server.hub.Registry().WatchersOf("g1", root.Message.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	server.hub.CloseAll()

	require.Eventually(t, func() bool {
		after := server.hub.MembersOf("g1")
		if len(after) != 2 {
			return false
		}
		for _, id := range after {
			for _, old := range before {
				if id == old {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(server.hub.Registry().WatchersOf("g1", root.Message.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, states.saw(StateReconnecting))
	require.Equal(t, StateConnected, alice.State())

	_, err = bob.Send("g1", "after reconnect", root.Message.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, ok := alice.Store().Thread(root.Message.ID)
		return ok && len(view.Replies) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	server := startServer(t, nil)
	states := &stateRecorder{}
	c := server.connect(t, "alice", func(cfg *Config) { cfg.MaxReconnectAttempts = 3 })
	c.OnStateChange(states.record)

	server.srv.Close()
	server.hub.CloseAll()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, 5*time.Second, 10*time.Millisecond)
	require.True(t, states.saw(StateReconnecting))
	require.True(t, states.saw(StateDisconnected))

	_, err := c.Send("g1", "into the void", "")
	require.True(t, errors.Is(err, ErrNotConnected))
	require.Empty(t, c.Store().Timeline("g1"))
	require.Len(t, c.Store().Failures(), 1)
}

func TestCloseStopsReconnecting(t *testing.T) {
	server := startServer(t, nil)
	c := server.connect(t, "alice", nil)
	require.NoError(t, c.Close())

	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Join("g1"), ErrNotConnected)
}
