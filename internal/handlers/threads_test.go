package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
)

func TestReplyRebroadcastsThreadToWatchersOnly(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	b := f.connect(t, "b", "ub", "g1")
	root := f.post(t, a, "g1", "root", "")

	f.send(t, a, models.EventThreadUpdate, "", models.ThreadPayload{GroupID: "g1", MessageID: root.ID, IsOpen: true})
	a.Reset()
	b.Reset()

	reply := f.post(t, b, "g1", "reply from b", root.ID)

	env, ok := a.Last(models.EventThreadState)
	require.True(t, ok, "watcher should receive thread_state")
	state := decodeAs[models.ThreadState](t, env)
	require.Equal(t, root.ID, state.Message.ID)
	require.Equal(t, 1, state.Message.ReplyCount)
	require.Equal(t, []string{reply.ID}, replyIDs(state))
	require.True(t, state.IsOpen)

	require.Equal(t, []string{models.EventMessage}, b.Events())
}

func TestThreadUpdateGoesToWholeRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	b := f.connect(t, "b", "ub", "g1")
	root := f.post(t, a, "g1", "root", "")

	f.send(t, a, models.EventThreadUpdate, "r1", models.ThreadPayload{GroupID: "g1", MessageID: root.ID, IsOpen: true})

	for _, m := range []interface {
		Last(string) (models.Envelope, bool)
	}{a, b} {
		env, ok := m.Last(models.EventThreadState)
		require.True(t, ok)
		require.Equal(t, root.ID, decodeAs[models.ThreadState](t, env).Message.ID)
	}
	require.Equal(t, []string{"a"}, f.hub.Registry().WatchersOf("g1", root.ID))

	f.send(t, a, models.EventThreadUpdate, "r2", models.ThreadPayload{GroupID: "g1", MessageID: root.ID, IsOpen: false})
	require.Empty(t, f.hub.Registry().WatchersOf("g1", root.ID))
}

func TestThreadSyncAnswersRequesterOnly(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	b := f.connect(t, "b", "ub", "g1")
	root := f.post(t, a, "g1", "root", "")
	first := f.post(t, b, "g1", "first", root.ID)
	second := f.post(t, a, "g1", "second", root.ID)
	a.Reset()
	b.Reset()

	f.send(t, a, models.EventThreadSync, "sync-1", models.ThreadPayload{GroupID: "g1", MessageID: root.ID})

	env, ok := a.Last(models.EventThreadSync)
	require.True(t, ok)
	require.Equal(t, "sync-1", env.RequestID)
	state := decodeAs[models.ThreadState](t, env)
	require.Equal(t, []string{first.ID, second.ID}, replyIDs(state))
	require.True(t, state.IsOpen)
	require.Empty(t, b.Envelopes())
	require.Equal(t, []string{"a"}, f.hub.Registry().WatchersOf("g1", root.ID))
}

func TestThreadSyncErrors(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1", "g2")
	root := f.post(t, a, "g1", "root", "")
	reply := f.post(t, a, "g1", "reply", root.ID)

	cases := []struct {
		name    string
		payload models.ThreadPayload
		kind    apperr.Kind
	}{
		{"unknown parent", models.ThreadPayload{GroupID: "g1", MessageID: "nope"}, apperr.KindNotFound},
		{"other group", models.ThreadPayload{GroupID: "g2", MessageID: root.ID}, apperr.KindNotFound},
		{"reply as root", models.ThreadPayload{GroupID: "g1", MessageID: reply.ID}, apperr.KindValidation},
		{"missing id", models.ThreadPayload{GroupID: "g1"}, apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a.Reset()
			f.send(t, a, models.EventThreadSync, "", tc.payload)
			_, payload := lastError(t, a)
			require.Equal(t, string(tc.kind), payload.Code)
			require.Empty(t, a.Received(models.EventThreadSync))
		})
	}
}

func TestThreadRepliesSortedUnderConcurrentSubmission(t *testing.T) {
	f := newFixture(t)
	f.pipeline.now = func() time.Time { return time.Now().UTC() }
	a := f.connect(t, "a", "ua", "g1")
	root := f.post(t, a, "g1", "root", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Submit(context.Background(), Actor{ConnID: "a", UserID: "ua"}, "g1", models.MessageDraft{
				Content:  fmt.Sprintf("reply %d", i),
				ParentID: root.ID,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for n := 0; n < 5; n++ {
		state, err := f.threads.Snapshot(context.Background(), root.ID, true)
		require.NoError(t, err)
		require.Len(t, state.Replies, 20)
		require.True(t, sort.SliceIsSorted(state.Replies, func(i, j int) bool {
			return state.Replies[i].CreatedAt.Before(state.Replies[j].CreatedAt)
		}))
		require.Equal(t, 20, state.Message.ReplyCount)
	}
}

func TestThreadTiesKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := f.connect(t, "a", "ua", "g1")
	root := f.post(t, a, "g1", "root", "")
	f.pipeline.now = func() time.Time { return fixed }

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, f.post(t, a, "g1", fmt.Sprintf("tie %d", i), root.ID).ID)
	}

	state, err := f.threads.Snapshot(context.Background(), root.ID, true)
	require.NoError(t, err)
	require.Equal(t, want, replyIDs(state))
}

func TestRebroadcastDropsWatchersOfMissingThread(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	require.NoError(t, f.hub.Watch("a", "g1", "gone"))

	f.threads.Rebroadcast(context.Background(), "g1", "gone")

	require.Empty(t, f.hub.Registry().WatchersOf("g1", "gone"))
	require.Empty(t, a.Received(models.EventThreadState))
}
