package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/locks"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

func setupRESTRouter(handler *RESTHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/groups/:group_id/messages", handler.GetGroupMessages)
	r.GET("/messages/:message_id/thread", handler.GetThread)
	r.GET("/rooms/:group_id/members", handler.GetRoomMembers)
	return r
}

func TestGetGroupMessagesSuccess(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	f.post(t, a, "g1", "one", "")
	f.post(t, a, "g1", "two", "")
	router := setupRESTRouter(NewRESTHandler(f.gateway, f.threads, f.hub, nil))

	req := httptest.NewRequest(http.MethodGet, "/groups/g1/messages?limit=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 1)
	require.Equal(t, "two", body.Messages[0].Content)
}

func TestGetGroupMessagesInvalidLimit(t *testing.T) {
	gateway := new(mocks.GatewayMock)
	router := setupRESTRouter(NewRESTHandler(gateway, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/groups/g1/messages?limit=bad", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	gateway.AssertNotCalled(t, "ListGroupMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetGroupMessagesStorageFailure(t *testing.T) {
	gateway := new(mocks.GatewayMock)
	gateway.On("ListGroupMessages", mock.Anything, "g1", repositories.DefaultListLimit).Return(nil, errors.New("too many clients")).Once()
	router := setupRESTRouter(NewRESTHandler(gateway, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/groups/g1/messages", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "req-7")
	require.NotContains(t, rec.Body.String(), "too many clients")
	gateway.AssertExpectations(t)
}

func TestGetThread(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "ua", "g1")
	root := f.post(t, a, "g1", "root", "")
	reply := f.post(t, a, "g1", "reply", root.ID)
	router := setupRESTRouter(NewRESTHandler(f.gateway, f.threads, f.hub, nil))

	req := httptest.NewRequest(http.MethodGet, "/messages/"+root.ID+"/thread", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var state models.ThreadState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, root.ID, state.Message.ID)
	require.Equal(t, []string{reply.ID}, replyIDs(state))
}

func TestGetThreadNotFound(t *testing.T) {
	gateway := repositories.NewMemoryGateway()
	threads := NewSynchronizer(gateway, nil, locks.NewKeyed(), nil)
	router := setupRESTRouter(NewRESTHandler(gateway, threads, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/messages/missing/thread", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRoomMembers(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a", "ua", "g1")
	f.connect(t, "b", "ub", "g1")
	router := setupRESTRouter(NewRESTHandler(f.gateway, f.threads, f.hub, nil))

	req := httptest.NewRequest(http.MethodGet, "/rooms/g1/members", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"groupId":"g1","members":2}`, rec.Body.String())
}
