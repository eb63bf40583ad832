package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/repositories"
)

// MemberLister reports the local members of a room.
type MemberLister interface {
	MembersOf(roomID string) []string
}

// RESTHandler serves read-only views over the same projections the
// websocket events use.
type RESTHandler struct {
	gateway repositories.Gateway
	threads *Synchronizer
	rooms   MemberLister
	logger  *zap.Logger
}

// NewRESTHandler constructs a RESTHandler.
func NewRESTHandler(gateway repositories.Gateway, threads *Synchronizer, rooms MemberLister, logger *zap.Logger) *RESTHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTHandler{gateway: gateway, threads: threads, rooms: rooms, logger: logger}
}

// GetGroupMessages returns the newest root messages of a group.
func (h *RESTHandler) GetGroupMessages(c *gin.Context) {
	groupID := c.Param("group_id")
	limit := repositories.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	msgs, err := h.gateway.ListGroupMessages(c.Request.Context(), groupID, limit)
	if err != nil {
		h.writeError(c, gatewayError(err, "list messages"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "messages": msgs})
}

// GetThread returns the thread rooted at message_id.
func (h *RESTHandler) GetThread(c *gin.Context) {
	state, err := h.threads.Snapshot(c.Request.Context(), c.Param("message_id"), false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetRoomMembers reports how many local connections are in a room.
func (h *RESTHandler) GetRoomMembers(c *gin.Context) {
	groupID := c.Param("group_id")
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "members": len(h.rooms.MembersOf(groupID))})
}

func (h *RESTHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}
	requestID := requestIDFromContext(c)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.Message(err), "request_id": requestID})
}
