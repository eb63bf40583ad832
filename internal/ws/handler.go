package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-realtime/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventPublisher receives connection lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

const lifecycleRoutingKey = "ws_events.rooms"

// Options tunes every connection accepted by a Handler.
type Options struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerMinute int
}

// Handler upgrades HTTP requests into hub connections.
type Handler struct {
	hub       *Hub
	events    EventHandler
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
}

// NewHandler constructs a Handler. publisher may be nil.
func NewHandler(hub *Hub, events EventHandler, publisher EventPublisher, opts Options, logger *zap.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, events: events, publisher: publisher, opts: opts, logger: logger}
}

// Handle upgrades the request. The caller's identity must already be set
// as "userID" on the gin context. An optional groupId query parameter
// joins that room immediately.
func (h *Handler) Handle(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	info := newConnInfo(c.Request, userID)
	conn := newConn(socket, info, h.opts, h.logger)
	if err := h.hub.Register(conn); err != nil {
		h.logger.Error("register connection", zap.String("conn_id", info.ConnID), zap.Error(err))
		_ = socket.Close()
		return
	}
	if groupID := c.Query("groupId"); groupID != "" {
		_ = h.hub.Join(info.ConnID, groupID)
	}
	h.publishLifecycle("ws_connect", info, "")
	h.logger.Info("websocket connected", zap.String("conn_id", info.ConnID), zap.String("user_id", userID))

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	go conn.writePump()
	go func() {
		defer func() {
			cancel()
			h.hub.Disconnect(info.ConnID)
			conn.Close()
			h.publishLifecycle("ws_disconnect", info, "closed")
			h.logger.Info("websocket disconnected", zap.String("conn_id", info.ConnID), zap.String("user_id", userID))
		}()
		conn.readPump(ctx, h.events, h.opts.MaxMessageBytes)
	}()
}

func (h *Handler) publishLifecycle(event string, info ConnInfo, reason string) {
	observability.IncWSEvent(event, "ok")
	if h.publisher == nil {
		return
	}

	envelope := observability.NewConnectionEnvelope(event, observability.ConnectionEvent{
		ConnID:    info.ConnID,
		UserID:    info.UserID,
		DeviceID:  info.DeviceID,
		IP:        info.IP,
		RequestID: info.RequestID,
		Reason:    reason,
	}, info.ConnectedAt)
	err := h.publisher.Publish(context.Background(), lifecycleRoutingKey, envelope)
	if err != nil {
		observability.IncAMQPPublishError()
		h.logger.Warn("publish lifecycle event", zap.String("event", event), zap.Error(err))
	}
}
