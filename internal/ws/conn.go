package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventHandler processes one decoded client frame. It owns error
// reporting for the intent; the connection keeps reading afterwards.
type EventHandler interface {
	HandleEvent(ctx context.Context, connID, userID string, env models.Envelope)
}

// Conn is a websocket client. Frames are queued on send by the hub and
// written by writePump; intents are read and handled one at a time by
// readPump.
type Conn struct {
	info    ConnInfo
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newConn(ws *websocket.Conn, info ConnInfo, opts Options, logger *zap.Logger) *Conn {
	c := &Conn{
		info:   info,
		ws:     ws,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID)),
	}
	if opts.MessagesPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MessagesPerMinute)), opts.MessagesPerMinute)
	}
	return c
}

func (c *Conn) ID() string     { return c.info.ConnID }
func (c *Conn) UserID() string { return c.info.UserID }

// Send queues payload without blocking. It returns false once the buffer
// is full or the connection is closing.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket and in turn ends the
// read pump.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readPump(ctx context.Context, events EventHandler, maxBytes int64) {
	c.ws.SetReadLimit(maxBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.reject("", apperr.Validation("malformed event"))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reject(env.RequestID, apperr.Validation("rate limited"))
			continue
		}
		events.HandleEvent(ctx, c.info.ConnID, c.info.UserID, env)
	}
}

func (c *Conn) reject(requestID string, err *apperr.Error) {
	payload, _ := json.Marshal(models.ErrorEnvelope(requestID, string(err.Kind), err.Msg))
	c.Send(payload)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is already queued so a closing connection still
// receives frames that were accepted for it.
func (c *Conn) flush() {
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
