package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-realtime/internal/models"
)

// ConnectionState is the transport state surfaced to the user.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateReconnecting
	// StateDisconnected is terminal: reconnect attempts were exhausted.
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrSyncTimeout  = errors.New("thread sync timed out")
	ErrClosed       = errors.New("client is closed")
)

// Config holds client configuration.
type Config struct {
	// URL is the server websocket endpoint, e.g. ws://host/ws.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	SyncTimeout          time.Duration
	WriteTimeout         time.Duration
	// ReadTimeout bounds silence from the server; server pings reset it.
	ReadTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 8,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           10 * time.Second,
		SyncTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          60 * time.Second,
	}
}

// Client keeps one websocket to the server and a Store reconciled
// against it. After a reconnect it rejoins every room and resyncs every
// open thread, since the server keeps nothing across connections.
type Client struct {
	cfg    Config
	store  *Store
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnectionState
	rooms   map[string]struct{}
	threads map[string]string // parent id -> group id
	syncs   map[string]chan error
	onState func(ConnectionState, error)
	onEvent func(models.Envelope)

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a client for userID. Call Connect to dial.
func New(cfg Config, userID string) *Client {
	defaults := DefaultConfig(cfg.URL)
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaults.SyncTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		store:   NewStore(userID),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		rooms:   make(map[string]struct{}),
		threads: make(map[string]string),
		syncs:   make(map[string]chan error),
	}
}

// Store returns the reconciled local state.
func (c *Client) Store() *Store { return c.store }

// OnStateChange registers a callback for transport state transitions.
func (c *Client) OnStateChange(fn func(ConnectionState, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnEvent registers a callback invoked after each server event has been
// applied to the store.
func (c *Client) OnEvent(fn func(models.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// State returns the current transport state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server once. Later transport failures are handled
// by the reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return backoff.Permanent(ErrClosed)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(ErrClosed)
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed server frame", zap.Error(err))
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env models.Envelope) {
	if err := c.store.Apply(env); err != nil {
		c.logger.Warn("apply server event", zap.String("event", env.Event), zap.Error(err))
	}

	if env.RequestID != "" && (env.Event == models.EventThreadSync || env.Event == models.EventError) {
		var result error
		if env.Event == models.EventError {
			var p models.ErrorPayload
			_ = env.Decode(&p)
			result = Failure{Action: Action{RequestID: env.RequestID}, Code: p.Code, Message: p.Message}
		}
		c.mu.Lock()
		ch, ok := c.syncs[env.RequestID]
		delete(c.syncs, env.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- result
		}
	}

	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.ctx.Err() != nil
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.setState(StateReconnecting, err)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect()
	}()
}

func (c *Client) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return c.dial(c.ctx)
	}
	notify := func(err error, next time.Duration) {
		c.logger.Info("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	retries := uint64(c.cfg.MaxReconnectAttempts - 1)
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), c.ctx), notify)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
		c.setState(StateDisconnected, err)
		return
	}
	c.resubscribe()
}

// resubscribe replays room membership and thread syncs on a fresh
// connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	threads := make(map[string]string, len(c.threads))
	for parent, group := range c.threads {
		threads[parent] = group
	}
	c.mu.Unlock()
	sort.Strings(rooms)

	for _, room := range rooms {
		if err := c.write(models.EventJoinConversation, "", models.ConversationPayload{GroupID: room}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("group_id", room), zap.Error(err))
			return
		}
	}
	for parent, group := range threads {
		if err := c.write(models.EventThreadSync, "", models.ThreadPayload{GroupID: group, MessageID: parent, IsOpen: true}); err != nil {
			c.logger.Warn("thread resync failed", zap.String("message_id", parent), zap.Error(err))
			return
		}
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state, err)
	}
}

func (c *Client) write(event, requestID string, data any) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	env.RequestID = requestID

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(env)
}

// submit applies a optimistically and sends it. A send that cannot
// leave the client is reverted at once.
func (c *Client) submit(a Action, event string, data func(Action) any) (string, error) {
	id, a := c.store.ApplyOptimistic(a)
	if err := c.write(event, a.RequestID, data(a)); err != nil {
		c.store.Revert(a.RequestID, "transport", err.Error())
		return id, err
	}
	return id, nil
}

// Join subscribes to a room. Membership is remembered and replayed
// after reconnects.
func (c *Client) Join(groupID string) error {
	c.mu.Lock()
	c.rooms[groupID] = struct{}{}
	c.mu.Unlock()
	return c.write(models.EventJoinConversation, "", models.ConversationPayload{GroupID: groupID})
}

// Leave unsubscribes from a room and forgets its open threads.
func (c *Client) Leave(groupID string) error {
	c.mu.Lock()
	delete(c.rooms, groupID)
	for parent, group := range c.threads {
		if group == groupID {
			delete(c.threads, parent)
			c.store.CloseThread(parent)
		}
	}
	c.mu.Unlock()
	return c.write(models.EventLeaveConversation, "", models.ConversationPayload{GroupID: groupID})
}

// Send posts content to a group, or to a thread when parentID is set.
// It returns the temp id of the optimistic entry.
func (c *Client) Send(groupID, content, parentID string) (string, error) {
	return c.submit(Action{Kind: ActionSend, GroupID: groupID, Content: content, ParentID: parentID}, models.EventMessage, func(a Action) any {
		return models.MessagePayload{
			GroupID: a.GroupID,
			Message: models.MessageDraft{Content: a.Content, ParentID: a.ParentID, TempID: a.TempID},
		}
	})
}

// React adds or removes the caller's reaction on a message.
func (c *Client) React(groupID, messageID, emoji string, add bool) error {
	_, err := c.submit(Action{Kind: ActionReact, GroupID: groupID, MessageID: messageID, Emoji: emoji, Add: add}, models.EventReaction, func(a Action) any {
		return models.ReactionPayload{GroupID: a.GroupID, MessageID: a.MessageID, Emoji: a.Emoji, Add: a.Add}
	})
	return err
}

// Edit replaces the content of one of the caller's messages.
func (c *Client) Edit(groupID, messageID, content string) error {
	_, err := c.submit(Action{Kind: ActionEdit, GroupID: groupID, MessageID: messageID, Content: content}, models.EventEditMessage, func(a Action) any {
		return models.EditPayload{GroupID: a.GroupID, MessageID: a.MessageID, Content: a.Content}
	})
	return err
}

// Delete removes one of the caller's messages.
func (c *Client) Delete(groupID, messageID string) error {
	_, err := c.submit(Action{Kind: ActionDelete, GroupID: groupID, MessageID: messageID}, models.EventDeleteMessage, func(a Action) any {
		return models.DeletePayload{GroupID: a.GroupID, MessageID: a.MessageID}
	})
	return err
}

// OpenThread opens the thread view for parentID, requests its current
// state and tells the room the thread is open.
func (c *Client) OpenThread(groupID, parentID string) error {
	c.mu.Lock()
	c.threads[parentID] = groupID
	c.mu.Unlock()
	c.store.OpenThread(parentID)

	payload := models.ThreadPayload{GroupID: groupID, MessageID: parentID, IsOpen: true}
	if err := c.write(models.EventThreadSync, "", payload); err != nil {
		return err
	}
	return c.write(models.EventThreadUpdate, "", payload)
}

// CloseThread closes the thread view for parentID.
func (c *Client) CloseThread(groupID, parentID string) error {
	c.mu.Lock()
	delete(c.threads, parentID)
	c.mu.Unlock()
	c.store.CloseThread(parentID)
	return c.write(models.EventThreadUpdate, "", models.ThreadPayload{GroupID: groupID, MessageID: parentID, IsOpen: false})
}

// RequestSync asks for the current state of a thread and waits for the
// answer, at most SyncTimeout.
func (c *Client) RequestSync(ctx context.Context, groupID, parentID string) error {
	requestID := uuid.NewString()
	ch := make(chan error, 1)
	c.mu.Lock()
	c.syncs[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.syncs, requestID)
		c.mu.Unlock()
	}()

	if err := c.write(models.EventThreadSync, requestID, models.ThreadPayload{GroupID: groupID, MessageID: parentID, IsOpen: true}); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.SyncTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
