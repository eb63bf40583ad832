package ws

import (
	"encoding/json"

	"go.uber.org/zap"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Relay forwards room traffic to other nodes serving the same rooms.
type Relay interface {
	Publish(roomID, parentID string, payload []byte) error
}

// Hub is the broadcast handle passed to event handlers. It owns the
// registry for this process and evicts members that fall behind.
type Hub struct {
	registry *Registry
	relay    Relay
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{registry: NewRegistry(), logger: logger}
}

// SetRelay enables cross-node delivery. It must be called before the hub
// serves connections.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Register(m Member) error {
	if err := h.registry.Register(m); err != nil {
		return err
	}
	h.updateGauges()
	return nil
}

func (h *Hub) Join(connID, roomID string) error {
	if err := h.registry.Join(connID, roomID); err != nil {
		return err
	}
	h.updateGauges()
	return nil
}

func (h *Hub) Leave(connID, roomID string) {
	h.registry.Leave(connID, roomID)
	h.updateGauges()
}

func (h *Hub) Watch(connID, roomID, parentID string) error {
	return h.registry.Watch(connID, roomID, parentID)
}

func (h *Hub) Unwatch(connID, roomID, parentID string) {
	h.registry.Unwatch(connID, roomID, parentID)
}

func (h *Hub) UnwatchThread(roomID, parentID string) {
	h.registry.UnwatchThread(roomID, parentID)
}

// CloseAll closes every local connection, used on shutdown. Cleanup runs
// as each read pump exits.
func (h *Hub) CloseAll() {
	for _, m := range h.registry.Conns() {
		m.Close()
	}
}

func (h *Hub) MembersOf(roomID string) []string {
	return h.registry.MembersOf(roomID)
}

// Disconnect runs membership cleanup for a connection. Only the first call
// per connection has any effect.
func (h *Hub) Disconnect(connID string) bool {
	if !h.registry.Disconnect(connID) {
		return false
	}
	h.updateGauges()
	return true
}

// BroadcastRoom delivers env to every member of roomID on this node and,
// when a relay is set, to the room's members on other nodes.
func (h *Hub) BroadcastRoom(roomID string, env models.Envelope) {
	payload, ok := h.encode(env)
	if !ok {
		return
	}
	h.deliver(roomID, "", payload)
	h.publish(roomID, "", payload)
}

// BroadcastThread delivers env to the members of roomID that have the
// thread rooted at parentID open.
func (h *Hub) BroadcastThread(roomID, parentID string, env models.Envelope) {
	payload, ok := h.encode(env)
	if !ok {
		return
	}
	h.deliver(roomID, parentID, payload)
	h.publish(roomID, parentID, payload)
}

// SendTo delivers env to one local connection.
func (h *Hub) SendTo(connID string, env models.Envelope) bool {
	payload, ok := h.encode(env)
	if !ok {
		return false
	}
	m, sent := h.registry.SendTo(connID, payload)
	if m != nil && !sent {
		h.evict([]Member{m})
	}
	return sent
}

// DeliverRelayed hands a payload received from another node to local
// members only.
func (h *Hub) DeliverRelayed(roomID, parentID string, payload []byte) {
	h.deliver(roomID, parentID, payload)
}

func (h *Hub) deliver(roomID, parentID string, payload []byte) {
	var (
		delivered int
		slow      []Member
		scope     = "room"
	)
	if parentID == "" {
		delivered, slow = h.registry.BroadcastRoom(roomID, payload)
	} else {
		scope = "thread"
		delivered, slow = h.registry.BroadcastThread(roomID, parentID, payload)
	}
	observability.ObserveBroadcast(scope, delivered)
	h.evict(slow)
}

func (h *Hub) publish(roomID, parentID string, payload []byte) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(roomID, parentID, payload); err != nil {
		h.logger.Warn("relay publish failed", zap.String("group_id", roomID), zap.Error(err))
	}
}

// evict removes members whose Send failed. Members that were already
// closing are cleaned up without counting as slow consumers.
func (h *Hub) evict(slow []Member) {
	for _, m := range slow {
		if m.Closed() {
			h.Disconnect(m.ID())
			continue
		}
		if h.Disconnect(m.ID()) {
			observability.IncSlowConsumer()
			h.logger.Warn("dropping slow consumer", zap.String("conn_id", m.ID()), zap.String("user_id", m.UserID()))
		}
		m.Close()
	}
}

func (h *Hub) encode(env models.Envelope) ([]byte, bool) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode envelope", zap.String("event", env.Event), zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (h *Hub) updateGauges() {
	conns, rooms := h.registry.Counts()
	observability.SetWSGauges(conns, rooms)
}
