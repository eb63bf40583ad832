package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chat-realtime/internal/observability"
)

// Deliverer receives room traffic published by other nodes.
type Deliverer interface {
	DeliverRelayed(roomID, parentID string, payload []byte)
}

// envelope is the wire form of a relayed broadcast. Payload is the
// already-encoded server event, forwarded byte for byte.
type envelope struct {
	NodeID   string          `json:"nodeId"`
	RoomID   string          `json:"roomId"`
	ParentID string          `json:"parentId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// NATS relays room broadcasts between nodes over core NATS subjects
// <prefix>.<room>. Each node subscribes to the whole prefix and drops
// its own publications.
type NATS struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	prefix  string
	nodeID  string
	target  Deliverer
	logger  *zap.Logger
	publish func(subject string, data []byte) error
}

// Connect dials url and starts delivering remote traffic to target.
func Connect(url, prefix string, target Deliverer, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("chat-realtime"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r := newNATS(prefix, target, logger)
	r.nc = nc
	r.publish = nc.Publish
	r.sub, err = nc.Subscribe(prefix+".>", r.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	logger.Info("nats relay ready", zap.String("node_id", r.nodeID), zap.String("prefix", prefix))
	return r, nil
}

func newNATS(prefix string, target Deliverer, logger *zap.Logger) *NATS {
	return &NATS{
		prefix: strings.TrimSuffix(prefix, "."),
		nodeID: uuid.NewString(),
		target: target,
		logger: logger,
	}
}

// NodeID identifies this process in relayed envelopes.
func (r *NATS) NodeID() string { return r.nodeID }

// Publish forwards a local room broadcast to the other nodes.
func (r *NATS) Publish(roomID, parentID string, payload []byte) error {
	data, err := json.Marshal(envelope{
		NodeID:   r.nodeID,
		RoomID:   roomID,
		ParentID: parentID,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	if err := r.publish(r.subject(roomID), data); err != nil {
		return err
	}
	observability.IncRelay("out")
	return nil
}

func (r *NATS) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("dropping malformed relay message", zap.String("subject", msg.Subject), zap.Error(err))
		observability.IncRelay("malformed")
		return
	}
	if env.NodeID == r.nodeID {
		return
	}
	if env.RoomID == "" || len(env.Payload) == 0 {
		observability.IncRelay("malformed")
		return
	}
	observability.IncRelay("in")
	r.target.DeliverRelayed(env.RoomID, env.ParentID, env.Payload)
}

// subject maps a room id onto a single NATS token. The envelope carries
// the exact room id, so the mapping only has to be stable.
func (r *NATS) subject(roomID string) string {
	token := strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return c
	}, roomID)
	return r.prefix + "." + token
}

// Close unsubscribes and drains the connection.
func (r *NATS) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		return r.nc.Drain()
	}
	return nil
}
