package observability

import "time"

// EventEnvelope wraps lifecycle events published to the message bus.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// ConnectionEvent is the payload of a ws_events envelope.
type ConnectionEvent struct {
	ConnID     string `json:"conn_id"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	RequestID  string `json:"request_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// NewConnectionEnvelope stamps a connection lifecycle event with the time
// the connection has been open.
func NewConnectionEnvelope(name string, ev ConnectionEvent, connectedAt time.Time) EventEnvelope {
	if !connectedAt.IsZero() {
		ev.DurationMS = time.Since(connectedAt).Milliseconds()
	}
	return EventEnvelope{EventType: "ws_events", EventName: name, Payload: ev}
}
