// Package wstest provides an in-memory hub member for tests.
package wstest

import (
	"encoding/json"
	"sync"

	"chat-realtime/internal/models"
)

// Member records every frame it is sent.
type Member struct {
	id       string
	userID   string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewMember returns a member that accepts any number of frames.
func NewMember(id, userID string) *Member {
	return &Member{id: id, userID: userID}
}

// NewLimitedMember returns a member that refuses frames once it holds
// capacity of them, like a connection whose send buffer filled up.
func NewLimitedMember(id, userID string, capacity int) *Member {
	return &Member{id: id, userID: userID, capacity: capacity}
}

func (m *Member) ID() string     { return m.id }
func (m *Member) UserID() string { return m.userID }

func (m *Member) Send(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.capacity > 0 && len(m.frames) >= m.capacity {
		return false
	}
	m.frames = append(m.frames, append([]byte(nil), payload...))
	return true
}

func (m *Member) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Member) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Envelopes decodes every recorded frame in arrival order.
func (m *Member) Envelopes() []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Envelope, 0, len(m.frames))
	for _, f := range m.frames {
		var env models.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Events returns the event names received, in order.
func (m *Member) Events() []string {
	envs := m.Envelopes()
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Event)
	}
	return out
}

// Received returns every envelope with the given event name.
func (m *Member) Received(event string) []models.Envelope {
	var out []models.Envelope
	for _, env := range m.Envelopes() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent envelope with the given event name.
func (m *Member) Last(event string) (models.Envelope, bool) {
	envs := m.Received(event)
	if len(envs) == 0 {
		return models.Envelope{}, false
	}
	return envs[len(envs)-1], true
}

// Reset forgets recorded frames.
func (m *Member) Reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}
