package ws

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnknownConn   = errors.New("unknown connection")
	ErrConnClosed    = errors.New("connection closed")
	ErrDuplicateConn = errors.New("connection already registered")
	ErrNotInRoom     = errors.New("connection has not joined room")
)

// Member is a connection that can receive room traffic. Send must not
// block; it reports false when the member cannot accept more frames.
type Member interface {
	ID() string
	UserID() string
	Send(payload []byte) bool
	Close()
	// Closed reports whether Close has been called.
	Closed() bool
}

// Registry is the membership ledger: which connections are in which rooms,
// and which of them currently have a thread open.
//
// Lock order is connState.mu, then Registry.mu, then room.mu. Every
// mutation of a connection's rooms happens under that connection's lock,
// so join, leave and disconnect for one connection never interleave.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	conns map[string]*connState
}

type connState struct {
	member Member
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

type room struct {
	mu       sync.Mutex
	members  map[string]Member
	watchers map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]*connState),
	}
}

// Register makes a connection known to the registry. It must be called
// before the connection can join any room.
func (r *Registry) Register(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[m.ID()]; ok {
		return ErrDuplicateConn
	}
	r.conns[m.ID()] = &connState{member: m, rooms: make(map[string]struct{})}
	return nil
}

func (r *Registry) conn(connID string) *connState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Join adds the connection to roomID. Joining twice is a no-op.
func (r *Registry) Join(connID, roomID string) error {
	cs := r.conn(connID)
	if cs == nil {
		return ErrUnknownConn
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return ErrConnClosed
	}
	if _, ok := cs.rooms[roomID]; ok {
		return nil
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			members:  make(map[string]Member),
			watchers: make(map[string]map[string]struct{}),
		}
		r.rooms[roomID] = rm
	}
	rm.mu.Lock()
	rm.members[connID] = cs.member
	rm.mu.Unlock()
	r.mu.Unlock()

	cs.rooms[roomID] = struct{}{}
	return nil
}

// Leave removes the connection from roomID along with any thread interest
// it had there. Leaving a room that was never joined does nothing.
func (r *Registry) Leave(connID, roomID string) {
	cs := r.conn(connID)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.rooms[roomID]; !ok {
		return
	}
	r.removeLocked(connID, roomID)
	delete(cs.rooms, roomID)
}

// removeLocked drops connID from roomID. The caller holds the connection's
// lock.
func (r *Registry) removeLocked(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, connID)
	for parentID, set := range rm.watchers {
		delete(set, connID)
		if len(set) == 0 {
			delete(rm.watchers, parentID)
		}
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// Disconnect removes the connection from every room it joined and forgets
// it. It returns true only for the call that performed the cleanup.
func (r *Registry) Disconnect(connID string) bool {
	cs := r.conn(connID)
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.closed = true
	for roomID := range cs.rooms {
		r.removeLocked(connID, roomID)
	}
	cs.rooms = map[string]struct{}{}

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	return true
}

// MembersOf returns the ids of the connections currently in roomID, sorted.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	rm.mu.Lock()
	r.mu.RUnlock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the rooms connID has joined, sorted.
func (r *Registry) RoomsOf(connID string) []string {
	cs := r.conn(connID)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ids := make([]string, 0, len(cs.rooms))
	for id := range cs.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch records that connID has the thread rooted at parentID open.
func (r *Registry) Watch(connID, roomID, parentID string) error {
	cs := r.conn(connID)
	if cs == nil {
		return ErrUnknownConn
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.rooms[roomID]; !ok {
		return ErrNotInRoom
	}

	r.mu.RLock()
	rm := r.rooms[roomID]
	rm.mu.Lock()
	r.mu.RUnlock()
	set, ok := rm.watchers[parentID]
	if !ok {
		set = make(map[string]struct{})
		rm.watchers[parentID] = set
	}
	set[connID] = struct{}{}
	rm.mu.Unlock()
	return nil
}

// Unwatch clears connID's interest in the thread rooted at parentID.
func (r *Registry) Unwatch(connID, roomID, parentID string) {
	r.withRoom(roomID, func(rm *room) {
		if set, ok := rm.watchers[parentID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(rm.watchers, parentID)
			}
		}
	})
}

// UnwatchThread clears every watcher of parentID, used once the thread's
// root no longer exists.
func (r *Registry) UnwatchThread(roomID, parentID string) {
	r.withRoom(roomID, func(rm *room) {
		delete(rm.watchers, parentID)
	})
}

// WatchersOf returns the connections in roomID with parentID open, sorted.
func (r *Registry) WatchersOf(roomID, parentID string) []string {
	var ids []string
	r.withRoom(roomID, func(rm *room) {
		for id := range rm.watchers[parentID] {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// BroadcastRoom enqueues payload for every member of roomID. The room stays
// locked while enqueueing, so payloads broadcast one after another reach
// every member in that order. Members that could not accept the frame are
// returned for the caller to evict.
func (r *Registry) BroadcastRoom(roomID string, payload []byte) (delivered int, slow []Member) {
	r.withRoom(roomID, func(rm *room) {
		for _, m := range rm.members {
			if m.Send(payload) {
				delivered++
			} else {
				slow = append(slow, m)
			}
		}
	})
	return delivered, slow
}

// BroadcastThread enqueues payload for the members of roomID watching
// parentID.
func (r *Registry) BroadcastThread(roomID, parentID string, payload []byte) (delivered int, slow []Member) {
	r.withRoom(roomID, func(rm *room) {
		for id := range rm.watchers[parentID] {
			m, ok := rm.members[id]
			if !ok {
				continue
			}
			if m.Send(payload) {
				delivered++
			} else {
				slow = append(slow, m)
			}
		}
	})
	return delivered, slow
}

// SendTo enqueues payload for a single connection.
func (r *Registry) SendTo(connID string, payload []byte) (Member, bool) {
	cs := r.conn(connID)
	if cs == nil {
		return nil, false
	}
	return cs.member, cs.member.Send(payload)
}

// Conns returns every registered connection.
func (r *Registry) Conns() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.conns))
	for _, cs := range r.conns {
		out = append(out, cs.member)
	}
	return out
}

// Counts reports the number of registered connections and live rooms.
func (r *Registry) Counts() (conns, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}

func (r *Registry) withRoom(roomID string, fn func(rm *room)) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	rm.mu.Lock()
	r.mu.RUnlock()
	defer rm.mu.Unlock()
	fn(rm)
}
