package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-realtime/internal/models"
)

// State is the reconciliation state of one local message.
type State int

const (
	StateOptimistic State = iota
	StateConfirmed
	StateReverted
)

func (s State) String() string {
	switch s {
	case StateOptimistic:
		return "optimistic"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// ActionKind names a user action that is applied optimistically.
type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionReact
	ActionEdit
	ActionDelete
)

func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "send"
	case ActionReact:
		return "react"
	case ActionEdit:
		return "edit"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Action is one user intent as the local store sees it.
type Action struct {
	Kind      ActionKind
	RequestID string
	GroupID   string

	// MessageID is the target of react, edit and delete.
	MessageID string

	// TempID identifies an optimistic send until the server echoes it.
	TempID   string
	Content  string
	ParentID string

	Emoji string
	Add   bool
}

// Entry is a message as currently shown to the user.
type Entry struct {
	Message models.Message
	State   State
}

// Failure describes a reverted action.
type Failure struct {
	Action  Action
	Code    string
	Message string
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s failed: [%s] %s", f.Action.Kind, f.Code, f.Message)
}

type pending struct {
	action Action
	// id is the local key of the affected entry.
	id string
	// before is the entry as it was prior to the action; nil for sends.
	before *Entry
	// index is the timeline position of a root before an optimistic
	// delete removed it.
	index int
}

// Store is the client-side reducer. Optimistic actions mutate it
// immediately; authoritative server events always overwrite it; errors
// tied to an action restore what the action changed.
type Store struct {
	mu       sync.Mutex
	userID   string
	now      func() time.Time
	entries  map[string]*Entry
	timeline map[string][]string
	pending  map[string]pending
	threads  map[string]*models.ThreadState
	failures []Failure
	onFail   func(Failure)
}

// NewStore returns an empty store acting on behalf of userID.
func NewStore(userID string) *Store {
	return &Store{
		userID:   userID,
		now:      time.Now,
		entries:  make(map[string]*Entry),
		timeline: make(map[string][]string),
		pending:  make(map[string]pending),
		threads:  make(map[string]*models.ThreadState),
	}
}

// OnFailure registers a callback invoked, outside the store lock, for
// every reverted action.
func (s *Store) OnFailure(fn func(Failure)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = fn
}

// ApplyOptimistic applies a to local state and returns the id of the
// affected entry (the temp id for sends). Actions that need a RequestID
// get one assigned if missing; the assigned action is returned too.
func (s *Store) ApplyOptimistic(a Action) (string, Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.RequestID == "" {
		a.RequestID = uuid.NewString()
	}

	switch a.Kind {
	case ActionSend:
		if a.TempID == "" {
			a.TempID = "tmp-" + uuid.NewString()
		}
		now := s.now().UTC()
		msg := models.Message{
			ID:        a.TempID,
			TempID:    a.TempID,
			GroupID:   a.GroupID,
			UserID:    s.userID,
			Content:   a.Content,
			ParentID:  a.ParentID,
			Reactions: models.Reactions{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.put(msg, StateOptimistic)
		s.pending[a.RequestID] = pending{action: a, id: a.TempID}
		return a.TempID, a

	case ActionReact, ActionEdit, ActionDelete:
		entry, ok := s.entries[a.MessageID]
		if !ok {
			s.pending[a.RequestID] = pending{action: a, id: a.MessageID}
			return a.MessageID, a
		}
		before := &Entry{Message: entry.Message.Clone(), State: entry.State}
		s.pending[a.RequestID] = pending{action: a, id: a.MessageID, before: before, index: s.position(entry.Message)}

		msg := entry.Message.Clone()
		switch a.Kind {
		case ActionReact:
			msg.Reactions, _ = msg.Reactions.Apply(s.userID, a.Emoji, a.Add)
		case ActionEdit:
			msg.Content = a.Content
			msg.Edited = true
		case ActionDelete:
			s.drop(a.MessageID)
			return a.MessageID, a
		}
		s.put(msg, StateOptimistic)
		return a.MessageID, a
	}
	return "", a
}

// Apply folds one server event into the store. Unknown events are
// ignored. Error events revert the action with the same request id.
func (s *Store) Apply(env models.Envelope) error {
	switch env.Event {
	case models.EventMessage:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		s.confirmMessage(msg)

	case models.EventReactionUpdate:
		var p models.ReactionUpdate
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.confirmPatch(env.RequestID, p.MessageID, func(m *models.Message) {
			m.Reactions = p.Reactions.Clone()
			if m.Reactions == nil {
				m.Reactions = models.Reactions{}
			}
		})

	case models.EventMessageUpdate:
		var p models.MessageUpdated
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.confirmPatch(env.RequestID, p.MessageID, func(m *models.Message) {
			m.Content = p.Content
			m.Edited = p.Edited
		})

	case models.EventMessageDelete:
		var p models.MessageDeleted
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.confirmDelete(env.RequestID, p)

	case models.EventThreadState, models.EventThreadSync:
		var state models.ThreadState
		if err := env.Decode(&state); err != nil {
			return err
		}
		s.applyThread(state)

	case models.EventError:
		var p models.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.Revert(env.RequestID, p.Code, p.Message)
	}
	return nil
}

// Revert undoes the optimistic action tagged requestID. It reports
// whether such an action was still pending.
func (s *Store) Revert(requestID, code, message string) bool {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, requestID)

	switch {
	case p.action.Kind == ActionSend:
		s.drop(p.id)
	case p.before != nil:
		restored := p.before.Message.Clone()
		if _, ok := s.entries[restored.ID]; !ok && !restored.IsReply() {
			s.entries[restored.ID] = &Entry{Message: restored, State: StateReverted}
			s.insertAt(restored.GroupID, restored.ID, p.index)
		} else {
			s.put(restored, StateReverted)
		}
	}

	failure := Failure{Action: p.action, Code: code, Message: message}
	s.failures = append(s.failures, failure)
	fn := s.onFail
	s.mu.Unlock()

	if fn != nil {
		fn(failure)
	}
	return true
}

// Failures returns every reverted action so far, oldest first.
func (s *Store) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failures...)
}

// Pending reports how many optimistic actions await the server.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Message: e.Message.Clone(), State: e.State}, true
}

// Timeline returns the root messages of a group in display order:
// confirmed messages in the order the server sent them, then
// still-optimistic sends.
func (s *Store) Timeline(groupID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.timeline[groupID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, Entry{Message: e.Message.Clone(), State: e.State})
		}
	}
	return out
}

// OpenThread starts tracking the thread view for parentID. The view is
// empty until a thread_sync or thread_state arrives.
func (s *Store) OpenThread(parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[parentID]; !ok {
		s.threads[parentID] = &models.ThreadState{IsOpen: true, Replies: []models.Message{}}
	}
}

// CloseThread discards the thread view for parentID.
func (s *Store) CloseThread(parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, parentID)
}

// OpenThreads lists the parents of every open thread view.
func (s *Store) OpenThreads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	return out
}

// Thread returns the current view of an open thread.
func (s *Store) Thread(parentID string) (models.ThreadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.threads[parentID]
	if !ok {
		return models.ThreadState{}, false
	}
	out := models.ThreadState{IsOpen: view.IsOpen, Replies: make([]models.Message, 0, len(view.Replies))}
	if view.Message != nil {
		parent := view.Message.Clone()
		out.Message = &parent
	}
	for _, r := range view.Replies {
		out.Replies = append(out.Replies, r.Clone())
	}
	return out, true
}

func (s *Store) confirmMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.TempID != "" {
		for reqID, p := range s.pending {
			if p.action.Kind == ActionSend && p.id == msg.TempID {
				delete(s.pending, reqID)
			}
		}
		if _, ok := s.entries[msg.TempID]; ok && msg.TempID != msg.ID {
			s.drop(msg.TempID)
		}
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	if _, ok := s.entries[msg.ID]; ok {
		s.drop(msg.ID)
	}
	s.put(msg, StateConfirmed)
}

// confirmPatch applies a server update to message id. Only the pending
// action carrying requestID is settled; other pending actions on the same
// message now revert to the updated server state.
func (s *Store) confirmPatch(requestID, id string, patch func(*models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPending(requestID)

	if e, ok := s.entries[id]; ok {
		msg := e.Message.Clone()
		patch(&msg)
		s.put(msg, StateConfirmed)
		s.rebase(id, &msg)
	}
	for _, view := range s.threads {
		if view.Message != nil && view.Message.ID == id {
			patch(view.Message)
		}
		for i := range view.Replies {
			if view.Replies[i].ID == id {
				patch(&view.Replies[i])
			}
		}
	}
}

func (s *Store) confirmDelete(requestID string, p models.MessageDeleted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPending(requestID)
	s.rebase(p.MessageID, nil)
	s.drop(p.MessageID)
	for id, e := range s.entries {
		if e.Message.ParentID == p.MessageID {
			s.rebase(id, nil)
			delete(s.entries, id)
		}
	}
	delete(s.threads, p.MessageID)
	if view, ok := s.threads[p.ParentID]; ok {
		view.Replies = removeReply(view.Replies, p.MessageID)
	}
}

func (s *Store) applyThread(state models.ThreadState) {
	if state.Message == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := state.Message.Clone()
	if e, ok := s.entries[parent.ID]; ok && e.State != StateOptimistic {
		s.put(parent, StateConfirmed)
	}

	view, ok := s.threads[parent.ID]
	if !ok {
		return
	}
	view.Message = &parent
	view.Replies = make([]models.Message, 0, len(state.Replies))
	for _, r := range state.Replies {
		view.Replies = append(view.Replies, r.Clone())
	}
	// Sends still in flight are not part of the server's view yet.
	for _, p := range s.pending {
		if p.action.Kind != ActionSend || p.action.ParentID != parent.ID {
			continue
		}
		if e, ok := s.entries[p.id]; ok {
			view.Replies = append(view.Replies, e.Message.Clone())
		}
	}
}

func (s *Store) clearPending(requestID string) {
	if requestID != "" {
		delete(s.pending, requestID)
	}
}

// rebase points the revert snapshot of every pending react, edit or
// delete on id at msg. A nil msg means the message is gone and a revert
// has nothing to restore.
func (s *Store) rebase(id string, msg *models.Message) {
	for reqID, p := range s.pending {
		if p.id != id || p.action.Kind == ActionSend || p.before == nil {
			continue
		}
		if msg == nil {
			p.before = nil
		} else {
			p.before = &Entry{Message: msg.Clone(), State: StateConfirmed}
		}
		s.pending[reqID] = p
	}
}

// position returns the timeline index of a root, or -1.
func (s *Store) position(msg models.Message) int {
	if msg.IsReply() {
		return -1
	}
	for i, id := range s.timeline[msg.GroupID] {
		if id == msg.ID {
			return i
		}
	}
	return -1
}

// insertAt places id on its group's timeline at index, clamped to the
// current length.
func (s *Store) insertAt(groupID, id string, index int) {
	ids := s.timeline[groupID]
	if index < 0 || index > len(ids) {
		index = len(ids)
	}
	ids = append(ids, "")
	copy(ids[index+1:], ids[index:])
	ids[index] = id
	s.timeline[groupID] = ids
}

// put stores msg under its id. Replies are mirrored into their open
// thread view. Roots not yet on their group's timeline are placed after
// the last confirmed root when confirmed, and at the end when optimistic.
func (s *Store) put(msg models.Message, state State) {
	if msg.IsReply() {
		if view, ok := s.threads[msg.ParentID]; ok {
			view.Replies = upsertReply(view.Replies, msg)
		}
	}
	if e, ok := s.entries[msg.ID]; ok {
		e.Message = msg
		e.State = state
		return
	}
	s.entries[msg.ID] = &Entry{Message: msg, State: state}
	if msg.IsReply() {
		return
	}

	ids := s.timeline[msg.GroupID]
	at := len(ids)
	if state != StateOptimistic {
		for i, id := range ids {
			if e, ok := s.entries[id]; ok && e.State == StateOptimistic {
				at = i
				break
			}
		}
	}
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = msg.ID
	s.timeline[msg.GroupID] = ids
}

func (s *Store) drop(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	if e.Message.IsReply() {
		if view, ok := s.threads[e.Message.ParentID]; ok {
			view.Replies = removeReply(view.Replies, id)
		}
		return
	}
	ids := s.timeline[e.Message.GroupID]
	for i, existing := range ids {
		if existing == id {
			s.timeline[e.Message.GroupID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func removeReply(replies []models.Message, id string) []models.Message {
	out := replies[:0]
	for _, r := range replies {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func upsertReply(replies []models.Message, msg models.Message) []models.Message {
	for i := range replies {
		if replies[i].ID == msg.ID {
			replies[i] = msg.Clone()
			return replies
		}
	}
	return append(replies, msg.Clone())
}
