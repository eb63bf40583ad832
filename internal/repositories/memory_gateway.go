package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
)

// MemoryGateway keeps everything in process memory. It backs local
// development and tests, and can be told to fail the next call to a given
// operation.
type MemoryGateway struct {
	mu       sync.Mutex
	seq      int64
	messages map[string]*models.Message
	groups   map[string]models.Group
	failures map[string][]error
	calls    map[string]int
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		messages: make(map[string]*models.Message),
		groups:   make(map[string]models.Group),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call to op return err.
func (g *MemoryGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

// Calls reports how many times op was invoked, failed calls included.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// enter records a call and pops an injected failure. Callers hold g.mu.
func (g *MemoryGateway) enter(op string) error {
	g.calls[op]++
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	g.failures[op] = queue[1:]
	return queue[0]
}

func (g *MemoryGateway) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpCreateMessage); err != nil {
		return models.Message{}, err
	}
	g.seq++
	stored := msg.Clone()
	stored.Seq = g.seq
	stored.TempID = ""
	if stored.Reactions == nil {
		stored.Reactions = models.Reactions{}
	}
	g.messages[stored.ID] = &stored
	return stored.Clone(), nil
}

func (g *MemoryGateway) live(id string) (*models.Message, bool) {
	m, ok := g.messages[id]
	if !ok || m.Deleted {
		return nil, false
	}
	return m, true
}

func (g *MemoryGateway) GetMessage(ctx context.Context, id string) (models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpGetMessage); err != nil {
		return models.Message{}, err
	}
	m, ok := g.live(id)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (g *MemoryGateway) UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpUpdateMessage); err != nil {
		return models.Message{}, err
	}
	m, ok := g.live(id)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if update.Content != nil {
		m.Content = *update.Content
	}
	if update.Edited {
		m.Edited = true
	}
	m.ReplyCount += update.ReplyCountDelta
	if m.ReplyCount < 0 {
		m.ReplyCount = 0
	}
	m.UpdatedAt = time.Now().UTC()
	return m.Clone(), nil
}

func (g *MemoryGateway) DeleteMessage(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpDeleteMessage); err != nil {
		return err
	}
	m, ok := g.live(id)
	if !ok {
		return ErrMessageNotFound
	}
	m.Deleted = true
	if !m.IsReply() {
		for _, reply := range g.messages {
			if reply.ParentID == id {
				reply.Deleted = true
			}
		}
	}
	return nil
}

func (g *MemoryGateway) GetRepliesForMessage(ctx context.Context, parentID string) ([]models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpGetReplies); err != nil {
		return nil, err
	}
	replies := []models.Message{}
	for _, m := range g.messages {
		if m.ParentID == parentID && !m.Deleted {
			replies = append(replies, m.Clone())
		}
	}
	sortChronological(replies)
	return replies, nil
}

func (g *MemoryGateway) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpListGroupMessages); err != nil {
		return nil, err
	}
	roots := []models.Message{}
	for _, m := range g.messages {
		if m.GroupID == groupID && !m.IsReply() && !m.Deleted {
			roots = append(roots, m.Clone())
		}
	}
	sortChronological(roots)
	if limit = normalizeLimit(limit); len(roots) > limit {
		roots = roots[len(roots)-limit:]
	}
	return roots, nil
}

func (g *MemoryGateway) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpAddReaction); err != nil {
		return err
	}
	m, ok := g.live(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	m.Reactions, _ = m.Reactions.Apply(userID, emoji, true)
	return nil
}

func (g *MemoryGateway) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpRemoveReaction); err != nil {
		return err
	}
	m, ok := g.live(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	m.Reactions, _ = m.Reactions.Apply(userID, emoji, false)
	return nil
}

func (g *MemoryGateway) GetGroupByID(ctx context.Context, id string) (models.Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpGetGroup); err != nil {
		return models.Group{}, err
	}
	group, ok := g.groups[id]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	return group, nil
}

func (g *MemoryGateway) UpdateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpUpdateGroup); err != nil {
		return models.Group{}, err
	}
	stored, ok := g.groups[group.ID]
	if !ok {
		stored = models.Group{ID: group.ID, CreatedAt: time.Now().UTC()}
	}
	if group.Name != "" {
		stored.Name = group.Name
	}
	if group.LastActivityAt != nil {
		ts := *group.LastActivityAt
		stored.LastActivityAt = &ts
	}
	g.groups[group.ID] = stored
	return stored, nil
}

// sortChronological orders by timestamp, then by insertion sequence.
func sortChronological(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
