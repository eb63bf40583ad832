package repositories

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chat-realtime/internal/models"
)

// Key layout:
//
//	msg:<id>                          message record
//	reply:<hex parent>:<ts>:<seq>     -> reply id
//	root:<hex group>:<ts>:<seq>       -> root message id
//	grp:<id>                          group record
//	meta:seq                          last assigned sequence
const (
	msgPrefix   = "msg:"
	replyPrefix = "reply:"
	rootPrefix  = "root:"
	groupPrefix = "grp:"
	seqKey      = "meta:seq"
)

// PebbleGateway stores messages in an embedded Pebble database.
// Read-modify-write operations are serialized by a single mutex.
type PebbleGateway struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq int64
}

type pebbleRecord struct {
	models.Message
	Seq     int64 `json:"seq"`
	Deleted bool  `json:"deleted"`
}

// OpenPebbleGateway opens or creates the database at path. A nil fs uses
// the OS filesystem.
func OpenPebbleGateway(path string, fs vfs.FS) (*PebbleGateway, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	g := &PebbleGateway{db: db}
	raw, err := g.get(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	default:
		seq, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("corrupt sequence: %w", err)
		}
		g.seq = seq
	}
	return g, nil
}

func (g *PebbleGateway) Close() error {
	return g.db.Close()
}

func (g *PebbleGateway) get(key string) ([]byte, error) {
	val, closer, err := g.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// ownerPrefix hex-encodes owner so that no owner id is a key prefix of
// another.
func ownerPrefix(prefix, owner string) string {
	return prefix + hex.EncodeToString([]byte(owner)) + ":"
}

func orderKey(prefix, owner string, ts time.Time, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", ownerPrefix(prefix, owner), ts.UnixNano(), seq))
}

func (g *PebbleGateway) load(id string) (pebbleRecord, error) {
	raw, err := g.get(msgPrefix + id)
	if errors.Is(err, pebble.ErrNotFound) {
		return pebbleRecord{}, ErrMessageNotFound
	}
	if err != nil {
		return pebbleRecord{}, err
	}
	var rec pebbleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pebbleRecord{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	rec.Message.Seq = rec.Seq
	rec.Message.Deleted = rec.Deleted
	if rec.Reactions == nil {
		rec.Reactions = models.Reactions{}
	}
	return rec, nil
}

func (g *PebbleGateway) loadLive(id string) (pebbleRecord, error) {
	rec, err := g.load(id)
	if err != nil {
		return pebbleRecord{}, err
	}
	if rec.Deleted {
		return pebbleRecord{}, ErrMessageNotFound
	}
	return rec, nil
}

func putRecord(b *pebble.Batch, rec pebbleRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set([]byte(msgPrefix+rec.ID), raw, nil)
}

func (g *PebbleGateway) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq := g.seq + 1
	rec := pebbleRecord{Message: msg.Clone(), Seq: seq}
	rec.TempID = ""
	if rec.Reactions == nil {
		rec.Reactions = models.Reactions{}
	}

	b := g.db.NewBatch()
	defer b.Close()
	if err := putRecord(b, rec); err != nil {
		return models.Message{}, err
	}
	var index []byte
	if msg.IsReply() {
		index = orderKey(replyPrefix, msg.ParentID, msg.CreatedAt, seq)
	} else {
		index = orderKey(rootPrefix, msg.GroupID, msg.CreatedAt, seq)
	}
	if err := b.Set(index, []byte(msg.ID), nil); err != nil {
		return models.Message{}, err
	}
	if err := b.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10)), nil); err != nil {
		return models.Message{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Message{}, err
	}
	g.seq = seq

	out := rec.Message
	out.Seq = seq
	return out, nil
}

func (g *PebbleGateway) GetMessage(ctx context.Context, id string) (models.Message, error) {
	rec, err := g.loadLive(id)
	if err != nil {
		return models.Message{}, err
	}
	return rec.Message, nil
}

func (g *PebbleGateway) UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.loadLive(id)
	if err != nil {
		return models.Message{}, err
	}
	if update.Content != nil {
		rec.Content = *update.Content
	}
	if update.Edited {
		rec.Edited = true
	}
	rec.ReplyCount += update.ReplyCountDelta
	if rec.ReplyCount < 0 {
		rec.ReplyCount = 0
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := g.save(rec); err != nil {
		return models.Message{}, err
	}
	return rec.Message, nil
}

func (g *PebbleGateway) save(rec pebbleRecord) error {
	b := g.db.NewBatch()
	defer b.Close()
	if err := putRecord(b, rec); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (g *PebbleGateway) DeleteMessage(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.loadLive(id)
	if err != nil {
		return err
	}

	b := g.db.NewBatch()
	defer b.Close()
	if err := g.markDeleted(b, rec); err != nil {
		return err
	}
	if !rec.IsReply() {
		replies, err := g.scan(ownerPrefix(replyPrefix, id))
		if err != nil {
			return err
		}
		for _, reply := range replies {
			if err := g.markDeleted(b, reply); err != nil {
				return err
			}
		}
	}
	return b.Commit(pebble.Sync)
}

func (g *PebbleGateway) markDeleted(b *pebble.Batch, rec pebbleRecord) error {
	rec.Deleted = true
	rec.UpdatedAt = time.Now().UTC()
	if err := putRecord(b, rec); err != nil {
		return err
	}
	if rec.IsReply() {
		return b.Delete(orderKey(replyPrefix, rec.ParentID, rec.CreatedAt, rec.Seq), nil)
	}
	return b.Delete(orderKey(rootPrefix, rec.GroupID, rec.CreatedAt, rec.Seq), nil)
}

// scan resolves every index entry under prefix, in key order.
func (g *PebbleGateway) scan(prefix string) ([]pebbleRecord, error) {
	iter, err := g.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []pebbleRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := g.loadLive(string(iter.Value()))
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (g *PebbleGateway) GetRepliesForMessage(ctx context.Context, parentID string) ([]models.Message, error) {
	recs, err := g.scan(ownerPrefix(replyPrefix, parentID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Message)
	}
	return out, nil
}

func (g *PebbleGateway) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	recs, err := g.scan(ownerPrefix(rootPrefix, groupID))
	if err != nil {
		return nil, err
	}
	if limit = normalizeLimit(limit); len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]models.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Message)
	}
	return out, nil
}

func (g *PebbleGateway) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	return g.react(messageID, userID, emoji, true)
}

func (g *PebbleGateway) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return g.react(messageID, userID, emoji, false)
}

func (g *PebbleGateway) react(messageID, userID, emoji string, add bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.loadLive(messageID)
	if err != nil {
		return err
	}
	next, changed := rec.Reactions.Apply(userID, emoji, add)
	if !changed {
		return nil
	}
	rec.Reactions = next
	return g.save(rec)
}

func (g *PebbleGateway) GetGroupByID(ctx context.Context, id string) (models.Group, error) {
	raw, err := g.get(groupPrefix + id)
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Group{}, ErrGroupNotFound
	}
	if err != nil {
		return models.Group{}, err
	}
	var group models.Group
	if err := json.Unmarshal(raw, &group); err != nil {
		return models.Group{}, fmt.Errorf("decode group %s: %w", id, err)
	}
	return group, nil
}

func (g *PebbleGateway) UpdateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stored, err := g.GetGroupByID(ctx, group.ID)
	if errors.Is(err, ErrGroupNotFound) {
		stored = models.Group{ID: group.ID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return models.Group{}, err
	}
	if group.Name != "" {
		stored.Name = group.Name
	}
	if group.LastActivityAt != nil {
		ts := *group.LastActivityAt
		stored.LastActivityAt = &ts
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return models.Group{}, err
	}
	if err := g.db.Set([]byte(groupPrefix+group.ID), raw, pebble.Sync); err != nil {
		return models.Group{}, err
	}
	return stored, nil
}
