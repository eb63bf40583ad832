package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-realtime/internal/models"
)

// PostgresGateway is a sqlx-backed Gateway.
type PostgresGateway struct {
	db *sqlx.DB
}

// NewPostgresGateway constructs a PostgresGateway.
func NewPostgresGateway(db *sqlx.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

const messageColumns = `seq, id, group_id, user_id, display_name, image_url, content, attachments, metadata, parent_id, reply_count, edited, deleted, created_at, updated_at`

type messageRow struct {
	Seq         int64          `db:"seq"`
	ID          string         `db:"id"`
	GroupID     string         `db:"group_id"`
	UserID      string         `db:"user_id"`
	DisplayName string         `db:"display_name"`
	ImageURL    string         `db:"image_url"`
	Content     string         `db:"content"`
	Attachments []byte         `db:"attachments"`
	Metadata    []byte         `db:"metadata"`
	ParentID    sql.NullString `db:"parent_id"`
	ReplyCount  int            `db:"reply_count"`
	Edited      bool           `db:"edited"`
	Deleted     bool           `db:"deleted"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		Seq:         r.Seq,
		ID:          r.ID,
		GroupID:     r.GroupID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		ImageURL:    r.ImageURL,
		Content:     r.Content,
		ParentID:    r.ParentID.String,
		ReplyCount:  r.ReplyCount,
		Edited:      r.Edited,
		Deleted:     r.Deleted,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Reactions:   models.Reactions{},
	}
	if len(r.Attachments) > 0 {
		if err := json.Unmarshal(r.Attachments, &msg.Attachments); err != nil {
			return models.Message{}, fmt.Errorf("decode attachments of %s: %w", r.ID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &msg.Metadata); err != nil {
			return models.Message{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
	}
	return msg, nil
}

// CreateMessage persists a message and returns it with its sequence.
func (g *PostgresGateway) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	attachments, err := jsonColumn(msg.Attachments)
	if err != nil {
		return models.Message{}, err
	}
	metadata, err := jsonColumn(msg.Metadata)
	if err != nil {
		return models.Message{}, err
	}

	var row messageRow
	err = g.db.QueryRowxContext(ctx, `INSERT INTO messages (id, group_id, user_id, display_name, image_url, content, attachments, metadata, parent_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, NULLIF($9, ''), $10, $10)
        RETURNING `+messageColumns,
		msg.ID, msg.GroupID, msg.UserID, msg.DisplayName, msg.ImageURL, msg.Content,
		attachments, metadata, msg.ParentID, msg.CreatedAt).StructScan(&row)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// GetMessage fetches a live message with its reactions.
func (g *PostgresGateway) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var row messageRow
	err := g.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1 AND deleted = FALSE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := g.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// UpdateMessage applies a partial update. Reply counts never drop below zero.
func (g *PostgresGateway) UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (models.Message, error) {
	var row messageRow
	err := g.db.QueryRowxContext(ctx, `UPDATE messages
        SET content = COALESCE($2, content),
            edited = edited OR $3,
            reply_count = GREATEST(reply_count + $4, 0),
            updated_at = NOW()
        WHERE id=$1 AND deleted = FALSE
        RETURNING `+messageColumns,
		id, update.Content, update.Edited, update.ReplyCountDelta).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := g.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// DeleteMessage marks a message deleted, and its replies too when it is a root.
func (g *PostgresGateway) DeleteMessage(ctx context.Context, id string) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, updated_at = NOW() WHERE id=$1 AND deleted = FALSE`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, updated_at = NOW() WHERE parent_id=$1 AND deleted = FALSE`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRepliesForMessage returns live replies ordered by creation, then sequence.
func (g *PostgresGateway) GetRepliesForMessage(ctx context.Context, parentID string) ([]models.Message, error) {
	var rows []messageRow
	err := g.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE parent_id=$1 AND deleted = FALSE
        ORDER BY created_at ASC, seq ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return g.withReactions(ctx, rows)
}

// ListGroupMessages returns the newest root messages of a group, oldest first.
func (g *PostgresGateway) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := g.db.SelectContext(ctx, &rows, `SELECT * FROM (
            SELECT `+messageColumns+` FROM messages
            WHERE group_id=$1 AND parent_id IS NULL AND deleted = FALSE
            ORDER BY created_at DESC, seq DESC
            LIMIT $2
        ) recent ORDER BY created_at ASC, seq ASC`, groupID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return g.withReactions(ctx, rows)
}

type reactionRow struct {
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
	Emoji     string `db:"emoji"`
}

// withReactions converts rows and attaches their reaction maps.
func (g *PostgresGateway) withReactions(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var reactions []reactionRow
	err := g.db.SelectContext(ctx, &reactions, `SELECT message_id, user_id, emoji FROM message_reactions
        WHERE message_id = ANY($1)
        ORDER BY created_at ASC, user_id ASC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byMessage := make(map[string]models.Reactions, len(rows))
	for _, r := range reactions {
		current := byMessage[r.MessageID]
		current, _ = current.Apply(r.UserID, r.Emoji, true)
		byMessage[r.MessageID] = current
	}

	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		if r, ok := byMessage[row.ID]; ok {
			msg.Reactions = r
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func jsonColumn(v any) (*string, error) {
	switch val := v.(type) {
	case []models.Attachment:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}
