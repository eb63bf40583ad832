package repositories

import "context"

// AddReaction upserts the user's single reaction on a message.
func (g *PostgresGateway) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := g.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji)
        VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, created_at = NOW()`,
		messageID, userID, emoji)
	return err
}

// RemoveReaction deletes the user's reaction if it is emoji.
func (g *PostgresGateway) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`,
		messageID, userID, emoji)
	return err
}
